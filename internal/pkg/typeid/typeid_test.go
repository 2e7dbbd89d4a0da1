package typeid

import "testing"

func TestRoundTrip(t *testing.T) {
	id := New(PrefixNode)
	s := id.String()
	parsed, err := Parse(PrefixNode, s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.String() != s {
		t.Fatalf("round trip mismatch: %q != %q", parsed.String(), s)
	}
}

func TestParseRejectsForeignPrefix(t *testing.T) {
	id := New(PrefixNode)
	if _, err := Parse(PrefixEdge, id.String()); err == nil {
		t.Fatalf("expected error for foreign prefix")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{"", "noUnderscore", "node_", "_body", "node_short"}
	for _, c := range cases {
		if _, err := ParseAny(c); err == nil {
			t.Fatalf("expected error for %q", c)
		}
	}
}

func TestNewIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := New(PrefixEdge)
		if seen[id.String()] {
			t.Fatalf("duplicate id generated: %s", id.String())
		}
		seen[id.String()] = true
	}
}
