// Package typeid implements the prefixed, URL-safe identifiers used across
// the store: <prefix>_<26-char-crockford-base32 body>. The prefix encodes the
// entity kind so a value can never be mistaken for the wrong table's key.
package typeid

import (
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prefix identifies the entity kind encoded in a TypeId.
type Prefix string

const (
	PrefixNode             Prefix = "node"
	PrefixEdge             Prefix = "edge"
	PrefixNodeMetadata     Prefix = "nmeta"
	PrefixNodeEmbedding    Prefix = "nemb"
	PrefixEdgeEmbedding    Prefix = "eemb"
	PrefixSource           Prefix = "src"
	PrefixAlias            Prefix = "alias"
	PrefixSourceLink       Prefix = "sln"
	PrefixUserProfile      Prefix = "upf"
	PrefixMessage          Prefix = "msg"
	PrefixUser             Prefix = "user"
	PrefixAssistantDream   Prefix = "dream"
	PrefixCleanupProposal  Prefix = "cprop"
	PrefixJob              Prefix = "job"
)

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// bodyLen is the length of the base32 body.
const bodyLen = 26

// TypeId is a prefixed identifier. The zero value is invalid; use New or Parse.
type TypeId struct {
	prefix Prefix
	body   string
}

// New mints a fresh, time-ordered TypeId for the given prefix.
// Time-ordering (first 48 bits carry a millisecond timestamp, like a ULID)
// keeps btree indexes and "ORDER BY id" queries well-behaved without a
// separate CreatedAt sort key; ties within the same millisecond are broken
// by the random body, and callers that need a total order break remaining
// ties on nodeId.
func New(prefix Prefix) TypeId {
	var buf [16]byte
	ms := uint64(time.Now().UTC().UnixMilli())
	buf[0] = byte(ms >> 40)
	buf[1] = byte(ms >> 32)
	buf[2] = byte(ms >> 24)
	buf[3] = byte(ms >> 16)
	buf[4] = byte(ms >> 8)
	buf[5] = byte(ms)
	if id, err := uuid.NewRandom(); err == nil {
		copy(buf[6:], id[:10])
	} else {
		// crypto/rand failing is unrecoverable; fall back to a time-derived
		// filler rather than panic, so callers never see a partial id.
		binary.BigEndian.PutUint64(buf[6:14], ms^0x9E3779B97F4A7C15)
	}
	return TypeId{prefix: prefix, body: encode(buf)}
}

func encode(buf [16]byte) string {
	// 16 bytes -> 128 bits, encoded 5 bits at a time into bodyLen chars
	// (130 bits of capacity; the top 2 bits of the first char are always 0).
	var out [bodyLen]byte
	var acc uint64
	bits := uint(2) // the two leading zero bits of the 130-bit frame
	bi := 0
	oi := 0
	for bi < len(buf) && oi < bodyLen {
		acc = acc<<8 | uint64(buf[bi])
		bits += 8
		bi++
		for bits >= 5 && oi < bodyLen {
			bits -= 5
			idx := (acc >> bits) & 0x1F
			out[oi] = crockford[idx]
			oi++
		}
	}
	for oi < bodyLen {
		out[oi] = crockford[0]
		oi++
	}
	return string(out[:])
}

// String renders the canonical "<prefix>_<body>" form.
func (t TypeId) String() string {
	if t.prefix == "" || t.body == "" {
		return ""
	}
	return string(t.prefix) + "_" + t.body
}

// IsZero reports whether t is the unset value.
func (t TypeId) IsZero() bool { return t.prefix == "" || t.body == "" }

// Prefix returns the entity-kind prefix.
func (t TypeId) Prefix() Prefix { return t.prefix }

// Parse validates and decodes a TypeId string, rejecting foreign prefixes.
func Parse(expect Prefix, s string) (TypeId, error) {
	idx := strings.IndexByte(s, '_')
	if idx <= 0 || idx == len(s)-1 {
		return TypeId{}, fmt.Errorf("typeid: malformed id %q", s)
	}
	prefix := Prefix(s[:idx])
	body := s[idx+1:]
	if prefix != expect {
		return TypeId{}, fmt.Errorf("typeid: expected prefix %q, got %q", expect, prefix)
	}
	if len(body) != bodyLen {
		return TypeId{}, fmt.Errorf("typeid: body must be %d chars, got %d", bodyLen, len(body))
	}
	for i := 0; i < len(body); i++ {
		if strings.IndexByte(crockford, body[i]) < 0 {
			return TypeId{}, fmt.Errorf("typeid: invalid character %q in body", body[i])
		}
	}
	return TypeId{prefix: prefix, body: body}, nil
}

// ParseAny decodes a TypeId string without checking the prefix against an
// expectation; used where a value's kind is determined at runtime (e.g. the
// generic Node/Edge endpoints in the cleanup engine's temp-id remap).
func ParseAny(s string) (TypeId, error) {
	idx := strings.IndexByte(s, '_')
	if idx <= 0 || idx == len(s)-1 {
		return TypeId{}, fmt.Errorf("typeid: malformed id %q", s)
	}
	return Parse(Prefix(s[:idx]), s)
}

// MustNew mints a TypeId exactly as New does. New never fails (it falls back
// to a time-derived filler when entropy is unavailable), so MustNew never
// panics.
func MustNew(prefix Prefix) TypeId { return New(prefix) }

// Value implements driver.Valuer so TypeId can be stored as a plain text
// column without a custom gorm type per field.
func (t TypeId) Value() (driver.Value, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.String(), nil
}

// Scan implements sql.Scanner. The expected prefix is not checked here since
// the column already guarantees it; use Parse at system boundaries (job
// payloads, LLM output) where an attacker-controlled string first arrives.
func (t *TypeId) Scan(src any) error {
	if src == nil {
		*t = TypeId{}
		return nil
	}
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("typeid: unsupported scan type %T", src)
	}
	parsed, err := ParseAny(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
