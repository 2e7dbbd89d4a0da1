package envutil

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStringUsesOverrideThenDefault(t *testing.T) {
	const key = "ENVUTIL_TEST_STRING"
	t.Setenv(key, "override")
	assert.Equal(t, "override", GetString(key, "fallback", nil))

	require.NoError(t, os.Unsetenv(key))
	assert.Equal(t, "fallback", GetString(key, "fallback", nil))
}

func TestGetIntParsesAndFallsBackOnBadInput(t *testing.T) {
	const key = "ENVUTIL_TEST_INT"
	t.Setenv(key, "  42 ")
	assert.Equal(t, 42, GetInt(key, 7, nil))

	t.Setenv(key, "not-a-number")
	assert.Equal(t, 7, GetInt(key, 7, nil))
}

func TestGetFloatParsesAndFallsBackOnBadInput(t *testing.T) {
	const key = "ENVUTIL_TEST_FLOAT"
	t.Setenv(key, "0.75")
	assert.InDelta(t, 0.75, GetFloat(key, 0.1, nil), 1e-9)

	t.Setenv(key, "nope")
	assert.InDelta(t, 0.1, GetFloat(key, 0.1, nil), 1e-9)
}

func TestGetBoolRecognizesCommonSpellings(t *testing.T) {
	const key = "ENVUTIL_TEST_BOOL"
	for _, v := range []string{"1", "true", "YES", "On"} {
		t.Setenv(key, v)
		assert.True(t, GetBool(key, false, nil), "expected %q to parse true", v)
	}
	for _, v := range []string{"0", "false", "NO", "Off"} {
		t.Setenv(key, v)
		assert.False(t, GetBool(key, true, nil), "expected %q to parse false", v)
	}
	t.Setenv(key, "garbage")
	assert.True(t, GetBool(key, true, nil))
}

func TestGetDurationDelegatesToGetInt(t *testing.T) {
	const key = "ENVUTIL_TEST_DURATION"
	t.Setenv(key, "30")
	assert.Equal(t, 30, GetDuration(key, 10, nil))
}
