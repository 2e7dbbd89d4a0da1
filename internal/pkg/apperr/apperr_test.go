package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapping: %w", Validation("graph.GetNode", cause))

	assert.True(t, Is(err, KindValidation))
	assert.False(t, Is(err, KindLogic))
}

func TestIsFalseForPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), KindTransientBackend))
}

func TestErrorStringIncludesComponentWhenSet(t *testing.T) {
	err := Logic("extraction.Extract", errors.New("missing tempId"))
	assert.Contains(t, err.Error(), "extraction.Extract")
	assert.Contains(t, err.Error(), "logic")
}

func TestErrorStringOmitsComponentWhenUnset(t *testing.T) {
	err := New(KindLLMParse, "", errors.New("bad json"))
	assert.Equal(t, "llm_parse: bad json", err.Error())
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("underlying")
	err := TransientBackend("cache.Get", cause)
	assert.Same(t, cause, errors.Unwrap(err))
}
