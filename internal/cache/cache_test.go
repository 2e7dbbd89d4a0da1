package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeepResearchKeyIsScopedPerConversation(t *testing.T) {
	a := DeepResearchKey("u1", "c1")
	b := DeepResearchKey("u1", "c2")
	c := DeepResearchKey("u2", "c1")

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "deep-research:u1:c1", a)
}

func TestDeepResearchThrottleKeyDiffersFromResultKey(t *testing.T) {
	result := DeepResearchKey("u1", "c1")
	throttle := DeepResearchThrottleKey("u1", "c1")
	assert.NotEqual(t, result, throttle)
}
