package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
)

func TestMapperRegisterExistingIsStableUnderRepeat(t *testing.T) {
	m := NewMapper()
	nodeId := typeid.New(typeid.PrefixNode)

	first := m.RegisterExisting("Person", nodeId)
	second := m.RegisterExisting("Person", nodeId)

	assert.Equal(t, first, second, "registering the same nodeId twice must not mint a new tempId")
	assert.True(t, IsExistingTempId(first))

	resolved, ok := m.Resolve(first)
	require.True(t, ok)
	assert.Equal(t, nodeId, resolved)
}

func TestMapperRegisterExistingOrdinalsPerType(t *testing.T) {
	m := NewMapper()
	a := m.RegisterExisting("Person", typeid.New(typeid.PrefixNode))
	b := m.RegisterExisting("Person", typeid.New(typeid.PrefixNode))
	c := m.RegisterExisting("Location", typeid.New(typeid.PrefixNode))

	assert.Equal(t, "existing_person_1", a)
	assert.Equal(t, "existing_person_2", b)
	assert.Equal(t, "existing_location_1", c)
}

func TestMapperRegisterNewMintsSequential(t *testing.T) {
	m := NewMapper()
	a := m.RegisterNew("Event")
	b := m.RegisterNew("Event")

	assert.Equal(t, "temp_event_1", a)
	assert.Equal(t, "temp_event_2", b)
	assert.True(t, IsNewTempId(a))
	assert.False(t, IsExistingTempId(a))
}

func TestMapperBindRefusesConflictingRebind(t *testing.T) {
	m := NewMapper()
	tempId := m.RegisterNew("Person")
	idA := typeid.New(typeid.PrefixNode)
	idB := typeid.New(typeid.PrefixNode)

	require.NoError(t, m.Bind(tempId, idA))
	err := m.Bind(tempId, idB)
	assert.Error(t, err, "rebinding a tempId to a different id must be refused")

	// Rebinding to the *same* id is idempotent, not an error.
	assert.NoError(t, m.Bind(tempId, idA))
}

func TestMapperTempIdForRoundTrips(t *testing.T) {
	m := NewMapper()
	tempId := m.RegisterNew("Concept")
	id := typeid.New(typeid.PrefixNode)
	require.NoError(t, m.Bind(tempId, id))

	got, ok := m.TempIdFor(id)
	require.True(t, ok)
	assert.Equal(t, tempId, got)
}

func TestMapperResolveMissingIsFalse(t *testing.T) {
	m := NewMapper()
	_, ok := m.Resolve("temp_person_99")
	assert.False(t, ok)
}
