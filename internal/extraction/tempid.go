package extraction

import (
	"fmt"
	"strings"
	"sync"

	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
)

// Mapper is the scoped, non-persisted bijection between a tempId token
// presented to the LLM and the stable TypeId it resolves to. Per the design
// note, identity is the TypeId itself for persisted items, or a counter-
// derived token for LLM-proposed new items — never Go object identity.
// A single Mapper is built fresh per extraction/cleanup call and discarded.
type Mapper struct {
	mu        sync.Mutex
	toReal    map[string]typeid.TypeId
	toTemp    map[typeid.TypeId]string
	newCounts map[string]int
}

func NewMapper() *Mapper {
	return &Mapper{
		toReal:    make(map[string]typeid.TypeId),
		toTemp:    make(map[typeid.TypeId]string),
		newCounts: make(map[string]int),
	}
}

// RegisterExisting assigns a tempId of the form "existing_<type>_<ordinal>"
// to an already-persisted node and returns the tempId. Registering the same
// nodeId twice returns its original tempId rather than minting a duplicate.
func (m *Mapper) RegisterExisting(nodeType string, nodeId typeid.TypeId) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.toTemp[nodeId]; ok {
		return existing
	}
	key := "existing_" + strings.ToLower(nodeType)
	m.newCounts[key]++
	tempId := fmt.Sprintf("%s_%d", key, m.newCounts[key])
	m.toReal[tempId] = nodeId
	m.toTemp[nodeId] = tempId
	return tempId
}

// RegisterNew mints a fresh "temp_<type>_<n>" placeholder for an item the
// LLM is proposing that has no backing TypeId yet. It binds nothing itself;
// the caller binds the placeholder with Bind once the item is inserted.
func (m *Mapper) RegisterNew(nodeType string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := "temp_" + strings.ToLower(nodeType)
	m.newCounts[key]++
	return fmt.Sprintf("%s_%d", key, m.newCounts[key])
}

// Bind records that tempId now resolves to id. Refuses to silently overwrite
// an existing binding for a different id, surfacing the mapper's "refuse
// duplicate ids" rule.
func (m *Mapper) Bind(tempId string, id typeid.TypeId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.toReal[tempId]; ok && existing != id {
		return fmt.Errorf("tempid: %q already bound to %s", tempId, existing.String())
	}
	m.toReal[tempId] = id
	m.toTemp[id] = tempId
	return nil
}

// Resolve returns the TypeId bound to tempId, if any.
func (m *Mapper) Resolve(tempId string) (typeid.TypeId, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.toReal[tempId]
	return id, ok
}

// TempIdFor returns the tempId bound to id, if any.
func (m *Mapper) TempIdFor(id typeid.TypeId) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.toTemp[id]
	return t, ok
}

func IsNewTempId(tempId string) bool {
	return strings.HasPrefix(tempId, "temp_")
}

func IsExistingTempId(tempId string) bool {
	return strings.HasPrefix(tempId, "existing_")
}
