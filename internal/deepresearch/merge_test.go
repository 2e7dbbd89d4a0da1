package deepresearch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloom-ai/episodic/internal/cache"
	"github.com/brightloom-ai/episodic/internal/data/models"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
	"github.com/brightloom-ai/episodic/internal/retrieval"
)

type fakeCache struct {
	stored map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{stored: map[string][]byte{}} }

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := c.stored[key]
	return v, ok, nil
}

func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.stored[key] = value
	return nil
}

func (c *fakeCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if _, ok := c.stored[key]; ok {
		return false, nil
	}
	c.stored[key] = value
	return true, nil
}

func (c *fakeCache) Close() error { return nil }

// recordingEngine is a minimal retrieval.Engine fake that only records what
// HybridSearchWithCache was called with; the other methods are unused by
// SearchMemory and just satisfy the interface.
type recordingEngine struct {
	lastExtra  []retrieval.ExternalDoc
	lastMinSim float64
}

func (f *recordingEngine) FindSimilarNodes(ctx context.Context, userId typeid.TypeId, text string, limit int, minSim float64, excludeTypes []models.NodeType) ([]retrieval.SimilarNode, error) {
	return nil, nil
}

func (f *recordingEngine) FindSimilarNodesByVector(ctx context.Context, userId typeid.TypeId, vector []float32, limit int, minSim float64, excludeTypes []models.NodeType) ([]retrieval.SimilarNode, error) {
	return nil, nil
}

func (f *recordingEngine) FindSimilarEdges(ctx context.Context, userId typeid.TypeId, text string, limit int, minSim float64) ([]retrieval.SimilarEdge, error) {
	return nil, nil
}

func (f *recordingEngine) FindOneHopNodes(ctx context.Context, userId typeid.TypeId, seedIds []typeid.TypeId) ([]retrieval.OneHopNode, error) {
	return nil, nil
}

func (f *recordingEngine) FindDayNode(ctx context.Context, userId typeid.TypeId, date string) (typeid.TypeId, bool, error) {
	return typeid.TypeId{}, false, nil
}

func (f *recordingEngine) HybridSearch(ctx context.Context, userId typeid.TypeId, query string, limit int, minSim float64) ([]retrieval.Ranked, error) {
	return nil, nil
}

func (f *recordingEngine) HybridSearchWithCache(ctx context.Context, userId typeid.TypeId, query string, limit int, minSim float64, extra []retrieval.ExternalDoc) ([]retrieval.Ranked, error) {
	f.lastExtra = extra
	f.lastMinSim = minSim
	return nil, nil
}

func noopLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func TestSearchMemoryFoldsCachedItemsIntoRerankPass(t *testing.T) {
	userId := typeid.New(typeid.PrefixUser)
	conversationId := "conv-1"
	nodeId := typeid.New(typeid.PrefixNode)

	cached := []Item{
		{Kind: retrieval.KindNode, Id: nodeId.String(), Label: "Alice", Text: "Alice: a friend", Score: 0.9},
	}
	raw, err := json.Marshal(cached)
	require.NoError(t, err)

	c := newFakeCache()
	require.NoError(t, c.Set(context.Background(), cache.DeepResearchKey(userId.String(), conversationId), raw, time.Hour))

	engine := &recordingEngine{}
	runner := New(engine, nil, c, "test-model", noopLogger(t))

	_, err = runner.SearchMemory(context.Background(), userId, conversationId, "who is Alice", 10)
	require.NoError(t, err)

	require.Len(t, engine.lastExtra, 1)
	assert.Equal(t, nodeId.String(), engine.lastExtra[0].Id)
	assert.Equal(t, "Alice: a friend", engine.lastExtra[0].Text)
	assert.InDelta(t, retrieval.DefaultMinSimUser, engine.lastMinSim, 1e-9, "SearchMemory uses the general user minSim, not the deep-research one")
}

func TestSearchMemoryWithNoCacheEntryPassesNilExtra(t *testing.T) {
	userId := typeid.New(typeid.PrefixUser)

	engine := &recordingEngine{}
	runner := New(engine, nil, newFakeCache(), "test-model", noopLogger(t))

	_, err := runner.SearchMemory(context.Background(), userId, "conv-missing", "query", 10)
	require.NoError(t, err)
	assert.Empty(t, engine.lastExtra)
}
