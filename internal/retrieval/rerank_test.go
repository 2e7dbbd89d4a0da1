package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloom-ai/episodic/internal/clients/embedder"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
)

func TestToVectorLiteralFormatsAsPgvectorLiteral(t *testing.T) {
	assert.Equal(t, "[]", toVectorLiteral(nil))
	assert.Equal(t, "[0.1,0.2,0.3]", toVectorLiteral([]float32{0.1, 0.2, 0.3}))
}

type fakeRerankClient struct {
	scores []embedder.RerankResult
}

func (f *fakeRerankClient) Embed(ctx context.Context, inputs []string, kind embedder.InputKind) ([][]float32, error) {
	return nil, nil
}

func (f *fakeRerankClient) Rerank(ctx context.Context, query string, documents []string) ([]embedder.RerankResult, error) {
	return f.scores, nil
}

func TestRerankOrdersDescendingAndAppliesLimit(t *testing.T) {
	nodes := []SimilarNode{
		{NodeId: typeid.New(typeid.PrefixNode), Label: "Alice", Description: "a friend"},
		{NodeId: typeid.New(typeid.PrefixNode), Label: "Bob", Description: "a coworker"},
	}
	edges := []SimilarEdge{
		{EdgeId: typeid.New(typeid.PrefixEdge), SourceLabel: "Alice", TargetLabel: "Bob", Type: "RELATED_TO"},
	}

	fake := &fakeRerankClient{scores: []embedder.RerankResult{
		{Index: 0, RelevanceScore: 0.2},
		{Index: 1, RelevanceScore: 0.9},
		{Index: 2, RelevanceScore: 0.5},
	}}

	ranked, err := rerank(context.Background(), fake, "who is Bob", nodes, edges, nil, nil, 2)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.InDelta(t, 0.9, ranked[0].Score, 1e-9)
	assert.InDelta(t, 0.5, ranked[1].Score, 1e-9)
}

func TestRerankReturnsNilWhenNoDocuments(t *testing.T) {
	fake := &fakeRerankClient{}
	ranked, err := rerank(context.Background(), fake, "query", nil, nil, nil, nil, 10)
	require.NoError(t, err)
	assert.Nil(t, ranked)
}

func TestRerankDropsOutOfRangeIndexes(t *testing.T) {
	nodes := []SimilarNode{{NodeId: typeid.New(typeid.PrefixNode), Label: "Alice"}}
	fake := &fakeRerankClient{scores: []embedder.RerankResult{
		{Index: 5, RelevanceScore: 0.9},
		{Index: 0, RelevanceScore: 0.3},
	}}

	ranked, err := rerank(context.Background(), fake, "query", nodes, nil, nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.InDelta(t, 0.3, ranked[0].Score, 1e-9)
}

func TestRerankScoresExtraDocsAlongsideLiveResults(t *testing.T) {
	nodes := []SimilarNode{{NodeId: typeid.New(typeid.PrefixNode), Label: "Alice", Description: "a friend"}}
	extra := []ExternalDoc{
		{Kind: KindNode, Id: "cached-1", Text: "Bob: a coworker", Payload: "cached-payload"},
	}

	fake := &fakeRerankClient{scores: []embedder.RerankResult{
		{Index: 0, RelevanceScore: 0.3},
		{Index: 1, RelevanceScore: 0.95},
	}}

	ranked, err := rerank(context.Background(), fake, "who is Bob", nodes, nil, nil, extra, 10)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "cached-payload", ranked[0].Payload, "cached doc must be scored by the cross-encoder, not appended with its stale score")
	assert.InDelta(t, 0.95, ranked[0].Score, 1e-9)
}
