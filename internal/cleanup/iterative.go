package cleanup

import (
	"context"
	"time"

	"github.com/brightloom-ai/episodic/internal/clients/embedder"
	"github.com/brightloom-ai/episodic/internal/pkg/dbctx"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
)

const minSubgraphNodes = 5

type IterativeConfig struct {
	Since             time.Time
	EntryNodeLimit    int
	SemanticNeighbor  int
	HopDepth          int
	MaxSubgraphNodes  int
	MaxSubgraphEdges  int
	LLMModelId        string
	SeedIds           []typeid.TypeId
	Iterations        int
	SeedsPerIteration int
	DynamicFollowups  bool
}

// IterativeCleanup runs up to config.Iterations cleanup passes, seeding each
// from the previous pass's merge keeps / created nodes / addition endpoints
// when DynamicFollowups is set.
func (e *Engine) IterativeCleanup(ctx context.Context, userId typeid.TypeId, atlas string, config IterativeConfig) error {
	seedPool := config.SeedIds
	if len(seedPool) == 0 {
		fetched, err := e.FetchEntryNodes(ctx, userId, config.Since, config.EntryNodeLimit)
		if err != nil {
			return err
		}
		seedPool = fetched
	}

	processed := map[typeid.TypeId]bool{}
	for iter := 0; iter < config.Iterations; iter++ {
		batch := nextUnprocessedBatch(seedPool, processed, config.SeedsPerIteration)
		if len(batch) == 0 {
			e.log.Info("IterativeCleanup: no more unprocessed seeds, stopping early", "iteration", iter)
			break
		}
		for _, s := range batch {
			processed[s] = true
		}

		sg, err := e.BuildSubgraph(ctx, userId, batch, config.SemanticNeighbor, config.HopDepth, config.MaxSubgraphNodes, config.MaxSubgraphEdges)
		if err != nil {
			return err
		}
		if len(sg.Nodes) < minSubgraphNodes {
			e.log.Info("IterativeCleanup: subgraph below minimum size, counted processed and skipped", "iteration", iter, "nodes", len(sg.Nodes))
			continue
		}

		tempSg, mapper := ToTempSubgraph(sg)
		proposal, err := e.ProposeCleanup(ctx, tempSg, atlas, config.LLMModelId)
		if err != nil {
			e.log.Warn("IterativeCleanup: proposal failed, skipping iteration", "iteration", iter, "error", err)
			continue
		}

		applied, err := e.Apply(ctx, userId, proposal, mapper)
		if err != nil {
			return err
		}

		if config.DynamicFollowups {
			seedPool = append(seedPool, applied.MergedKeepIds...)
			seedPool = append(seedPool, applied.CreatedNodeIds...)
			seedPool = append(seedPool, applied.AddedEndpoints...)
		}
	}
	return nil
}

func nextUnprocessedBatch(pool []typeid.TypeId, processed map[typeid.TypeId]bool, n int) []typeid.TypeId {
	if n <= 0 {
		n = 5
	}
	out := make([]typeid.TypeId, 0, n)
	for _, id := range pool {
		if processed[id] {
			continue
		}
		out = append(out, id)
		if len(out) >= n {
			break
		}
	}
	return out
}

// TruncateLongLabels enforces len(label) <= 255 across every node for userId.
func (e *Engine) TruncateLongLabels(ctx context.Context, userId typeid.TypeId) (int, error) {
	return e.graphRepo.TruncateLongLabels(dbctx.Context{Ctx: ctx}, userId, 255)
}

// GenerateMissingNodeEmbeddings back-fills embeddings for labeled nodes that
// have none yet.
func (e *Engine) GenerateMissingNodeEmbeddings(ctx context.Context, userId typeid.TypeId) (int, error) {
	nodes, err := e.graphRepo.FindNodesWithoutEmbedding(dbctx.Context{Ctx: ctx}, userId, 0)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, n := range nodes {
		vecs, err := e.embedder.Embed(ctx, []string{n.Label + ": " + n.Description}, embedder.InputPassage)
		if err != nil || len(vecs) == 0 {
			e.log.Warn("GenerateMissingNodeEmbeddings: embed failed, skipping", "node_id", n.NodeId.String(), "error", err)
			continue
		}
		if err := e.graphRepo.InsertNodeEmbedding(dbctx.Context{Ctx: ctx}, n.NodeId, vecs[0], "jina-embeddings-v3"); err != nil {
			e.log.Warn("GenerateMissingNodeEmbeddings: insert failed, skipping", "node_id", n.NodeId.String(), "error", err)
			continue
		}
		count++
	}
	return count, nil
}
