// Package cleanup implements the LLM-guided graph maintenance algorithm:
// seed selection, subgraph assembly, temp-id projection, schema-constrained
// proposal, and a single transactional apply. Built around the same
// seed->subgraph->score shape used for retrieval scoring, generalized from
// chunk scoring to node/edge cleanup, applied through a single gorm
// transaction.
package cleanup

import (
	"context"
	"time"

	"github.com/brightloom-ai/episodic/internal/clients/completion"
	"github.com/brightloom-ai/episodic/internal/clients/embedder"
	"github.com/brightloom-ai/episodic/internal/data/models"
	"github.com/brightloom-ai/episodic/internal/data/repos/graph"
	"github.com/brightloom-ai/episodic/internal/pkg/dbctx"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
	"github.com/brightloom-ai/episodic/internal/platform/workgroup"
	"github.com/brightloom-ai/episodic/internal/retrieval"
)

type SubgraphNode struct {
	NodeId      typeid.TypeId
	Type        models.NodeType
	Label       string
	Description string
}

type SubgraphEdge struct {
	SourceId    typeid.TypeId
	TargetId    typeid.TypeId
	Type        models.EdgeType
	Description string
}

type Subgraph struct {
	Nodes []SubgraphNode
	Edges []SubgraphEdge
}

type Engine struct {
	graphRepo  graph.Repo
	retrieval  retrieval.Engine
	completion completion.Client
	embedder   embedder.Client
	log        *logger.Logger
}

func New(graphRepo graph.Repo, retrievalEngine retrieval.Engine, completionClient completion.Client, embedderClient embedder.Client, baseLog *logger.Logger) *Engine {
	return &Engine{
		graphRepo:  graphRepo,
		retrieval:  retrievalEngine,
		completion: completionClient,
		embedder:   embedderClient,
		log:        baseLog.With("component", "CleanupEngine"),
	}
}

// FetchEntryNodes returns the nodes with the highest outgoing-edge count
// since `since`, the seed set for one cleanup pass.
func (e *Engine) FetchEntryNodes(ctx context.Context, userId typeid.TypeId, since time.Time, limit int) ([]typeid.TypeId, error) {
	return e.graphRepo.FetchTopOutDegreeNodes(dbctx.Context{Ctx: ctx}, userId, since, limit)
}

// BuildSubgraph loads seed metadata, expands via parallel semantic
// similarity, then BFS one-hop expansion up to hopDepth, deduplicating edges
// on (src,tgt,type) and trimming to maxNodes/maxEdges while keeping only
// edges whose endpoints survive the trim.
func (e *Engine) BuildSubgraph(ctx context.Context, userId typeid.TypeId, seeds []typeid.TypeId, semanticLimit int, hopDepth int, maxNodes, maxEdges int) (*Subgraph, error) {
	nodes := map[typeid.TypeId]SubgraphNode{}
	edgeKeys := map[edgeKey]SubgraphEdge{}

	order := make([]typeid.TypeId, 0, len(seeds))
	for _, seedId := range seeds {
		n, err := e.loadNode(ctx, seedId)
		if err != nil {
			e.log.Warn("BuildSubgraph: skipping unreadable seed", "node_id", seedId.String(), "error", err)
			continue
		}
		if n == nil {
			continue
		}
		if _, ok := nodes[seedId]; !ok {
			nodes[seedId] = *n
			order = append(order, seedId)
		}
	}

	semanticResults, err := e.expandSemantic(ctx, userId, order, semanticLimit)
	if err != nil {
		return nil, err
	}
	for _, r := range semanticResults {
		if _, ok := nodes[r.NodeId]; ok {
			continue
		}
		nodes[r.NodeId] = SubgraphNode{NodeId: r.NodeId, Type: r.Type, Label: r.Label, Description: r.Description}
		order = append(order, r.NodeId)
	}

	frontier := append([]typeid.TypeId{}, order...)
	if hopDepth <= 0 {
		hopDepth = 1
	}
	if hopDepth > 2 {
		hopDepth = 2
	}
	for hop := 0; hop < hopDepth; hop++ {
		if len(frontier) == 0 {
			break
		}
		neighbors, err := e.retrieval.FindOneHopNodes(ctx, userId, frontier)
		if err != nil {
			return nil, err
		}
		var nextFrontier []typeid.TypeId
		for _, n := range neighbors {
			k := edgeKey{n.Edge.SourceId, n.Edge.TargetId, n.Edge.Type}
			if _, ok := edgeKeys[k]; !ok {
				edgeKeys[k] = SubgraphEdge{SourceId: n.Edge.SourceId, TargetId: n.Edge.TargetId, Type: n.Edge.Type}
			}
			if _, ok := nodes[n.NodeId]; ok {
				continue
			}
			nodes[n.NodeId] = SubgraphNode{NodeId: n.NodeId, Type: n.Type, Label: n.Label, Description: n.Description}
			order = append(order, n.NodeId)
			nextFrontier = append(nextFrontier, n.NodeId)
		}
		frontier = nextFrontier
	}

	if maxNodes > 0 && len(order) > maxNodes {
		order = order[:maxNodes]
	}
	kept := map[typeid.TypeId]bool{}
	trimmedNodes := make([]SubgraphNode, 0, len(order))
	for _, id := range order {
		kept[id] = true
		trimmedNodes = append(trimmedNodes, nodes[id])
	}

	edges := make([]SubgraphEdge, 0, len(edgeKeys))
	for _, ed := range edgeKeys {
		if kept[ed.SourceId] && kept[ed.TargetId] {
			edges = append(edges, ed)
		}
	}
	if maxEdges > 0 && len(edges) > maxEdges {
		edges = edges[:maxEdges]
	}

	return &Subgraph{Nodes: trimmedNodes, Edges: edges}, nil
}

type edgeKey struct {
	src typeid.TypeId
	tgt typeid.TypeId
	typ models.EdgeType
}

func (e *Engine) loadNode(ctx context.Context, nodeId typeid.TypeId) (*SubgraphNode, error) {
	node, err := e.graphRepo.GetNode(dbctx.Context{Ctx: ctx}, nodeId)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, nil
	}
	meta, err := e.graphRepo.GetNodeMetadata(dbctx.Context{Ctx: ctx}, nodeId)
	if err != nil {
		return nil, err
	}
	sn := &SubgraphNode{NodeId: nodeId, Type: node.NodeType}
	if meta != nil {
		sn.Label = meta.Label
		sn.Description = meta.Description
	}
	return sn, nil
}

// expandSemantic runs FindSimilarNodes for every seed's (label, description)
// text in parallel, bounded by a workgroup, per the "bounded parallel tasks"
// design note.
func (e *Engine) expandSemantic(ctx context.Context, userId typeid.TypeId, seeds []typeid.TypeId, limit int) ([]retrieval.SimilarNode, error) {
	seedNodes := make([]SubgraphNode, 0, len(seeds))
	for _, s := range seeds {
		n, err := e.loadNode(ctx, s)
		if err != nil || n == nil {
			continue
		}
		seedNodes = append(seedNodes, *n)
	}
	if len(seedNodes) == 0 {
		return nil, nil
	}

	results := make([][]retrieval.SimilarNode, len(seedNodes))
	g, gctx := workgroup.New(ctx, 4)
	for i, n := range seedNodes {
		i, n := i, n
		g.Go(func() error {
			text := n.Label + ": " + n.Description
			res, err := e.retrieval.FindSimilarNodes(gctx, userId, text, limit, retrieval.DefaultMinSimCleanup, nil)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := map[typeid.TypeId]bool{}
	out := make([]retrieval.SimilarNode, 0)
	for _, res := range results {
		for _, r := range res {
			if seen[r.NodeId] {
				continue
			}
			seen[r.NodeId] = true
			out = append(out, r)
		}
	}
	return out, nil
}
