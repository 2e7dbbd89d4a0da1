// Package extraction turns free text plus a linked source node into new
// graph nodes/edges, reusing existing nodes via a Temporary-ID Mapper. Built
// as a struct of injected dependencies generalized from file extraction to
// LLM-guided graph extraction.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/brightloom-ai/episodic/internal/clients/completion"
	"github.com/brightloom-ai/episodic/internal/clients/embedder"
	"github.com/brightloom-ai/episodic/internal/data/models"
	"github.com/brightloom-ai/episodic/internal/data/repos/graph"
	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
	"github.com/brightloom-ai/episodic/internal/pkg/dbctx"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
	"github.com/brightloom-ai/episodic/internal/retrieval"
)

type SourceKind string

const (
	SourceKindConversation SourceKind = "conversation"
	SourceKindDocument     SourceKind = "document"
)

type Extractor struct {
	graphRepo  graph.Repo
	retrieval  retrieval.Engine
	completion completion.Client
	embedder   embedder.Client
	log        *logger.Logger
	modelId    string
}

func New(graphRepo graph.Repo, retrievalEngine retrieval.Engine, completionClient completion.Client, embedderClient embedder.Client, modelId string, baseLog *logger.Logger) *Extractor {
	return &Extractor{
		graphRepo:  graphRepo,
		retrieval:  retrievalEngine,
		completion: completionClient,
		embedder:   embedderClient,
		modelId:    modelId,
		log:        baseLog.With("component", "Extractor"),
	}
}

type llmNode struct {
	Id          string `json:"id"`
	Type        string `json:"type"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

type llmEdge struct {
	SourceId    string `json:"sourceId"`
	TargetId    string `json:"targetId"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type llmOutput struct {
	Nodes []llmNode `json:"nodes"`
	Edges []llmEdge `json:"edges"`
}

var extractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"nodes": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":          map[string]any{"type": "string"},
					"type":        map[string]any{"type": "string"},
					"label":       map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
				},
				"required": []string{"id", "type", "label", "description"},
			},
		},
		"edges": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sourceId":    map[string]any{"type": "string"},
					"targetId":    map[string]any{"type": "string"},
					"type":        map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
				},
				"required": []string{"sourceId", "targetId", "type", "description"},
			},
		},
	},
	"required": []string{"nodes", "edges"},
}

const extractionSystemPrompt = `You extract a typed knowledge graph from text. Reuse existing entities via the "existing_*" ids provided in context; only invent a "temp_<type>_<n>" id for a genuinely new entity. Return strict JSON matching the schema.`

// Extract gathers context, projects it through a Temporary-ID Mapper,
// prompts the LLM, dedupes the result, inserts new nodes/edges, links
// MENTIONED_IN, and backfills embeddings.
func (x *Extractor) Extract(ctx context.Context, userId typeid.TypeId, sourceKind SourceKind, linkedNodeId typeid.TypeId, content string) error {
	mapper := NewMapper()

	candidates, err := x.gatherCandidates(ctx, userId, linkedNodeId, content)
	if err != nil {
		return err
	}

	contextBlock := x.projectCandidates(mapper, candidates)

	out, err := x.callLLM(ctx, content, contextBlock)
	if err != nil {
		// LLM parse failure is fatal for the job; caller retries.
		return err
	}

	out = dedupeOutput(out)

	labelById := make(map[typeid.TypeId]string, len(candidates))
	for _, c := range candidates {
		labelById[c.NodeId] = c.Label
	}

	createdNodeIds := make(map[string]typeid.TypeId)
	for _, n := range out.Nodes {
		if !IsNewTempId(n.Id) {
			continue // existing tempIds are reused without insert
		}
		nodeId, err := x.graphRepo.InsertNodeWithMetadata(dbctx.Context{Ctx: ctx}, userId, graph.NewNode{
			Type:        models.NodeType(n.Type),
			Label:       n.Label,
			Description: n.Description,
		})
		if err != nil {
			x.log.Warn("extraction: skipping node insert failure", "temp_id", n.Id, "error", err)
			continue
		}
		if err := mapper.Bind(n.Id, nodeId); err != nil {
			x.log.Warn("extraction: mapper bind failed", "temp_id", n.Id, "error", err)
			continue
		}
		createdNodeIds[n.Id] = nodeId
		labelById[nodeId] = n.Label

		if _, err := x.graphRepo.InsertEdges(dbctx.Context{Ctx: ctx}, userId, []graph.NewEdge{
			{SourceNodeId: nodeId, TargetNodeId: linkedNodeId, EdgeType: models.EdgeMentionedIn},
		}); err != nil {
			x.log.Warn("extraction: MENTIONED_IN edge insert failed", "node_id", nodeId.String(), "error", err)
		}
	}

	insertedEdges := x.insertTranslatedEdges(ctx, userId, mapper, out.Edges)

	x.backfillEmbeddings(ctx, out, createdNodeIds, insertedEdges, labelById)

	return nil
}

func (x *Extractor) gatherCandidates(ctx context.Context, userId, linkedNodeId typeid.TypeId, content string) ([]retrieval.SimilarNode, error) {
	similar, err := x.retrieval.FindSimilarNodes(ctx, userId, content, 50, retrieval.DefaultMinSimExtraction, nil)
	if err != nil {
		return nil, err
	}
	neighbors, err := x.retrieval.FindOneHopNodes(ctx, userId, []typeid.TypeId{linkedNodeId})
	if err != nil {
		return nil, err
	}
	aliases, err := x.graphRepo.FindAliasesMentionedIn(dbctx.Context{Ctx: ctx}, userId, content)
	if err != nil {
		return nil, err
	}

	seen := map[typeid.TypeId]bool{}
	out := make([]retrieval.SimilarNode, 0, len(similar)+len(neighbors)+len(aliases))
	for _, s := range similar {
		if seen[s.NodeId] {
			continue
		}
		seen[s.NodeId] = true
		out = append(out, s)
	}
	for _, n := range neighbors {
		if seen[n.NodeId] {
			continue
		}
		seen[n.NodeId] = true
		out = append(out, retrieval.SimilarNode{NodeId: n.NodeId, Type: n.Type, Label: n.Label, Description: n.Description, CreatedAt: n.CreatedAt})
	}
	for _, a := range aliases {
		if seen[a.CanonicalNodeId] {
			continue
		}
		node, err := x.graphRepo.GetNode(dbctx.Context{Ctx: ctx}, a.CanonicalNodeId)
		if err != nil || node == nil {
			continue
		}
		meta, err := x.graphRepo.GetNodeMetadata(dbctx.Context{Ctx: ctx}, a.CanonicalNodeId)
		if err != nil || meta == nil {
			continue
		}
		seen[a.CanonicalNodeId] = true
		out = append(out, retrieval.SimilarNode{
			NodeId: a.CanonicalNodeId, Type: node.NodeType, Label: meta.Label, Description: meta.Description, CreatedAt: node.CreatedAt,
		})
	}
	return out, nil
}

func (x *Extractor) projectCandidates(mapper *Mapper, candidates []retrieval.SimilarNode) string {
	var b strings.Builder
	b.WriteString("Existing entities you may reuse:\n")
	for _, c := range candidates {
		tempId := mapper.RegisterExisting(string(c.Type), c.NodeId)
		fmt.Fprintf(&b, "- %s (%s): %s — %s\n", tempId, c.Type, c.Label, c.Description)
	}
	return b.String()
}

func (x *Extractor) callLLM(ctx context.Context, content, contextBlock string) (llmOutput, error) {
	user := fmt.Sprintf("%s\n\n---\nContent to extract:\n%s", contextBlock, content)
	obj, err := x.completion.GenerateJSON(ctx, x.modelId, extractionSystemPrompt, user, "graph_extraction", extractionSchema)
	if err != nil {
		return llmOutput{}, err
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return llmOutput{}, apperr.LLMParse("extraction.callLLM", err)
	}
	var out llmOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return llmOutput{}, apperr.LLMParse("extraction.callLLM", err)
	}
	return out, nil
}

func dedupeOutput(out llmOutput) llmOutput {
	seenNodes := map[string]bool{}
	nodes := make([]llmNode, 0, len(out.Nodes))
	for _, n := range out.Nodes {
		if seenNodes[n.Id] {
			continue
		}
		seenNodes[n.Id] = true
		nodes = append(nodes, n)
	}

	type edgeKey struct{ src, tgt, typ string }
	seenEdges := map[edgeKey]bool{}
	edges := make([]llmEdge, 0, len(out.Edges))
	for _, e := range out.Edges {
		k := edgeKey{e.SourceId, e.TargetId, e.Type}
		if seenEdges[k] {
			continue
		}
		seenEdges[k] = true
		edges = append(edges, e)
	}

	return llmOutput{Nodes: nodes, Edges: edges}
}

func (x *Extractor) insertTranslatedEdges(ctx context.Context, userId typeid.TypeId, mapper *Mapper, llmEdges []llmEdge) []*models.Edge {
	toInsert := make([]graph.NewEdge, 0, len(llmEdges))
	for _, e := range llmEdges {
		srcId, ok := mapper.Resolve(e.SourceId)
		if !ok {
			x.log.Warn("extraction: edge references unknown source tempId, dropping", "temp_id", e.SourceId)
			continue
		}
		tgtId, ok := mapper.Resolve(e.TargetId)
		if !ok {
			x.log.Warn("extraction: edge references unknown target tempId, dropping", "temp_id", e.TargetId)
			continue
		}
		toInsert = append(toInsert, graph.NewEdge{
			SourceNodeId: srcId,
			TargetNodeId: tgtId,
			EdgeType:     models.EdgeType(e.Type),
			Description:  e.Description,
		})
	}
	if len(toInsert) == 0 {
		return nil
	}
	inserted, err := x.graphRepo.InsertEdges(dbctx.Context{Ctx: ctx}, userId, toInsert)
	if err != nil {
		x.log.Warn("extraction: bulk edge insert failed", "error", err)
		return nil
	}
	return inserted
}

// backfillEmbeddings produces embeddings for newly created nodes
// ("label: description") and newly inserted edges with a description
// ("srcLabel edgeType tgtLabel: description"), skipping nodes without a
// label and edges without a description. labelById covers both the
// candidates gathered for this extraction and the nodes just created by it,
// so an edge's endpoints resolve to a label whether they're new or reused.
func (x *Extractor) backfillEmbeddings(ctx context.Context, out llmOutput, createdNodeIds map[string]typeid.TypeId, insertedEdges []*models.Edge, labelById map[typeid.TypeId]string) {
	const modelName = "jina-embeddings-v3"

	nodeById := make(map[string]llmNode, len(out.Nodes))
	for _, n := range out.Nodes {
		nodeById[n.Id] = n
	}

	for tempId, nodeId := range createdNodeIds {
		n := nodeById[tempId]
		if strings.TrimSpace(n.Label) == "" {
			continue
		}
		text := fmt.Sprintf("%s: %s", n.Label, n.Description)
		vecs, err := x.embedder.Embed(ctx, []string{text}, embedder.InputPassage)
		if err != nil || len(vecs) == 0 {
			x.log.Warn("extraction: node embedding failed", "node_id", nodeId.String(), "error", err)
			continue
		}
		if err := x.graphRepo.InsertNodeEmbedding(dbctx.Context{Ctx: ctx}, nodeId, vecs[0], modelName); err != nil {
			x.log.Warn("extraction: node embedding insert failed", "node_id", nodeId.String(), "error", err)
		}
	}

	for _, e := range insertedEdges {
		if strings.TrimSpace(e.Description) == "" {
			continue
		}
		text := fmt.Sprintf("%s %s %s: %s", labelById[e.SourceNodeId], e.EdgeType, labelById[e.TargetNodeId], e.Description)
		vecs, err := x.embedder.Embed(ctx, []string{text}, embedder.InputPassage)
		if err != nil || len(vecs) == 0 {
			x.log.Warn("extraction: edge embedding failed", "edge_id", e.Id.String(), "error", err)
			continue
		}
		if err := x.graphRepo.InsertEdgeEmbedding(dbctx.Context{Ctx: ctx}, e.Id, vecs[0], modelName); err != nil {
			x.log.Warn("extraction: edge embedding insert failed", "edge_id", e.Id.String(), "error", err)
		}
	}
}
