package cleanup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/brightloom-ai/episodic/internal/clients/embedder"
	"github.com/brightloom-ai/episodic/internal/data/models"
	"github.com/brightloom-ai/episodic/internal/data/repos/graph"
	"github.com/brightloom-ai/episodic/internal/extraction"
	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
	"github.com/brightloom-ai/episodic/internal/pkg/dbctx"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/platform/workgroup"
)

type Merge struct {
	Keep   string `json:"keep"`
	Remove string `json:"remove"`
}

type Delete struct {
	TempId string `json:"tempId"`
}

type Addition struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type NewNode struct {
	TempId      string `json:"tempId"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Type        string `json:"type"`
}

type Proposal struct {
	Merges    []Merge    `json:"merges"`
	Deletes   []Delete   `json:"deletes"`
	Additions []Addition `json:"additions"`
	NewNodes  []NewNode  `json:"newNodes"`
}

var proposalSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"merges": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":       "object",
				"properties": map[string]any{"keep": map[string]any{"type": "string"}, "remove": map[string]any{"type": "string"}},
				"required":   []string{"keep", "remove"},
			},
		},
		"deletes": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":       "object",
				"properties": map[string]any{"tempId": map[string]any{"type": "string"}},
				"required":   []string{"tempId"},
			},
		},
		"additions": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"source":      map[string]any{"type": "string"},
					"target":      map[string]any{"type": "string"},
					"type":        map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
				},
				"required": []string{"source", "target", "type", "description"},
			},
		},
		"newNodes": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tempId":      map[string]any{"type": "string"},
					"label":       map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"type":        map[string]any{"type": "string"},
				},
				"required": []string{"tempId", "label", "description", "type"},
			},
		},
	},
	"required": []string{"merges", "deletes", "additions", "newNodes"},
}

const cleanupSystemPrompt = `You maintain a per-user knowledge graph. Given a subgraph and the user's current factual atlas, propose: nodes to merge (duplicates, keeping the better-labeled one), nodes to delete (contradicted by the atlas or redundant), new relationships to add, and new nodes to add if a clear gap exists. Reference nodes only by their tempId. Return strict JSON matching the schema.`

// ProposeCleanup asks the LLM to propose merges/deletes/additions/newNodes
// for a projected subgraph.
func (e *Engine) ProposeCleanup(ctx context.Context, tempSubgraph *TempSubgraph, currentAtlas, modelId string) (*Proposal, error) {
	user := fmt.Sprintf("Current user atlas:\n%s\n\nSubgraph:\n%s", currentAtlas, formatTempSubgraph(tempSubgraph))
	obj, err := e.completion.GenerateJSON(ctx, modelId, cleanupSystemPrompt, user, "cleanup_proposal", proposalSchema)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, apperr.LLMParse("cleanup.ProposeCleanup", err)
	}
	var p Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apperr.LLMParse("cleanup.ProposeCleanup", err)
	}
	return &p, nil
}

// ApplyResult is what a completed Apply produced, used by IterativeCleanup
// to harvest follow-up seeds.
type ApplyResult struct {
	CreatedNodeIds []typeid.TypeId
	MergedKeepIds  []typeid.TypeId
	AddedEndpoints []typeid.TypeId
}

// Apply executes a proposal in the order new nodes -> merges -> additions ->
// deletes, all in a single transaction, then backfills embeddings for
// created nodes and inserted edges in parallel.
func (e *Engine) Apply(ctx context.Context, userId typeid.TypeId, proposal *Proposal, mapper *extraction.Mapper) (*ApplyResult, error) {
	remap := map[string]string{}
	keepSet := map[string]bool{}
	for _, m := range proposal.Merges {
		remap[m.Remove] = m.Keep
		keepSet[m.Keep] = true
	}
	resolveRemap := func(tempId string) string {
		seen := map[string]bool{}
		for {
			next, ok := remap[tempId]
			if !ok || seen[tempId] {
				return tempId
			}
			seen[tempId] = true
			tempId = next
		}
	}

	result := &ApplyResult{}
	var insertedEdges []*models.Edge
	var createdNodeTemps []NewNode

	err := e.graphRepo.WithTransaction(ctx, func(dbc dbctx.Context) error {
		for _, nn := range proposal.NewNodes {
			nodeId, err := e.graphRepo.InsertNodeWithMetadata(dbc, userId, graph.NewNode{
				Type:        models.NodeType(nn.Type),
				Label:       nn.Label,
				Description: nn.Description,
			})
			if err != nil {
				e.log.Warn("Apply: skipping newNode insert failure", "temp_id", nn.TempId, "error", err)
				continue
			}
			if err := mapper.Bind(nn.TempId, nodeId); err != nil {
				e.log.Warn("Apply: mapper bind failed for newNode", "temp_id", nn.TempId, "error", err)
				continue
			}
			result.CreatedNodeIds = append(result.CreatedNodeIds, nodeId)
			createdNodeTemps = append(createdNodeTemps, nn)
		}

		for _, m := range proposal.Merges {
			keepId, ok1 := mapper.Resolve(m.Keep)
			removeId, ok2 := mapper.Resolve(m.Remove)
			if !ok1 || !ok2 {
				e.log.Warn("Apply: merge references unknown tempId, skipping", "keep", m.Keep, "remove", m.Remove)
				continue
			}
			if err := e.graphRepo.RewireEdges(dbc, removeId, keepId); err != nil {
				return err
			}
			if err := e.graphRepo.RewireSourceLinks(dbc, removeId, keepId); err != nil {
				return err
			}
			if removeMeta, err := e.graphRepo.GetNodeMetadata(dbc, removeId); err == nil && removeMeta != nil && removeMeta.Label != "" {
				if err := e.graphRepo.EnsureAlias(dbc, userId, removeMeta.Label, keepId); err != nil {
					e.log.Warn("Apply: alias insert failed for merged node", "label", removeMeta.Label, "error", err)
				}
			}
			if err := e.graphRepo.DeleteNodeCascade(dbc, removeId); err != nil {
				return err
			}
			result.MergedKeepIds = append(result.MergedKeepIds, keepId)
		}

		var toInsert []graph.NewEdge
		for _, add := range proposal.Additions {
			srcTemp := resolveRemap(add.Source)
			tgtTemp := resolveRemap(add.Target)
			if srcTemp == tgtTemp {
				continue // would become a self-edge after merge remapping
			}
			srcId, ok1 := mapper.Resolve(srcTemp)
			tgtId, ok2 := mapper.Resolve(tgtTemp)
			if !ok1 || !ok2 {
				e.log.Warn("Apply: addition references unknown tempId, skipping", "source", add.Source, "target", add.Target)
				continue
			}
			toInsert = append(toInsert, graph.NewEdge{
				SourceNodeId: srcId, TargetNodeId: tgtId,
				EdgeType: models.EdgeType(add.Type), Description: add.Description,
			})
		}
		if len(toInsert) > 0 {
			inserted, err := e.graphRepo.InsertEdges(dbc, userId, toInsert)
			if err != nil {
				return err
			}
			insertedEdges = inserted
			for _, ie := range inserted {
				result.AddedEndpoints = append(result.AddedEndpoints, ie.SourceNodeId, ie.TargetNodeId)
			}
		}

		for _, d := range proposal.Deletes {
			tempId := resolveRemap(d.TempId)
			if keepSet[tempId] {
				continue // this tempId survived as a merge's keep side
			}
			nodeId, ok := mapper.Resolve(tempId)
			if !ok {
				e.log.Warn("Apply: delete references unknown tempId, skipping", "temp_id", d.TempId)
				continue
			}
			if err := e.graphRepo.DeleteNodeCascade(dbc, nodeId); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.backfillEmbeddings(ctx, createdNodeTemps, result.CreatedNodeIds, insertedEdges)
	return result, nil
}

func (e *Engine) backfillEmbeddings(ctx context.Context, createdNodes []NewNode, createdIds []typeid.TypeId, insertedEdges []*models.Edge) {
	const modelName = "jina-embeddings-v3"
	g, gctx := workgroup.New(ctx, 8)

	for i := range createdNodes {
		nn := createdNodes[i]
		nodeId := createdIds[i]
		if nn.Label == "" {
			continue
		}
		g.Go(func() error {
			vecs, err := e.embedder.Embed(gctx, []string{nn.Label + ": " + nn.Description}, embedder.InputPassage)
			if err != nil || len(vecs) == 0 {
				e.log.Warn("Apply: node embedding failed", "node_id", nodeId.String(), "error", err)
				return nil
			}
			if err := e.graphRepo.InsertNodeEmbedding(dbctx.Context{Ctx: gctx}, nodeId, vecs[0], modelName); err != nil {
				e.log.Warn("Apply: node embedding insert failed", "node_id", nodeId.String(), "error", err)
			}
			return nil
		})
	}
	for _, edge := range insertedEdges {
		edge := edge
		if edge.Description == "" {
			continue
		}
		g.Go(func() error {
			vecs, err := e.embedder.Embed(gctx, []string{string(edge.EdgeType) + ": " + edge.Description}, embedder.InputPassage)
			if err != nil || len(vecs) == 0 {
				e.log.Warn("Apply: edge embedding failed", "edge_id", edge.Id.String(), "error", err)
				return nil
			}
			if err := e.graphRepo.InsertEdgeEmbedding(dbctx.Context{Ctx: gctx}, edge.Id, vecs[0], modelName); err != nil {
				e.log.Warn("Apply: edge embedding insert failed", "edge_id", edge.Id.String(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait() // embedding failures are already logged per-item and never fatal to Apply
}
