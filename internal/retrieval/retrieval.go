// Package retrieval implements hybrid semantic search over the graph: vector
// search on nodes and edges, one-hop expansion, and cross-encoder reranking.
// Built around the same score-map/top-K expansion style used for chunk
// retrieval, generalized to pgvector cosine similarity and fanned out with
// a bounded errgroup.
//
// Policy for nodes carrying multiple embeddings: this package
// always queries the single most recent embedding row per node, whichever
// model wrote it; results with equal similarity are ordered by nodeId. See
// FindSimilarNodesByVector.
package retrieval

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/brightloom-ai/episodic/internal/clients/embedder"
	"github.com/brightloom-ai/episodic/internal/data/models"
	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
	"github.com/brightloom-ai/episodic/internal/platform/workgroup"
)

const (
	DefaultMinSimUser          = 0.40
	DefaultMinSimDeepResearch  = 0.35
	DefaultMinSimCleanup       = 0.50
	DefaultMinSimExtraction    = 0.30
	oneHopCap                  = 50
)

type SimilarNode struct {
	NodeId      typeid.TypeId
	Type        models.NodeType
	Label       string
	Description string
	CreatedAt   time.Time
	Similarity  float64
}

type EdgeEndpoint struct {
	NodeId typeid.TypeId
	Label  string
}

type SimilarEdge struct {
	EdgeId      typeid.TypeId
	SourceId    typeid.TypeId
	TargetId    typeid.TypeId
	SourceLabel string
	TargetLabel string
	Type        models.EdgeType
	Description string
	Similarity  float64
	CreatedAt   time.Time
}

type NeighborEdge struct {
	SourceId    typeid.TypeId
	TargetId    typeid.TypeId
	Type        models.EdgeType
	SourceLabel string
	TargetLabel string
}

type OneHopNode struct {
	NodeId      typeid.TypeId
	Type        models.NodeType
	Label       string
	Description string
	CreatedAt   time.Time
	Edge        NeighborEdge
}

// Kind tags a Ranked result's payload variant.
type Kind string

const (
	KindNode       Kind = "node"
	KindEdge       Kind = "edge"
	KindConnection Kind = "connection"
)

// Ranked is the tagged-union reranked result element: Kind says which
// concrete type Payload holds, so a caller can switch on Kind without a
// grouped-by-type map.
type Ranked struct {
	Kind    Kind
	Payload any
	Score   float64
}

// ExternalDoc is a pre-formatted candidate folded into a hybrid search's
// rerank pass alongside the live ANN results, instead of being appended
// after scoring. Used by the deep-research cache's merge-on-read path, where
// Id disambiguates a cached item from a live one carrying the same entity.
type ExternalDoc struct {
	Kind    Kind
	Id      string
	Text    string
	Payload any
}

type Engine interface {
	FindSimilarNodes(ctx context.Context, userId typeid.TypeId, text string, limit int, minSim float64, excludeTypes []models.NodeType) ([]SimilarNode, error)
	FindSimilarNodesByVector(ctx context.Context, userId typeid.TypeId, vector []float32, limit int, minSim float64, excludeTypes []models.NodeType) ([]SimilarNode, error)
	FindSimilarEdges(ctx context.Context, userId typeid.TypeId, text string, limit int, minSim float64) ([]SimilarEdge, error)
	FindOneHopNodes(ctx context.Context, userId typeid.TypeId, seedIds []typeid.TypeId) ([]OneHopNode, error)
	FindDayNode(ctx context.Context, userId typeid.TypeId, date string) (typeid.TypeId, bool, error)

	// HybridSearch implements the chat tool's hybrid search contract: one
	// query embedding, parallel node+edge ANN at minSim, one-hop expansion
	// over the union of endpoints, then a reranked, capped, tagged-union
	// result. Callers pass DefaultMinSimUser for ordinary queries and
	// DefaultMinSimDeepResearch for the deep-research loop.
	HybridSearch(ctx context.Context, userId typeid.TypeId, query string, limit int, minSim float64) ([]Ranked, error)

	// HybridSearchWithCache runs the same contract as HybridSearch, but folds
	// extra pre-formatted documents into the rerank pass before scoring —
	// the "search requests carrying a conversationId" merge-on-read rule,
	// where extra holds that conversation's cached deep-research items. An
	// extra item already present among the live results (same Kind+Id) is
	// dropped rather than reranked twice.
	HybridSearchWithCache(ctx context.Context, userId typeid.TypeId, query string, limit int, minSim float64, extra []ExternalDoc) ([]Ranked, error)
}

type engine struct {
	db       *gorm.DB
	embedder embedder.Client
	log      *logger.Logger
}

func New(db *gorm.DB, emb embedder.Client, baseLog *logger.Logger) Engine {
	return &engine{db: db, embedder: emb, log: baseLog.With("component", "RetrievalEngine")}
}

func (e *engine) embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embedder.Embed(ctx, []string{text}, embedder.InputQuery)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, apperr.TransientBackend("retrieval.embed", fmt.Errorf("embedder returned no vectors"))
	}
	return vecs[0], nil
}

func (e *engine) FindSimilarNodes(ctx context.Context, userId typeid.TypeId, text string, limit int, minSim float64, excludeTypes []models.NodeType) ([]SimilarNode, error) {
	vec, err := e.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return e.FindSimilarNodesByVector(ctx, userId, vec, limit, minSim, excludeTypes)
}

// FindSimilarNodesByVector runs the ANN query directly on a caller-supplied
// embedding, used by callers (deep-research, cleanup) that already hold a
// query vector and want to avoid a redundant embed call.
func (e *engine) FindSimilarNodesByVector(ctx context.Context, userId typeid.TypeId, vector []float32, limit int, minSim float64, excludeTypes []models.NodeType) ([]SimilarNode, error) {
	if limit <= 0 {
		limit = 20
	}
	queryVec := toVectorLiteral(vector)

	type row struct {
		NodeId      typeid.TypeId
		NodeType    models.NodeType
		Label       string
		Description string
		CreatedAt   time.Time
		Similarity  float64
	}
	var rows []row

	// Most-recent-embedding-per-node policy: DISTINCT ON (node_id) ordered by
	// created_at desc picks the newest row per node before similarity ranks them.
	q := e.db.WithContext(ctx).Raw(`
		SELECT n.id AS node_id, n.node_type, nm.label, nm.description, n.created_at,
		       1 - (latest.vector <=> ?) AS similarity
		FROM (
		    SELECT DISTINCT ON (node_id) node_id, vector
		    FROM node_embeddings
		    ORDER BY node_id, created_at DESC
		) AS latest
		JOIN nodes n ON n.id = latest.node_id
		JOIN node_metadata nm ON nm.node_id = n.id
		WHERE n.user_id = ?
		  AND (? OR n.node_type NOT IN ?)
		  AND 1 - (latest.vector <=> ?) >= ?
		ORDER BY similarity DESC, n.id ASC
		LIMIT ?`,
		queryVec, userId, len(excludeTypes) == 0, excludeTypes, queryVec, minSim, limit)

	if err := q.Scan(&rows).Error; err != nil {
		return nil, apperr.TransientBackend("retrieval.FindSimilarNodes", err)
	}

	out := make([]SimilarNode, 0, len(rows))
	for _, r := range rows {
		out = append(out, SimilarNode{
			NodeId: r.NodeId, Type: r.NodeType, Label: r.Label, Description: r.Description,
			CreatedAt: r.CreatedAt, Similarity: r.Similarity,
		})
	}
	return out, nil
}

func (e *engine) FindSimilarEdges(ctx context.Context, userId typeid.TypeId, text string, limit int, minSim float64) ([]SimilarEdge, error) {
	vec, err := e.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	queryVec := toVectorLiteral(vec)

	type row struct {
		EdgeId      typeid.TypeId
		SourceId    typeid.TypeId
		TargetId    typeid.TypeId
		SourceLabel string
		TargetLabel string
		EdgeType    models.EdgeType
		Description string
		Similarity  float64
		CreatedAt   time.Time
	}
	var rows []row
	q := e.db.WithContext(ctx).Raw(`
		SELECT e.id AS edge_id, e.source_node_id AS source_id, e.target_node_id AS target_id,
		       srcmeta.label AS source_label, tgtmeta.label AS target_label,
		       e.edge_type, e.description, e.created_at,
		       1 - (latest.vector <=> ?) AS similarity
		FROM (
		    SELECT DISTINCT ON (edge_id) edge_id, vector
		    FROM edge_embeddings
		    ORDER BY edge_id, created_at DESC
		) AS latest
		JOIN edges e ON e.id = latest.edge_id
		JOIN node_metadata srcmeta ON srcmeta.node_id = e.source_node_id
		JOIN node_metadata tgtmeta ON tgtmeta.node_id = e.target_node_id
		WHERE e.user_id = ?
		  AND 1 - (latest.vector <=> ?) >= ?
		ORDER BY similarity DESC, e.id ASC
		LIMIT ?`,
		queryVec, userId, queryVec, minSim, limit)

	if err := q.Scan(&rows).Error; err != nil {
		return nil, apperr.TransientBackend("retrieval.FindSimilarEdges", err)
	}

	out := make([]SimilarEdge, 0, len(rows))
	for _, r := range rows {
		out = append(out, SimilarEdge{
			EdgeId: r.EdgeId, SourceId: r.SourceId, TargetId: r.TargetId,
			SourceLabel: r.SourceLabel, TargetLabel: r.TargetLabel,
			Type: r.EdgeType, Description: r.Description, Similarity: r.Similarity, CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// FindOneHopNodes returns neighbors of seedIds that are not themselves in
// seedIds, deduplicated on nodeId, capped at oneHopCap, preferring labeled
// nodes (nulls/empty labels sort last).
func (e *engine) FindOneHopNodes(ctx context.Context, userId typeid.TypeId, seedIds []typeid.TypeId) ([]OneHopNode, error) {
	if len(seedIds) == 0 {
		return nil, nil
	}

	type row struct {
		NodeId      typeid.TypeId
		NodeType    models.NodeType
		Label       string
		Description string
		CreatedAt   time.Time
		EdgeSrc     typeid.TypeId
		EdgeTgt     typeid.TypeId
		EdgeType    models.EdgeType
		SrcLabel    string
		TgtLabel    string
	}
	var rows []row
	q := e.db.WithContext(ctx).Raw(`
		SELECT n.id AS node_id, n.node_type, nm.label, nm.description, n.created_at,
		       e.source_node_id AS edge_src, e.target_node_id AS edge_tgt, e.edge_type,
		       srcmeta.label AS src_label, tgtmeta.label AS tgt_label
		FROM edges e
		JOIN node_metadata srcmeta ON srcmeta.node_id = e.source_node_id
		JOIN node_metadata tgtmeta ON tgtmeta.node_id = e.target_node_id
		JOIN nodes n ON n.id = CASE WHEN e.source_node_id IN ? THEN e.target_node_id ELSE e.source_node_id END
		JOIN node_metadata nm ON nm.node_id = n.id
		WHERE e.user_id = ?
		  AND (e.source_node_id IN ? OR e.target_node_id IN ?)
		  AND n.id NOT IN ?
		ORDER BY (nm.label = '') ASC, n.id ASC
		LIMIT ?`,
		seedIds, userId, seedIds, seedIds, seedIds, oneHopCap*4)

	if err := q.Scan(&rows).Error; err != nil {
		return nil, apperr.TransientBackend("retrieval.FindOneHopNodes", err)
	}

	seen := map[typeid.TypeId]bool{}
	out := make([]OneHopNode, 0, oneHopCap)
	for _, r := range rows {
		if seen[r.NodeId] || len(out) >= oneHopCap {
			continue
		}
		seen[r.NodeId] = true
		out = append(out, OneHopNode{
			NodeId: r.NodeId, Type: r.NodeType, Label: r.Label, Description: r.Description, CreatedAt: r.CreatedAt,
			Edge: NeighborEdge{SourceId: r.EdgeSrc, TargetId: r.EdgeTgt, Type: r.EdgeType, SourceLabel: r.SrcLabel, TargetLabel: r.TgtLabel},
		})
	}
	return out, nil
}

func (e *engine) FindDayNode(ctx context.Context, userId typeid.TypeId, date string) (typeid.TypeId, bool, error) {
	var row struct{ NodeId typeid.TypeId }
	err := e.db.WithContext(ctx).Table("nodes").
		Select("nodes.id as node_id").
		Joins("JOIN node_metadata ON node_metadata.node_id = nodes.id").
		Where("nodes.user_id = ? AND nodes.node_type = ? AND node_metadata.label = ?", userId, models.NodeTypeTemporal, date).
		Limit(1).
		Scan(&row).Error
	if err != nil {
		return typeid.TypeId{}, false, apperr.TransientBackend("retrieval.FindDayNode", err)
	}
	if row.NodeId.IsZero() {
		return typeid.TypeId{}, false, nil
	}
	return row.NodeId, true, nil
}

func (e *engine) HybridSearch(ctx context.Context, userId typeid.TypeId, query string, limit int, minSim float64) ([]Ranked, error) {
	return e.search(ctx, userId, query, limit, minSim, nil)
}

func (e *engine) HybridSearchWithCache(ctx context.Context, userId typeid.TypeId, query string, limit int, minSim float64, extra []ExternalDoc) ([]Ranked, error) {
	return e.search(ctx, userId, query, limit, minSim, extra)
}

// search fans out the node and edge ANN searches at minSim, unions endpoints
// for one-hop expansion, folds in any extra documents not already present
// among the live results, then reranks everything together.
func (e *engine) search(ctx context.Context, userId typeid.TypeId, query string, limit int, minSim float64, extra []ExternalDoc) ([]Ranked, error) {
	vec, err := e.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	var nodes []SimilarNode
	var edges []SimilarEdge

	g, gctx := workgroup.New(ctx, 2)
	g.Go(func() error {
		n, err := e.FindSimilarNodesByVector(gctx, userId, vec, limit, minSim, nil)
		if err != nil {
			return err
		}
		nodes = n
		return nil
	})
	g.Go(func() error {
		ed, err := e.findSimilarEdgesByVector(gctx, userId, vec, limit, minSim)
		if err != nil {
			return err
		}
		edges = ed
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seedSet := map[typeid.TypeId]bool{}
	for _, n := range nodes {
		seedSet[n.NodeId] = true
	}
	for _, ed := range edges {
		seedSet[ed.SourceId] = true
		seedSet[ed.TargetId] = true
	}
	seedIds := make([]typeid.TypeId, 0, len(seedSet))
	for id := range seedSet {
		seedIds = append(seedIds, id)
	}

	connections, err := e.FindOneHopNodes(ctx, userId, seedIds)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(nodes)+len(edges)+len(connections))
	for _, n := range nodes {
		present["node:"+n.NodeId.String()] = true
	}
	for _, ed := range edges {
		present["edge:"+ed.EdgeId.String()] = true
	}
	for _, c := range connections {
		present["connection:"+c.NodeId.String()] = true
	}
	filteredExtra := make([]ExternalDoc, 0, len(extra))
	for _, x := range extra {
		if present[string(x.Kind)+":"+x.Id] {
			continue
		}
		filteredExtra = append(filteredExtra, x)
	}

	return rerank(ctx, e.embedder, query, nodes, edges, connections, filteredExtra, limit)
}

func (e *engine) findSimilarEdgesByVector(ctx context.Context, userId typeid.TypeId, vec []float32, limit int, minSim float64) ([]SimilarEdge, error) {
	queryVec := toVectorLiteral(vec)
	type row struct {
		EdgeId      typeid.TypeId
		SourceId    typeid.TypeId
		TargetId    typeid.TypeId
		SourceLabel string
		TargetLabel string
		EdgeType    models.EdgeType
		Description string
		Similarity  float64
		CreatedAt   time.Time
	}
	var rows []row
	q := e.db.WithContext(ctx).Raw(`
		SELECT e.id AS edge_id, e.source_node_id AS source_id, e.target_node_id AS target_id,
		       srcmeta.label AS source_label, tgtmeta.label AS target_label,
		       e.edge_type, e.description, e.created_at,
		       1 - (latest.vector <=> ?) AS similarity
		FROM (
		    SELECT DISTINCT ON (edge_id) edge_id, vector
		    FROM edge_embeddings
		    ORDER BY edge_id, created_at DESC
		) AS latest
		JOIN edges e ON e.id = latest.edge_id
		JOIN node_metadata srcmeta ON srcmeta.node_id = e.source_node_id
		JOIN node_metadata tgtmeta ON tgtmeta.node_id = e.target_node_id
		WHERE e.user_id = ?
		  AND 1 - (latest.vector <=> ?) >= ?
		ORDER BY similarity DESC, e.id ASC
		LIMIT ?`,
		queryVec, userId, queryVec, minSim, limit)
	if err := q.Scan(&rows).Error; err != nil {
		return nil, apperr.TransientBackend("retrieval.findSimilarEdgesByVector", err)
	}
	out := make([]SimilarEdge, 0, len(rows))
	for _, r := range rows {
		out = append(out, SimilarEdge{
			EdgeId: r.EdgeId, SourceId: r.SourceId, TargetId: r.TargetId,
			SourceLabel: r.SourceLabel, TargetLabel: r.TargetLabel,
			Type: r.EdgeType, Description: r.Description, Similarity: r.Similarity, CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}
