// Package graph is the typed CRUD and query surface over the store's graph
// tables: one interface, one gorm-backed struct, dbctx.Context{Ctx,Tx}
// threading so callers can opt a method into an ambient transaction or let
// it run standalone.
package graph

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/brightloom-ai/episodic/internal/data/models"
	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
	"github.com/brightloom-ai/episodic/internal/pkg/dbctx"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
)

// NewNode is the write-shape for InsertNodeWithMetadata: a node plus its
// 1:1 metadata row, inserted together.
type NewNode struct {
	Type           models.NodeType
	Label          string
	Description    string
	AdditionalData []byte
}

// NewEdge is the write-shape for InsertEdges.
type NewEdge struct {
	SourceNodeId typeid.TypeId
	TargetNodeId typeid.TypeId
	EdgeType     models.EdgeType
	Description  string
	Metadata     []byte
}

// SourceInput is the write-shape for InsertSources/UpsertSource.
type SourceInput struct {
	Type           models.SourceType
	ExternalId     string
	ParentSourceId *typeid.TypeId
	Status         models.SourceStatus
	Metadata       []byte
	ContentType    string
	ContentLength  int64
}

const atlasLabel = "Atlas"

type Repo interface {
	EnsureUser(dbc dbctx.Context, userId typeid.TypeId) error

	EnsureAtlasNode(dbc dbctx.Context, userId typeid.TypeId) (typeid.TypeId, error)
	EnsureAssistantAtlasNode(dbc dbctx.Context, userId typeid.TypeId, assistantId string) (atlasNodeId typeid.TypeId, assistantPersonId typeid.TypeId, err error)
	EnsureDayNode(dbc dbctx.Context, userId typeid.TypeId, date time.Time) (typeid.TypeId, error)

	UpsertSource(dbc dbctx.Context, userId typeid.TypeId, in SourceInput) (*models.Source, error)
	InsertSources(dbc dbctx.Context, userId typeid.TypeId, in []SourceInput) ([]*models.Source, error)
	GetSource(dbc dbctx.Context, userId typeid.TypeId, sourceType models.SourceType, externalId string) (*models.Source, error)
	SetSourceStatus(dbc dbctx.Context, sourceId typeid.TypeId, expected, next models.SourceStatus) (bool, error)
	ChildSources(dbc dbctx.Context, parentSourceId typeid.TypeId, sourceType models.SourceType) ([]*models.Source, error)
	ListSourcesByStatusNot(dbc dbctx.Context, userId typeid.TypeId, sourceType models.SourceType, excludeStatus models.SourceStatus) ([]*models.Source, error)
	GetSourceLinkedNode(dbc dbctx.Context, sourceId typeid.TypeId) (typeid.TypeId, bool, error)

	EnsureSourceNode(dbc dbctx.Context, userId typeid.TypeId, sourceId typeid.TypeId, timestamp time.Time, nodeType models.NodeType) (typeid.TypeId, error)

	InsertNodeWithMetadata(dbc dbctx.Context, userId typeid.TypeId, n NewNode) (typeid.TypeId, error)
	GetNode(dbc dbctx.Context, nodeId typeid.TypeId) (*models.Node, error)
	GetNodeMetadata(dbc dbctx.Context, nodeId typeid.TypeId) (*models.NodeMetadata, error)
	UpdateNodeMetadata(dbc dbctx.Context, nodeId typeid.TypeId, label, description string) error

	InsertEdges(dbc dbctx.Context, userId typeid.TypeId, edges []NewEdge) ([]*models.Edge, error)

	InsertNodeEmbedding(dbc dbctx.Context, nodeId typeid.TypeId, vector []float32, modelName string) error
	InsertEdgeEmbedding(dbc dbctx.Context, edgeId typeid.TypeId, vector []float32, modelName string) error
	HasNodeEmbedding(dbc dbctx.Context, nodeId typeid.TypeId) (bool, error)

	InsertSourceLink(dbc dbctx.Context, sourceId, nodeId typeid.TypeId, specificLocation string) error

	DeleteNodeCascade(dbc dbctx.Context, nodeId typeid.TypeId) error
	RewireEdges(dbc dbctx.Context, fromNodeId, toNodeId typeid.TypeId) error
	RewireSourceLinks(dbc dbctx.Context, fromNodeId, toNodeId typeid.TypeId) error

	DeleteSourcesAndDescendants(dbc dbctx.Context, userId typeid.TypeId, sourceType models.SourceType, externalId string) ([]typeid.TypeId, error)

	// FetchTopOutDegreeNodes returns up to limit node ids for userId ordered
	// by descending outgoing-edge count among edges created since `since`,
	// used by the Cleanup Engine's entry-node selection.
	FetchTopOutDegreeNodes(dbc dbctx.Context, userId typeid.TypeId, since time.Time, limit int) ([]typeid.TypeId, error)

	// WithTransaction runs fn with a dbctx.Context bound to a single gorm
	// transaction, so a caller outside this package (the Cleanup Engine's
	// Apply step) can sequence several Repo calls atomically.
	WithTransaction(ctx context.Context, fn func(dbctx.Context) error) error

	// TruncateLongLabels clips every NodeMetadata.Label longer than maxLen for
	// userId, returning the number of rows changed.
	TruncateLongLabels(dbc dbctx.Context, userId typeid.TypeId, maxLen int) (int, error)

	// FindNodesWithoutEmbedding returns labeled nodes for userId that have no
	// NodeEmbedding row yet, for the Cleanup Engine's embedding backfill.
	FindNodesWithoutEmbedding(dbc dbctx.Context, userId typeid.TypeId, limit int) ([]NodeForEmbedding, error)

	// EnsureAlias records text as an alternate mention of canonicalNodeId,
	// idempotent on the (UserId, Text, CanonicalNodeId) triple.
	EnsureAlias(dbc dbctx.Context, userId typeid.TypeId, text string, canonicalNodeId typeid.TypeId) error

	// FindAliasesMentionedIn returns every alias row of userId whose text
	// appears literally in content, for the Extractor's context gathering.
	// Rows are not deduplicated by canonical node.
	FindAliasesMentionedIn(dbc dbctx.Context, userId typeid.TypeId, content string) ([]*models.Alias, error)

	// GetUserProfile returns the user's profile blob, ok=false if none exists.
	GetUserProfile(dbc dbctx.Context, userId typeid.TypeId) (profile *models.UserProfile, ok bool, err error)

	// UpsertUserProfile replaces the user's profile content, creating the
	// singleton row on first write.
	UpsertUserProfile(dbc dbctx.Context, userId typeid.TypeId, content string) error
}

// NodeForEmbedding is the read-shape for FindNodesWithoutEmbedding.
type NodeForEmbedding struct {
	NodeId      typeid.TypeId
	Label       string
	Description string
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "GraphRepo")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx.WithContext(dbc.Ctx)
	}
	return r.db.WithContext(dbc.Ctx)
}

func (r *repo) EnsureUser(dbc dbctx.Context, userId typeid.TypeId) error {
	if userId.IsZero() {
		return apperr.Validation("graph.EnsureUser", errors.New("userId required"))
	}
	u := &models.User{Id: userId, CreatedAt: time.Now()}
	err := r.tx(dbc).Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).Create(u).Error
	if err != nil {
		return apperr.TransientBackend("graph.EnsureUser", err)
	}
	return nil
}

// ensureSingletonNode is the shared implementation behind every Ensure* that
// looks up a node by (UserId, NodeType, Label): lookup, on miss insert, on
// race reread. Never returns two rows for the same singleton key.
func (r *repo) ensureSingletonNode(dbc dbctx.Context, userId typeid.TypeId, nodeType models.NodeType, label string) (typeid.TypeId, error) {
	existing, err := r.findSingletonNode(dbc, userId, nodeType, label)
	if err != nil {
		return typeid.TypeId{}, err
	}
	if !existing.IsZero() {
		return existing, nil
	}

	var created typeid.TypeId
	err = r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		// reread inside the transaction to close the race window between the
		// lookup above and this insert.
		reread, rerr := r.findSingletonNodeTx(txx, userId, nodeType, label)
		if rerr != nil {
			return rerr
		}
		if !reread.IsZero() {
			created = reread
			return nil
		}
		id := typeid.New(typeid.PrefixNode)
		if err := txx.Create(&models.Node{Id: id, UserId: userId, NodeType: nodeType, CreatedAt: time.Now()}).Error; err != nil {
			return err
		}
		if err := txx.Create(&models.NodeMetadata{NodeId: id, Label: label}).Error; err != nil {
			return err
		}
		created = id
		return nil
	})
	if err != nil {
		return typeid.TypeId{}, apperr.TransientBackend("graph.ensureSingletonNode", err)
	}
	return created, nil
}

func (r *repo) findSingletonNode(dbc dbctx.Context, userId typeid.TypeId, nodeType models.NodeType, label string) (typeid.TypeId, error) {
	return r.findSingletonNodeTx(r.tx(dbc), userId, nodeType, label)
}

func (r *repo) findSingletonNodeTx(txx *gorm.DB, userId typeid.TypeId, nodeType models.NodeType, label string) (typeid.TypeId, error) {
	var row struct{ NodeId typeid.TypeId }
	err := txx.Table("nodes").
		Select("nodes.id as node_id").
		Joins("JOIN node_metadata ON node_metadata.node_id = nodes.id").
		Where("nodes.user_id = ? AND nodes.node_type = ? AND node_metadata.label = ?", userId, nodeType, label).
		Order("nodes.id ASC").
		Limit(1).
		Scan(&row).Error
	if err != nil {
		return typeid.TypeId{}, err
	}
	return row.NodeId, nil
}

func (r *repo) EnsureAtlasNode(dbc dbctx.Context, userId typeid.TypeId) (typeid.TypeId, error) {
	return r.ensureSingletonNode(dbc, userId, models.NodeTypeAtlas, atlasLabel)
}

func (r *repo) EnsureAssistantAtlasNode(dbc dbctx.Context, userId typeid.TypeId, assistantId string) (typeid.TypeId, typeid.TypeId, error) {
	atlasId, err := r.ensureSingletonNode(dbc, userId, models.NodeTypeAtlas, assistantId)
	if err != nil {
		return typeid.TypeId{}, typeid.TypeId{}, err
	}
	personId, err := r.ensureSingletonNode(dbc, userId, models.NodeTypePerson, assistantId)
	if err != nil {
		return typeid.TypeId{}, typeid.TypeId{}, err
	}
	if _, err := r.InsertEdges(dbc, userId, []NewEdge{{SourceNodeId: atlasId, TargetNodeId: personId, EdgeType: models.EdgeOwnedBy}}); err != nil {
		return typeid.TypeId{}, typeid.TypeId{}, err
	}
	return atlasId, personId, nil
}

func (r *repo) EnsureDayNode(dbc dbctx.Context, userId typeid.TypeId, date time.Time) (typeid.TypeId, error) {
	label := date.UTC().Format("2006-01-02")
	return r.ensureSingletonNode(dbc, userId, models.NodeTypeTemporal, label)
}

func (r *repo) UpsertSource(dbc dbctx.Context, userId typeid.TypeId, in SourceInput) (*models.Source, error) {
	now := time.Now()
	s := &models.Source{
		Id:             typeid.New(typeid.PrefixSource),
		UserId:         userId,
		Type:           in.Type,
		ExternalId:     in.ExternalId,
		ParentSourceId: in.ParentSourceId,
		LastIngestedAt: now,
		Status:         in.Status,
		Metadata:       in.Metadata,
		ContentType:    in.ContentType,
		ContentLength:  in.ContentLength,
	}
	if s.Type == models.SourceTypeConversationMessage && (in.ParentSourceId == nil || in.ParentSourceId.IsZero()) {
		return nil, apperr.Validation("graph.UpsertSource", errors.New("conversation_message requires ParentSourceId"))
	}

	err := r.tx(dbc).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "type"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_ingested_at", "status", "metadata", "content_type", "content_length"}),
	}).Create(s).Error
	if err != nil {
		return nil, apperr.TransientBackend("graph.UpsertSource", err)
	}

	return r.GetSource(dbc, userId, in.Type, in.ExternalId)
}

func (r *repo) InsertSources(dbc dbctx.Context, userId typeid.TypeId, in []SourceInput) ([]*models.Source, error) {
	out := make([]*models.Source, 0, len(in))
	for _, s := range in {
		created, err := r.UpsertSource(dbc, userId, s)
		if err != nil {
			r.log.Warn("InsertSources: skipping one source", "external_id", s.ExternalId, "error", err)
			continue
		}
		out = append(out, created)
	}
	return out, nil
}

func (r *repo) GetSource(dbc dbctx.Context, userId typeid.TypeId, sourceType models.SourceType, externalId string) (*models.Source, error) {
	var s models.Source
	err := r.tx(dbc).Where("user_id = ? AND type = ? AND external_id = ?", userId, sourceType, externalId).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.TransientBackend("graph.GetSource", err)
	}
	return &s, nil
}

// SetSourceStatus performs a compare-and-swap status transition: the row
// changes only if its current status matches expected, closing the race
// between two workers claiming the same source.
func (r *repo) SetSourceStatus(dbc dbctx.Context, sourceId typeid.TypeId, expected, next models.SourceStatus) (bool, error) {
	res := r.tx(dbc).Model(&models.Source{}).
		Where("id = ? AND status = ?", sourceId, expected).
		Updates(map[string]interface{}{"status": next, "last_ingested_at": time.Now()})
	if res.Error != nil {
		return false, apperr.TransientBackend("graph.SetSourceStatus", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ChildSources(dbc dbctx.Context, parentSourceId typeid.TypeId, sourceType models.SourceType) ([]*models.Source, error) {
	var out []*models.Source
	err := r.tx(dbc).Where("parent_source_id = ? AND type = ?", parentSourceId, sourceType).Order("last_ingested_at ASC").Find(&out).Error
	if err != nil {
		return nil, apperr.TransientBackend("graph.ChildSources", err)
	}
	return out, nil
}

func (r *repo) ListSourcesByStatusNot(dbc dbctx.Context, userId typeid.TypeId, sourceType models.SourceType, excludeStatus models.SourceStatus) ([]*models.Source, error) {
	var out []*models.Source
	err := r.tx(dbc).Where("user_id = ? AND type = ? AND status <> ?", userId, sourceType, excludeStatus).
		Order("last_ingested_at ASC").Find(&out).Error
	if err != nil {
		return nil, apperr.TransientBackend("graph.ListSourcesByStatusNot", err)
	}
	return out, nil
}

func (r *repo) GetSourceLinkedNode(dbc dbctx.Context, sourceId typeid.TypeId) (typeid.TypeId, bool, error) {
	var link models.SourceLink
	err := r.tx(dbc).Where("source_id = ?", sourceId).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return typeid.TypeId{}, false, nil
	}
	if err != nil {
		return typeid.TypeId{}, false, apperr.TransientBackend("graph.GetSourceLinkedNode", err)
	}
	return link.NodeId, true, nil
}

// EnsureSourceNode creates the node that represents a Source itself (a
// conversation or document), links it to that Source, and wires it to the
// day node for its timestamp via an OCCURRED_ON edge.
func (r *repo) EnsureSourceNode(dbc dbctx.Context, userId typeid.TypeId, sourceId typeid.TypeId, timestamp time.Time, nodeType models.NodeType) (typeid.TypeId, error) {
	var nodeId typeid.TypeId
	err := r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		var existing models.SourceLink
		lookupErr := txx.Where("source_id = ?", sourceId).First(&existing).Error
		if lookupErr == nil {
			nodeId = existing.NodeId
			return nil
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return lookupErr
		}

		id := typeid.New(typeid.PrefixNode)
		if err := txx.Create(&models.Node{Id: id, UserId: userId, NodeType: nodeType, CreatedAt: time.Now()}).Error; err != nil {
			return err
		}
		if err := txx.Create(&models.NodeMetadata{NodeId: id}).Error; err != nil {
			return err
		}
		if err := txx.Create(&models.SourceLink{Id: typeid.New(typeid.PrefixSourceLink), SourceId: sourceId, NodeId: id}).Error; err != nil {
			return err
		}
		nodeId = id
		return nil
	})
	if err != nil {
		return typeid.TypeId{}, apperr.TransientBackend("graph.EnsureSourceNode", err)
	}

	dayNodeId, err := r.EnsureDayNode(dbc, userId, timestamp)
	if err != nil {
		return typeid.TypeId{}, err
	}
	if _, err := r.InsertEdges(dbc, userId, []NewEdge{{SourceNodeId: nodeId, TargetNodeId: dayNodeId, EdgeType: models.EdgeOccurredOn}}); err != nil {
		return typeid.TypeId{}, err
	}
	return nodeId, nil
}

func (r *repo) InsertNodeWithMetadata(dbc dbctx.Context, userId typeid.TypeId, n NewNode) (typeid.TypeId, error) {
	id := typeid.New(typeid.PrefixNode)
	err := r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		if err := txx.Create(&models.Node{Id: id, UserId: userId, NodeType: n.Type, CreatedAt: time.Now()}).Error; err != nil {
			return err
		}
		return txx.Create(&models.NodeMetadata{
			NodeId:         id,
			Label:          n.Label,
			Description:    n.Description,
			AdditionalData: n.AdditionalData,
		}).Error
	})
	if err != nil {
		return typeid.TypeId{}, apperr.TransientBackend("graph.InsertNodeWithMetadata", err)
	}
	return id, nil
}

func (r *repo) GetNode(dbc dbctx.Context, nodeId typeid.TypeId) (*models.Node, error) {
	var n models.Node
	err := r.tx(dbc).Where("id = ?", nodeId).First(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.TransientBackend("graph.GetNode", err)
	}
	return &n, nil
}

func (r *repo) GetNodeMetadata(dbc dbctx.Context, nodeId typeid.TypeId) (*models.NodeMetadata, error) {
	var m models.NodeMetadata
	err := r.tx(dbc).Where("node_id = ?", nodeId).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.TransientBackend("graph.GetNodeMetadata", err)
	}
	return &m, nil
}

func (r *repo) UpdateNodeMetadata(dbc dbctx.Context, nodeId typeid.TypeId, label, description string) error {
	err := r.tx(dbc).Model(&models.NodeMetadata{}).Where("node_id = ?", nodeId).
		Updates(map[string]interface{}{"label": label, "description": description}).Error
	if err != nil {
		return apperr.TransientBackend("graph.UpdateNodeMetadata", err)
	}
	return nil
}

// InsertEdges bulk-inserts, skipping conflicts on (src,tgt,type) silently and
// rejecting self-edges before they reach the database. Only rows actually
// written are returned, matching the edge-insertion contract.
func (r *repo) InsertEdges(dbc dbctx.Context, userId typeid.TypeId, edges []NewEdge) ([]*models.Edge, error) {
	if len(edges) == 0 {
		return nil, nil
	}
	rows := make([]*models.Edge, 0, len(edges))
	for _, e := range edges {
		if e.SourceNodeId == e.TargetNodeId {
			r.log.Warn("InsertEdges: dropping self-edge", "node_id", e.SourceNodeId.String())
			continue
		}
		rows = append(rows, &models.Edge{
			Id:           typeid.New(typeid.PrefixEdge),
			UserId:       userId,
			SourceNodeId: e.SourceNodeId,
			TargetNodeId: e.TargetNodeId,
			EdgeType:     e.EdgeType,
			Description:  e.Description,
			Metadata:     e.Metadata,
			CreatedAt:    time.Now(),
		})
	}
	if len(rows) == 0 {
		return nil, nil
	}

	// gorm's OnConflict+DoNothing doesn't report which rows landed, so we
	// mark each with a distinct id up front and requery by those ids.
	ids := make([]typeid.TypeId, len(rows))
	for i, e := range rows {
		ids[i] = e.Id
	}
	err := r.tx(dbc).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_node_id"}, {Name: "target_node_id"}, {Name: "edge_type"}},
		DoNothing: true,
	}).Create(&rows).Error
	if err != nil {
		return nil, apperr.TransientBackend("graph.InsertEdges", err)
	}

	var inserted []*models.Edge
	if err := r.tx(dbc).Where("id IN ?", ids).Find(&inserted).Error; err != nil {
		return nil, apperr.TransientBackend("graph.InsertEdges", err)
	}
	return inserted, nil
}

func (r *repo) InsertNodeEmbedding(dbc dbctx.Context, nodeId typeid.TypeId, vector []float32, modelName string) error {
	emb := &models.NodeEmbedding{
		Id:        typeid.New(typeid.PrefixNodeEmbedding),
		NodeId:    nodeId,
		Vector:    toVector(vector),
		ModelName: modelName,
		CreatedAt: time.Now(),
	}
	if err := r.tx(dbc).Create(emb).Error; err != nil {
		return apperr.TransientBackend("graph.InsertNodeEmbedding", err)
	}
	return nil
}

func (r *repo) InsertEdgeEmbedding(dbc dbctx.Context, edgeId typeid.TypeId, vector []float32, modelName string) error {
	emb := &models.EdgeEmbedding{
		Id:        typeid.New(typeid.PrefixEdgeEmbedding),
		EdgeId:    edgeId,
		Vector:    toVector(vector),
		ModelName: modelName,
		CreatedAt: time.Now(),
	}
	if err := r.tx(dbc).Create(emb).Error; err != nil {
		return apperr.TransientBackend("graph.InsertEdgeEmbedding", err)
	}
	return nil
}

func (r *repo) HasNodeEmbedding(dbc dbctx.Context, nodeId typeid.TypeId) (bool, error) {
	var count int64
	if err := r.tx(dbc).Model(&models.NodeEmbedding{}).Where("node_id = ?", nodeId).Count(&count).Error; err != nil {
		return false, apperr.TransientBackend("graph.HasNodeEmbedding", err)
	}
	return count > 0, nil
}

func (r *repo) InsertSourceLink(dbc dbctx.Context, sourceId, nodeId typeid.TypeId, specificLocation string) error {
	link := &models.SourceLink{
		Id:               typeid.New(typeid.PrefixSourceLink),
		SourceId:         sourceId,
		NodeId:           nodeId,
		SpecificLocation: specificLocation,
	}
	err := r.tx(dbc).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_id"}, {Name: "node_id"}},
		DoNothing: true,
	}).Create(link).Error
	if err != nil {
		return apperr.TransientBackend("graph.InsertSourceLink", err)
	}
	return nil
}

// DeleteNodeCascade removes a node and everything exclusively owned by it:
// metadata, embeddings, and source-links, plus every edge incident to the
// node. Callers that want to keep those edges (a cleanup merge) must call
// RewireEdges first.
func (r *repo) DeleteNodeCascade(dbc dbctx.Context, nodeId typeid.TypeId) error {
	err := r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		if err := txx.Where("node_id = ?", nodeId).Delete(&models.NodeEmbedding{}).Error; err != nil {
			return err
		}
		if err := txx.Where("node_id = ?", nodeId).Delete(&models.SourceLink{}).Error; err != nil {
			return err
		}
		if err := txx.Where("source_node_id = ? OR target_node_id = ?", nodeId, nodeId).Delete(&models.Edge{}).Error; err != nil {
			return err
		}
		if err := txx.Where("node_id = ?", nodeId).Delete(&models.NodeMetadata{}).Error; err != nil {
			return err
		}
		return txx.Where("id = ?", nodeId).Delete(&models.Node{}).Error
	})
	if err != nil {
		return apperr.TransientBackend("graph.DeleteNodeCascade", err)
	}
	return nil
}

// RewireEdges redirects every edge incident to fromNodeId onto toNodeId,
// preserving edge-type uniqueness: rewritten rows that would collide with an
// existing (toNodeId, other, type) triple are inserted with on-conflict-skip
// then the stale fromNodeId row is removed, so a duplicate never survives.
func (r *repo) RewireEdges(dbc dbctx.Context, fromNodeId, toNodeId typeid.TypeId) error {
	err := r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		var outgoing []models.Edge
		if err := txx.Where("source_node_id = ?", fromNodeId).Find(&outgoing).Error; err != nil {
			return err
		}
		for _, e := range outgoing {
			if err := rewireOne(txx, e, toNodeId, e.TargetNodeId, true); err != nil {
				return err
			}
		}

		var incoming []models.Edge
		if err := txx.Where("target_node_id = ?", fromNodeId).Find(&incoming).Error; err != nil {
			return err
		}
		for _, e := range incoming {
			if err := rewireOne(txx, e, e.SourceNodeId, toNodeId, false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperr.TransientBackend("graph.RewireEdges", err)
	}
	return nil
}

func rewireOne(txx *gorm.DB, e models.Edge, newSrc, newTgt typeid.TypeId, wasOutgoing bool) error {
	if newSrc == newTgt {
		// rewiring would produce a self-edge; drop it instead.
		return txx.Delete(&models.Edge{}, "id = ?", e.Id).Error
	}
	replacement := models.Edge{
		Id:           typeid.New(typeid.PrefixEdge),
		UserId:       e.UserId,
		SourceNodeId: newSrc,
		TargetNodeId: newTgt,
		EdgeType:     e.EdgeType,
		Description:  e.Description,
		Metadata:     e.Metadata,
		CreatedAt:    e.CreatedAt,
	}
	if err := txx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_node_id"}, {Name: "target_node_id"}, {Name: "edge_type"}},
		DoNothing: true,
	}).Create(&replacement).Error; err != nil {
		return err
	}
	return txx.Delete(&models.Edge{}, "id = ?", e.Id).Error
}

func (r *repo) RewireSourceLinks(dbc dbctx.Context, fromNodeId, toNodeId typeid.TypeId) error {
	err := r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		var links []models.SourceLink
		if err := txx.Where("node_id = ?", fromNodeId).Find(&links).Error; err != nil {
			return err
		}
		for _, l := range links {
			replacement := models.SourceLink{
				Id:               typeid.New(typeid.PrefixSourceLink),
				SourceId:         l.SourceId,
				NodeId:           toNodeId,
				SpecificLocation: l.SpecificLocation,
			}
			if err := txx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "source_id"}, {Name: "node_id"}},
				DoNothing: true,
			}).Create(&replacement).Error; err != nil {
				return err
			}
			if err := txx.Delete(&models.SourceLink{}, "id = ?", l.Id).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperr.TransientBackend("graph.RewireSourceLinks", err)
	}
	return nil
}

// DeleteSourcesAndDescendants removes a source (and, for conversations, its
// child message sources) plus the nodes those sources exclusively link to,
// cascading metadata/embeddings/edges. Used by ingest-document's
// updateExisting path. Returns the node ids that were removed, for caller
// logging.
func (r *repo) DeleteSourcesAndDescendants(dbc dbctx.Context, userId typeid.TypeId, sourceType models.SourceType, externalId string) ([]typeid.TypeId, error) {
	src, err := r.GetSource(dbc, userId, sourceType, externalId)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, nil
	}

	sourceIds := []typeid.TypeId{src.Id}
	children, err := r.ChildSources(dbc, src.Id, models.SourceTypeConversationMessage)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		sourceIds = append(sourceIds, c.Id)
	}

	var removedNodes []typeid.TypeId
	err = r.tx(dbc).Transaction(func(txx *gorm.DB) error {
		for _, sid := range sourceIds {
			var links []models.SourceLink
			if err := txx.Where("source_id = ?", sid).Find(&links).Error; err != nil {
				return err
			}
			for _, l := range links {
				if err := deleteNodeCascadeTx(txx, l.NodeId); err != nil {
					return err
				}
				removedNodes = append(removedNodes, l.NodeId)
			}
			if err := txx.Delete(&models.Source{}, "id = ?", sid).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.TransientBackend("graph.DeleteSourcesAndDescendants", err)
	}
	return removedNodes, nil
}

func (r *repo) FetchTopOutDegreeNodes(dbc dbctx.Context, userId typeid.TypeId, since time.Time, limit int) ([]typeid.TypeId, error) {
	if limit <= 0 {
		limit = 5
	}
	var rows []struct{ NodeId typeid.TypeId }
	err := r.tx(dbc).Table("edges").
		Select("source_node_id as node_id").
		Where("user_id = ? AND created_at >= ?", userId, since).
		Group("source_node_id").
		Order("COUNT(*) DESC, source_node_id ASC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.TransientBackend("graph.FetchTopOutDegreeNodes", err)
	}
	out := make([]typeid.TypeId, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.NodeId)
	}
	return out, nil
}

func (r *repo) WithTransaction(ctx context.Context, fn func(dbctx.Context) error) error {
	err := r.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: ctx, Tx: txx})
	})
	if err != nil {
		return apperr.TransientBackend("graph.WithTransaction", err)
	}
	return nil
}

func (r *repo) TruncateLongLabels(dbc dbctx.Context, userId typeid.TypeId, maxLen int) (int, error) {
	var rows []models.NodeMetadata
	err := r.tx(dbc).Table("node_metadata").
		Joins("JOIN nodes ON nodes.id = node_metadata.node_id").
		Where("nodes.user_id = ? AND length(node_metadata.label) > ?", userId, maxLen).
		Find(&rows).Error
	if err != nil {
		return 0, apperr.TransientBackend("graph.TruncateLongLabels", err)
	}
	for _, row := range rows {
		truncated := row.Label[:maxLen]
		if err := r.tx(dbc).Model(&models.NodeMetadata{}).Where("node_id = ?", row.NodeId).
			Update("label", truncated).Error; err != nil {
			return 0, apperr.TransientBackend("graph.TruncateLongLabels", err)
		}
	}
	return len(rows), nil
}

func (r *repo) FindNodesWithoutEmbedding(dbc dbctx.Context, userId typeid.TypeId, limit int) ([]NodeForEmbedding, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []NodeForEmbedding
	err := r.tx(dbc).Table("nodes").
		Select("nodes.id as node_id, node_metadata.label, node_metadata.description").
		Joins("JOIN node_metadata ON node_metadata.node_id = nodes.id").
		Joins("LEFT JOIN node_embeddings ON node_embeddings.node_id = nodes.id").
		Where("nodes.user_id = ? AND node_metadata.label <> '' AND node_embeddings.id IS NULL", userId).
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.TransientBackend("graph.FindNodesWithoutEmbedding", err)
	}
	return rows, nil
}

func (r *repo) EnsureAlias(dbc dbctx.Context, userId typeid.TypeId, text string, canonicalNodeId typeid.TypeId) error {
	if text == "" {
		return nil
	}
	alias := models.Alias{
		Id:              typeid.New(typeid.PrefixAlias),
		UserId:          userId,
		Text:            text,
		CanonicalNodeId: canonicalNodeId,
	}
	err := r.tx(dbc).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "text"}, {Name: "canonical_node_id"}},
		DoNothing: true,
	}).Create(&alias).Error
	if err != nil {
		return apperr.TransientBackend("graph.EnsureAlias", err)
	}
	return nil
}

func (r *repo) FindAliasesMentionedIn(dbc dbctx.Context, userId typeid.TypeId, content string) ([]*models.Alias, error) {
	var all []*models.Alias
	if err := r.tx(dbc).Where("user_id = ?", userId).Find(&all).Error; err != nil {
		return nil, apperr.TransientBackend("graph.FindAliasesMentionedIn", err)
	}
	out := make([]*models.Alias, 0)
	for _, a := range all {
		if a.Text != "" && strings.Contains(content, a.Text) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *repo) GetUserProfile(dbc dbctx.Context, userId typeid.TypeId) (*models.UserProfile, bool, error) {
	var p models.UserProfile
	err := r.tx(dbc).Where("user_id = ?", userId).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.TransientBackend("graph.GetUserProfile", err)
	}
	return &p, true, nil
}

func (r *repo) UpsertUserProfile(dbc dbctx.Context, userId typeid.TypeId, content string) error {
	p := models.UserProfile{UserId: userId, Content: content, LastUpdatedAt: time.Now().UTC()}
	err := r.tx(dbc).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "last_updated_at"}),
	}).Create(&p).Error
	if err != nil {
		return apperr.TransientBackend("graph.UpsertUserProfile", err)
	}
	return nil
}

func deleteNodeCascadeTx(txx *gorm.DB, nodeId typeid.TypeId) error {
	if err := txx.Where("node_id = ?", nodeId).Delete(&models.NodeEmbedding{}).Error; err != nil {
		return err
	}
	if err := txx.Where("node_id = ?", nodeId).Delete(&models.SourceLink{}).Error; err != nil {
		return err
	}
	if err := txx.Where("source_node_id = ? OR target_node_id = ?", nodeId, nodeId).Delete(&models.Edge{}).Error; err != nil {
		return err
	}
	if err := txx.Where("node_id = ?", nodeId).Delete(&models.NodeMetadata{}).Error; err != nil {
		return err
	}
	return txx.Where("id = ?", nodeId).Delete(&models.Node{}).Error
}
