// Package models holds the gorm-mapped entities of the graph store. Every
// row is scoped by UserId per the store's per-user isolation rule; there is
// no cross-user query anywhere in this package.
package models

import (
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
)

type NodeType string

const (
	NodeTypePerson         NodeType = "Person"
	NodeTypeLocation       NodeType = "Location"
	NodeTypeEvent          NodeType = "Event"
	NodeTypeObject         NodeType = "Object"
	NodeTypeEmotion        NodeType = "Emotion"
	NodeTypeConcept        NodeType = "Concept"
	NodeTypeMedia          NodeType = "Media"
	NodeTypeTemporal       NodeType = "Temporal"
	NodeTypeConversation   NodeType = "Conversation"
	NodeTypeAtlas          NodeType = "Atlas"
	NodeTypeAssistantDream NodeType = "AssistantDream"
	NodeTypeDocument       NodeType = "Document"
)

type EdgeType string

const (
	EdgeParticipatedIn  EdgeType = "PARTICIPATED_IN"
	EdgeOccurredAt      EdgeType = "OCCURRED_AT"
	EdgeOccurredOn      EdgeType = "OCCURRED_ON"
	EdgeInvolvedItem    EdgeType = "INVOLVED_ITEM"
	EdgeExhibitedEmotion EdgeType = "EXHIBITED_EMOTION"
	EdgeTaggedWith      EdgeType = "TAGGED_WITH"
	EdgeOwnedBy         EdgeType = "OWNED_BY"
	EdgeMentionedIn     EdgeType = "MENTIONED_IN"
	EdgePrecedes        EdgeType = "PRECEDES"
	EdgeFollows         EdgeType = "FOLLOWS"
	EdgeRelatedTo       EdgeType = "RELATED_TO"
	EdgeCapturedIn      EdgeType = "CAPTURED_IN"
)

type SourceType string

const (
	SourceTypeConversation        SourceType = "conversation"
	SourceTypeConversationMessage SourceType = "conversation_message"
	SourceTypeDocument            SourceType = "document"
)

type SourceStatus string

const (
	SourceStatusPending    SourceStatus = "pending"
	SourceStatusProcessing SourceStatus = "processing"
	SourceStatusCompleted  SourceStatus = "completed"
	SourceStatusFailed     SourceStatus = "failed"
	SourceStatusSummarized SourceStatus = "summarized"
)

// EmbeddingDims is the fixed vector width stored for every node/edge embedding.
const EmbeddingDims = 1024

// User is one row per external identity. Every other table hangs off UserId.
type User struct {
	Id        typeid.TypeId `gorm:"primaryKey;type:text"`
	CreatedAt time.Time
}

func (User) TableName() string { return "users" }

// Node is the core graph vertex. NodeType is immutable once written.
type Node struct {
	Id        typeid.TypeId `gorm:"primaryKey;type:text"`
	UserId    typeid.TypeId `gorm:"type:text;index:idx_nodes_user_type,priority:1"`
	NodeType  NodeType      `gorm:"type:text;index:idx_nodes_user_type,priority:2"`
	CreatedAt time.Time
}

func (Node) TableName() string { return "nodes" }

// NodeMetadata is 1-to-1 with Node; enforced by application code on write
// (one insert per node, never a second row for the same NodeId).
type NodeMetadata struct {
	NodeId         typeid.TypeId `gorm:"primaryKey;type:text"`
	Label          string        `gorm:"type:text"`
	Description    string        `gorm:"type:text"`
	AdditionalData []byte        `gorm:"type:jsonb"`
}

func (NodeMetadata) TableName() string { return "node_metadata" }

// Edge is a typed, directed relationship. The repository's InsertEdges drops
// self-edges; it does not check that both endpoints belong to the edge's
// UserId.
type Edge struct {
	Id           typeid.TypeId `gorm:"primaryKey;type:text"`
	UserId       typeid.TypeId `gorm:"type:text"`
	SourceNodeId typeid.TypeId `gorm:"type:text;uniqueIndex:idx_edges_triple,priority:1;index:idx_edges_user_src,priority:2"`
	TargetNodeId typeid.TypeId `gorm:"type:text;uniqueIndex:idx_edges_triple,priority:2;index:idx_edges_user_tgt,priority:2"`
	EdgeType     EdgeType      `gorm:"type:text;uniqueIndex:idx_edges_triple,priority:3;index:idx_edges_user_type,priority:2"`
	Description  string        `gorm:"type:text"`
	Metadata     []byte        `gorm:"type:jsonb"`
	CreatedAt    time.Time
}

func (Edge) TableName() string { return "edges" }

// NodeEmbedding holds a cosine-indexed vector for a node. Multiple rows per
// node (different ModelName) are allowed; retrieval's policy for picking
// among them is documented in the retrieval package, not enforced here.
type NodeEmbedding struct {
	Id        typeid.TypeId   `gorm:"primaryKey;type:text"`
	NodeId    typeid.TypeId   `gorm:"type:text;index"`
	Vector    pgvector.Vector `gorm:"type:vector(1024)"`
	ModelName string          `gorm:"type:text"`
	CreatedAt time.Time
}

func (NodeEmbedding) TableName() string { return "node_embeddings" }

// EdgeEmbedding mirrors NodeEmbedding for edges. (EdgeId, ModelName)
// uniqueness is a caller invariant, not a DB constraint.
type EdgeEmbedding struct {
	Id        typeid.TypeId   `gorm:"primaryKey;type:text"`
	EdgeId    typeid.TypeId   `gorm:"type:text;index"`
	Vector    pgvector.Vector `gorm:"type:vector(1024)"`
	ModelName string          `gorm:"type:text"`
	CreatedAt time.Time
}

func (EdgeEmbedding) TableName() string { return "edge_embeddings" }

// Alias maps free text to a canonical node, used by the extractor's context
// gathering to resolve a mention back to an existing node.
type Alias struct {
	Id              typeid.TypeId `gorm:"primaryKey;type:text"`
	UserId          typeid.TypeId `gorm:"type:text;uniqueIndex:idx_alias_triple,priority:1"`
	Text            string        `gorm:"type:text;uniqueIndex:idx_alias_triple,priority:2"`
	CanonicalNodeId typeid.TypeId `gorm:"type:text;uniqueIndex:idx_alias_triple,priority:3"`
}

func (Alias) TableName() string { return "aliases" }

// Source tracks an ingested unit (a conversation, one of its messages, or a
// document) through its processing lifecycle.
type Source struct {
	Id             typeid.TypeId  `gorm:"primaryKey;type:text"`
	UserId         typeid.TypeId  `gorm:"type:text;uniqueIndex:idx_source_triple,priority:1"`
	Type           SourceType     `gorm:"type:text;uniqueIndex:idx_source_triple,priority:2"`
	ExternalId     string         `gorm:"type:text;uniqueIndex:idx_source_triple,priority:3"`
	ParentSourceId *typeid.TypeId `gorm:"type:text;index"`
	LastIngestedAt time.Time
	Status         SourceStatus `gorm:"type:text"`
	Metadata       []byte       `gorm:"type:jsonb"`
	ContentType    string       `gorm:"type:text"`
	ContentLength  int64
}

func (Source) TableName() string { return "sources" }

// SourceLink joins a Source to the Node it mentions/produced; cascaded on
// Source or Node delete by the repository, not by a DB-level ON DELETE rule,
// so the repository can also maintain SourceLink-dependent invariants.
type SourceLink struct {
	Id               typeid.TypeId `gorm:"primaryKey;type:text"`
	SourceId         typeid.TypeId `gorm:"type:text;uniqueIndex:idx_sourcelink_pair,priority:1;index:idx_sourcelink_source"`
	NodeId           typeid.TypeId `gorm:"type:text;uniqueIndex:idx_sourcelink_pair,priority:2;index:idx_sourcelink_node"`
	SpecificLocation string        `gorm:"type:text"`
}

func (SourceLink) TableName() string { return "source_links" }

// UserProfile holds at most one free-text blob per user, read by the Atlas
// job as extra rewrite context. The Atlas job does not write it.
type UserProfile struct {
	UserId        typeid.TypeId `gorm:"primaryKey;type:text"`
	Content       string        `gorm:"type:text"`
	LastUpdatedAt time.Time
}

func (UserProfile) TableName() string { return "user_profiles" }

// JobRun is the durable queue row claimed by the worker pool.
type JobRun struct {
	Id          typeid.TypeId `gorm:"primaryKey;type:text"`
	UserId      typeid.TypeId `gorm:"type:text;index"`
	JobType     string        `gorm:"type:text;index"`
	Payload     []byte        `gorm:"type:jsonb"`
	Status      string        `gorm:"type:text;index"`
	Stage       string        `gorm:"type:text"`
	Progress    int
	Message     string `gorm:"type:text"`
	Error       string `gorm:"type:text"`
	Result      []byte `gorm:"type:jsonb"`
	Attempts    int
	LockedAt    *time.Time
	HeartbeatAt *time.Time
	LastErrorAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (JobRun) TableName() string { return "job_runs" }

// MessageMetadata is the JSON shape stored in a conversation_message Source's
// Metadata column: the raw chat turn content as given to ingest-conversation.
type MessageMetadata struct {
	Role      string    `json:"role"`
	Name      string    `json:"name,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AllModels lists every model for AutoMigrate, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Node{},
		&NodeMetadata{},
		&Edge{},
		&NodeEmbedding{},
		&EdgeEmbedding{},
		&Alias{},
		&Source{},
		&SourceLink{},
		&UserProfile{},
		&JobRun{},
	}
}
