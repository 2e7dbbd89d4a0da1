// Package handlers wires the six job types to the runtime.Registry: each
// payload is strictly decoded (unknown fields rejected) and dispatched to
// the matching component (Extractor, Summarizer, Atlas, Cleanup Engine,
// Deep-Research Runner).
package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
)

// strictDecode rejects any field not present in dst's JSON shape, the same
// "refuse unknown fields" contract every job payload and public operation
// parameter follows.
func strictDecode(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("handlers.strictDecode", err)
	}
	return nil
}

// IngestConversationPayload is the ingest-conversation job payload.
type IngestConversationPayload struct {
	UserId         string             `json:"userId"`
	ConversationId string             `json:"conversationId"`
	Messages       []ConversationTurn `json:"messages"`
}

type ConversationTurn struct {
	Id        string    `json:"id"`
	Role      string    `json:"role"`
	Name      string    `json:"name,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (p IngestConversationPayload) Validate() error {
	if p.UserId == "" || p.ConversationId == "" {
		return apperr.Validation("IngestConversationPayload", fmt.Errorf("userId and conversationId are required"))
	}
	if len(p.Messages) == 0 {
		return apperr.Validation("IngestConversationPayload", fmt.Errorf("messages must be non-empty"))
	}
	for i, m := range p.Messages {
		if m.Id == "" || m.Content == "" {
			return apperr.Validation("IngestConversationPayload", fmt.Errorf("messages[%d] missing id/content", i))
		}
	}
	return nil
}

// IngestDocumentPayload is the ingest-document job payload.
type IngestDocumentPayload struct {
	UserId         string    `json:"userId"`
	DocumentId     string    `json:"documentId"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	UpdateExisting bool      `json:"updateExisting,omitempty"`
}

func (p IngestDocumentPayload) Validate() error {
	if p.UserId == "" || p.DocumentId == "" || p.Content == "" {
		return apperr.Validation("IngestDocumentPayload", fmt.Errorf("userId, documentId and content are required"))
	}
	return nil
}

// SummarizePayload is the summarize job payload.
type SummarizePayload struct {
	UserId string `json:"userId"`
}

func (p SummarizePayload) Validate() error {
	if p.UserId == "" {
		return apperr.Validation("SummarizePayload", fmt.Errorf("userId is required"))
	}
	return nil
}

// DreamPayload is the dream job payload.
type DreamPayload struct {
	UserId               string `json:"userId"`
	AssistantId          string `json:"assistantId"`
	AssistantDescription string `json:"assistantDescription"`
}

func (p DreamPayload) Validate() error {
	if p.UserId == "" || p.AssistantId == "" {
		return apperr.Validation("DreamPayload", fmt.Errorf("userId and assistantId are required"))
	}
	return nil
}

// DeepResearchPayload is the deep-research job payload.
type DeepResearchPayload struct {
	UserId         string             `json:"userId"`
	ConversationId string             `json:"conversationId"`
	Messages       []ConversationTurn `json:"messages"`
	LastNMessages  int                `json:"lastNMessages,omitempty"`
}

func (p DeepResearchPayload) Validate() error {
	if p.UserId == "" || p.ConversationId == "" {
		return apperr.Validation("DeepResearchPayload", fmt.Errorf("userId and conversationId are required"))
	}
	return nil
}

// CleanupGraphPayload is the cleanup-graph job payload.
type CleanupGraphPayload struct {
	UserId              string    `json:"userId"`
	Since               time.Time `json:"since"`
	EntryNodeLimit      int       `json:"entryNodeLimit,omitempty"`
	SemanticNeighborLim int       `json:"semanticNeighborLimit,omitempty"`
	GraphHopDepth       int       `json:"graphHopDepth,omitempty"`
	MaxSubgraphNodes    int       `json:"maxSubgraphNodes,omitempty"`
	MaxSubgraphEdges    int       `json:"maxSubgraphEdges,omitempty"`
	LLMModelId          string    `json:"llmModelId"`
	SeedIds             []string  `json:"seedIds,omitempty"`
}

func (p CleanupGraphPayload) Validate() error {
	if p.UserId == "" || p.LLMModelId == "" {
		return apperr.Validation("CleanupGraphPayload", fmt.Errorf("userId and llmModelId are required"))
	}
	if p.GraphHopDepth != 0 && p.GraphHopDepth != 1 && p.GraphHopDepth != 2 {
		return apperr.Validation("CleanupGraphPayload", fmt.Errorf("graphHopDepth must be 1 or 2"))
	}
	return nil
}

// withDefaults fills in the zero-value fields of a cleanup-graph payload.
func (p CleanupGraphPayload) withDefaults() CleanupGraphPayload {
	if p.EntryNodeLimit == 0 {
		p.EntryNodeLimit = 5
	}
	if p.SemanticNeighborLim == 0 {
		p.SemanticNeighborLim = 15
	}
	if p.GraphHopDepth == 0 {
		p.GraphHopDepth = 2
	}
	if p.MaxSubgraphNodes == 0 {
		p.MaxSubgraphNodes = 100
	}
	if p.MaxSubgraphEdges == 0 {
		p.MaxSubgraphEdges = 150
	}
	if p.Since.IsZero() {
		p.Since = time.Now().Add(-30 * 24 * time.Hour)
	}
	return p
}
