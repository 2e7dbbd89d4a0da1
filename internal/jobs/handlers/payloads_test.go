package handlers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
)

func TestStrictDecodeRejectsUnknownFields(t *testing.T) {
	var p SummarizePayload
	err := strictDecode([]byte(`{"userId":"u1","extra":"nope"}`), &p)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestStrictDecodeAcceptsKnownFields(t *testing.T) {
	var p SummarizePayload
	err := strictDecode([]byte(`{"userId":"u1"}`), &p)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserId)
}

func TestIngestConversationPayloadValidate(t *testing.T) {
	valid := IngestConversationPayload{
		UserId:         "u1",
		ConversationId: "c1",
		Messages: []ConversationTurn{
			{Id: "m1", Role: "user", Content: "hi"},
		},
	}
	assert.NoError(t, valid.Validate())

	missingIds := valid
	missingIds.UserId = ""
	assert.Error(t, missingIds.Validate())

	noMessages := valid
	noMessages.Messages = nil
	assert.Error(t, noMessages.Validate())

	badMessage := valid
	badMessage.Messages = []ConversationTurn{{Id: "", Content: ""}}
	assert.Error(t, badMessage.Validate())
}

func TestIngestDocumentPayloadValidate(t *testing.T) {
	valid := IngestDocumentPayload{UserId: "u1", DocumentId: "d1", Content: "text"}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.Content = ""
	assert.Error(t, missing.Validate())
}

func TestDreamPayloadValidate(t *testing.T) {
	valid := DreamPayload{UserId: "u1", AssistantId: "a1", AssistantDescription: "friendly"}
	assert.NoError(t, valid.Validate())

	missing := DreamPayload{UserId: "u1"}
	assert.Error(t, missing.Validate())
}

func TestDeepResearchPayloadValidate(t *testing.T) {
	valid := DeepResearchPayload{UserId: "u1", ConversationId: "c1"}
	assert.NoError(t, valid.Validate())

	missing := DeepResearchPayload{UserId: "u1"}
	assert.Error(t, missing.Validate())
}

func TestCleanupGraphPayloadValidate(t *testing.T) {
	valid := CleanupGraphPayload{UserId: "u1", LLMModelId: "gpt"}
	assert.NoError(t, valid.Validate())

	missing := CleanupGraphPayload{UserId: "u1"}
	assert.Error(t, missing.Validate())

	badHop := CleanupGraphPayload{UserId: "u1", LLMModelId: "gpt", GraphHopDepth: 3}
	assert.Error(t, badHop.Validate())
}

func TestCleanupGraphPayloadWithDefaults(t *testing.T) {
	p := CleanupGraphPayload{UserId: "u1", LLMModelId: "gpt"}
	filled := p.withDefaults()

	assert.Equal(t, 5, filled.EntryNodeLimit)
	assert.Equal(t, 15, filled.SemanticNeighborLim)
	assert.Equal(t, 2, filled.GraphHopDepth)
	assert.Equal(t, 100, filled.MaxSubgraphNodes)
	assert.Equal(t, 150, filled.MaxSubgraphEdges)
	assert.False(t, filled.Since.IsZero())

	explicit := CleanupGraphPayload{
		UserId:         "u1",
		LLMModelId:     "gpt",
		EntryNodeLimit: 9,
		Since:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	filledExplicit := explicit.withDefaults()
	assert.Equal(t, 9, filledExplicit.EntryNodeLimit)
	assert.Equal(t, explicit.Since, filledExplicit.Since)
}
