package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brightloom-ai/episodic/internal/cache"
	"github.com/brightloom-ai/episodic/internal/data/models"
	"github.com/brightloom-ai/episodic/internal/data/repos/graph"
	jobsrepo "github.com/brightloom-ai/episodic/internal/data/repos/jobs"
	"github.com/brightloom-ai/episodic/internal/deepresearch"
	"github.com/brightloom-ai/episodic/internal/extraction"
	"github.com/brightloom-ai/episodic/internal/jobs/runtime"
	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
	"github.com/brightloom-ai/episodic/internal/pkg/dbctx"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
)

// IngestConversationHandler materializes a Conversation source node plus one
// conversation_message source per turn, extracts the graph from the full
// turn text, and throttles a deep-research enqueue to once per 60s per
// conversation, the only cross-job mutex in this worker.
type IngestConversationHandler struct {
	graphRepo graph.Repo
	jobsRepo  jobsrepo.Repo
	extractor *extraction.Extractor
	cache     cache.Cache
	log       *logger.Logger
}

func NewIngestConversationHandler(graphRepo graph.Repo, jobsRepo jobsrepo.Repo, extractor *extraction.Extractor, cacheStore cache.Cache, baseLog *logger.Logger) *IngestConversationHandler {
	return &IngestConversationHandler{graphRepo: graphRepo, jobsRepo: jobsRepo, extractor: extractor, cache: cacheStore, log: baseLog.With("handler", "ingest-conversation")}
}

func (h *IngestConversationHandler) Type() string { return "ingest-conversation" }

func (h *IngestConversationHandler) Run(ctx *runtime.Context) error {
	var payload IngestConversationPayload
	if err := strictDecode(ctx.Job.Payload, &payload); err != nil {
		ctx.Fail("decode", err)
		return err
	}
	if err := payload.Validate(); err != nil {
		ctx.Fail("validate", err)
		return err
	}

	userId, err := typeid.ParseAny(payload.UserId)
	if err != nil {
		err = apperr.Validation("ingest-conversation", err)
		ctx.Fail("parse_user", err)
		return err
	}

	dbc := dbctx.Context{Ctx: ctx.Ctx}
	if err := h.graphRepo.EnsureUser(dbc, userId); err != nil {
		ctx.Fail("ensure_user", err)
		return err
	}
	ctx.Progress("ensure_conversation", 10, "ensuring conversation source node")

	firstTs := payload.Messages[0].Timestamp
	if firstTs.IsZero() {
		firstTs = time.Now()
	}
	convoSource, err := h.graphRepo.UpsertSource(dbc, userId, graph.SourceInput{
		Type:       models.SourceTypeConversation,
		ExternalId: payload.ConversationId,
		Status:     models.SourceStatusProcessing,
	})
	if err != nil {
		ctx.Fail("upsert_conversation_source", err)
		return err
	}

	convoNodeId, err := h.graphRepo.EnsureSourceNode(dbc, userId, convoSource.Id, firstTs, models.NodeTypeConversation)
	if err != nil {
		ctx.Fail("ensure_conversation_node", err)
		return err
	}

	ctx.Progress("ingest_messages", 30, "inserting conversation_message sources")
	var fullText string
	for i, m := range payload.Messages {
		meta := models.MessageMetadata{Role: m.Role, Name: m.Name, Content: m.Content, Timestamp: m.Timestamp}
		metaBytes, merr := json.Marshal(meta)
		if merr != nil {
			h.log.Warn("ingest-conversation: skipping message, metadata marshal failed", "message_id", m.Id, "error", merr)
			continue
		}
		parentId := convoSource.Id
		if _, err := h.graphRepo.UpsertSource(dbc, userId, graph.SourceInput{
			Type:           models.SourceTypeConversationMessage,
			ExternalId:     m.Id,
			ParentSourceId: &parentId,
			Status:         models.SourceStatusCompleted,
			Metadata:       metaBytes,
		}); err != nil {
			h.log.Warn("ingest-conversation: skipping message source", "message_id", m.Id, "error", err)
			continue
		}
		fullText += fmt.Sprintf("[%d] %s: %s\n", i, m.Role, m.Content)
	}

	ctx.Progress("extract", 60, "extracting graph from conversation text")
	if err := h.extractor.Extract(ctx.Ctx, userId, extraction.SourceKindConversation, convoNodeId, fullText); err != nil {
		ctx.Fail("extract", err)
		return err
	}

	if _, err := h.graphRepo.SetSourceStatus(dbc, convoSource.Id, models.SourceStatusProcessing, models.SourceStatusCompleted); err != nil {
		h.log.Warn("ingest-conversation: source status CAS failed", "source_id", convoSource.Id.String(), "error", err)
	}

	ctx.Progress("deep_research", 90, "checking deep-research throttle")
	h.maybeEnqueueDeepResearch(ctx.Ctx, userId, payload)

	ctx.Succeed("done", map[string]any{"conversationNodeId": convoNodeId.String()})
	return nil
}

// maybeEnqueueDeepResearch implements the per-(user,conversation) 60s
// throttle via the cache's SET-NX primitive and enqueues a deep-research
// job_run on the first caller to win the race. Failure here is logged, not
// fatal: the conversation ingest itself already succeeded.
func (h *IngestConversationHandler) maybeEnqueueDeepResearch(ctx context.Context, userId typeid.TypeId, payload IngestConversationPayload) {
	if h.cache == nil || h.jobsRepo == nil {
		return
	}
	should, err := deepresearch.ShouldEnqueue(ctx, h.cache, userId.String(), payload.ConversationId)
	if err != nil {
		h.log.Warn("ingest-conversation: deep-research throttle check failed", "error", err)
		return
	}
	if !should {
		return
	}
	drPayload, err := json.Marshal(DeepResearchPayload{
		UserId:         payload.UserId,
		ConversationId: payload.ConversationId,
		Messages:       payload.Messages,
		LastNMessages:  3,
	})
	if err != nil {
		h.log.Warn("ingest-conversation: deep-research payload marshal failed", "error", err)
		return
	}
	if _, err := h.jobsRepo.Create(dbctx.Context{Ctx: ctx}, "deep-research", userId, drPayload); err != nil {
		h.log.Warn("ingest-conversation: deep-research enqueue failed", "error", err)
	}
}

// IngestDocumentHandler materializes a Document source node and extracts
// the graph from its content. When UpdateExisting is set, prior nodes/
// edges/sources for the same (userId, "document", documentId) are deleted
// and re-extracted from scratch, so re-ingesting the same document is
// idempotent.
type IngestDocumentHandler struct {
	graphRepo graph.Repo
	extractor *extraction.Extractor
	log       *logger.Logger
}

func NewIngestDocumentHandler(graphRepo graph.Repo, extractor *extraction.Extractor, baseLog *logger.Logger) *IngestDocumentHandler {
	return &IngestDocumentHandler{graphRepo: graphRepo, extractor: extractor, log: baseLog.With("handler", "ingest-document")}
}

func (h *IngestDocumentHandler) Type() string { return "ingest-document" }

func (h *IngestDocumentHandler) Run(ctx *runtime.Context) error {
	var payload IngestDocumentPayload
	if err := strictDecode(ctx.Job.Payload, &payload); err != nil {
		ctx.Fail("decode", err)
		return err
	}
	if err := payload.Validate(); err != nil {
		ctx.Fail("validate", err)
		return err
	}

	userId, err := typeid.ParseAny(payload.UserId)
	if err != nil {
		err = apperr.Validation("ingest-document", err)
		ctx.Fail("parse_user", err)
		return err
	}

	dbc := dbctx.Context{Ctx: ctx.Ctx}
	if err := h.graphRepo.EnsureUser(dbc, userId); err != nil {
		ctx.Fail("ensure_user", err)
		return err
	}

	if payload.UpdateExisting {
		ctx.Progress("delete_existing", 10, "removing prior document graph")
		if _, err := h.graphRepo.DeleteSourcesAndDescendants(dbc, userId, models.SourceTypeDocument, payload.DocumentId); err != nil {
			ctx.Fail("delete_existing", err)
			return err
		}
	} else if existing, gerr := h.graphRepo.GetSource(dbc, userId, models.SourceTypeDocument, payload.DocumentId); gerr == nil && existing != nil {
		h.log.Info("ingest-document: already ingested, skipping re-extraction", "document_id", payload.DocumentId)
		ctx.Succeed("already_ingested", map[string]any{"sourceId": existing.Id.String()})
		return nil
	}

	ctx.Progress("ensure_source", 20, "ensuring document source node")
	docSource, err := h.graphRepo.UpsertSource(dbc, userId, graph.SourceInput{
		Type:          models.SourceTypeDocument,
		ExternalId:    payload.DocumentId,
		Status:        models.SourceStatusProcessing,
		ContentLength: int64(len(payload.Content)),
	})
	if err != nil {
		ctx.Fail("upsert_source", err)
		return err
	}

	ts := payload.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	docNodeId, err := h.graphRepo.EnsureSourceNode(dbc, userId, docSource.Id, ts, models.NodeTypeDocument)
	if err != nil {
		ctx.Fail("ensure_node", err)
		return err
	}

	ctx.Progress("extract", 50, "extracting graph from document text")
	if err := h.extractor.Extract(ctx.Ctx, userId, extraction.SourceKindDocument, docNodeId, payload.Content); err != nil {
		ctx.Fail("extract", err)
		return err
	}

	if _, err := h.graphRepo.SetSourceStatus(dbc, docSource.Id, models.SourceStatusProcessing, models.SourceStatusCompleted); err != nil {
		h.log.Warn("ingest-document: source status CAS failed", "source_id", docSource.Id.String(), "error", err)
	}

	ctx.Succeed("done", map[string]any{"documentNodeId": docNodeId.String()})
	return nil
}
