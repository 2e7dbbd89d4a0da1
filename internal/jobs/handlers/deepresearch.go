package handlers

import (
	"github.com/brightloom-ai/episodic/internal/deepresearch"
	"github.com/brightloom-ai/episodic/internal/jobs/runtime"
	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
)

// DeepResearchHandler runs the tangential-query expansion loop and caches
// the result set for a conversation.
type DeepResearchHandler struct {
	runner *deepresearch.Runner
	log    *logger.Logger
}

func NewDeepResearchHandler(runner *deepresearch.Runner, baseLog *logger.Logger) *DeepResearchHandler {
	return &DeepResearchHandler{runner: runner, log: baseLog.With("handler", "deep-research")}
}

func (h *DeepResearchHandler) Type() string { return "deep-research" }

func (h *DeepResearchHandler) Run(ctx *runtime.Context) error {
	var payload DeepResearchPayload
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
		err = apperr.Validation("deep-research", err)
		ctx.Fail("parse_user", err)
		return err
	}

	messages := make([]deepresearch.Message, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		messages = append(messages, deepresearch.Message{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp})
	}

	lastN := payload.LastNMessages
	if lastN <= 0 {
		lastN = 3
	}

	ctx.Progress("research", 20, "expanding tangential queries")
	if err := h.runner.Run(ctx.Ctx, userId, payload.ConversationId, messages, lastN); err != nil {
		ctx.Fail("research", err)
		return err
	}

	ctx.Succeed("done", nil)
	return nil
}
