package handlers

import (
	"github.com/brightloom-ai/episodic/internal/jobs/runtime"
	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
	"github.com/brightloom-ai/episodic/internal/summarize"
)

// SummarizeHandler runs the nightly per-conversation title/summary pass for
// every Source with status != summarized.
type SummarizeHandler struct {
	summarizer *summarize.Summarizer
	log        *logger.Logger
}

func NewSummarizeHandler(summarizer *summarize.Summarizer, baseLog *logger.Logger) *SummarizeHandler {
	return &SummarizeHandler{summarizer: summarizer, log: baseLog.With("handler", "summarize")}
}

func (h *SummarizeHandler) Type() string { return "summarize" }

func (h *SummarizeHandler) Run(ctx *runtime.Context) error {
	var payload SummarizePayload
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
		err = apperr.Validation("summarize", err)
		ctx.Fail("parse_user", err)
		return err
	}

	ctx.Progress("summarize", 20, "summarizing conversations")
	if err := h.summarizer.Run(ctx.Ctx, userId); err != nil {
		ctx.Fail("summarize", err)
		return err
	}

	ctx.Succeed("done", nil)
	return nil
}
