package handlers

import (
	"github.com/brightloom-ai/episodic/internal/atlas"
	"github.com/brightloom-ai/episodic/internal/jobs/runtime"
	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/platform/envutil"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
	"github.com/brightloom-ai/episodic/internal/platform/workgroup"
)

// DreamHandler is the nightly per-user reflection pass: it rewrites the User
// Atlas, rewrites the Assistant Atlas in the assistant's persona, and rolls
// the probabilistic Dream Processor, fanned out concurrently. Each branch is
// independent; one failing does not block the others since all three are
// idempotent daily rewrites.
type DreamHandler struct {
	atlas *atlas.Atlas
	log   *logger.Logger
}

func NewDreamHandler(atlasProcessor *atlas.Atlas, baseLog *logger.Logger) *DreamHandler {
	return &DreamHandler{atlas: atlasProcessor, log: baseLog.With("handler", "dream")}
}

func (h *DreamHandler) Type() string { return "dream" }

func (h *DreamHandler) Run(ctx *runtime.Context) error {
	var payload DreamPayload
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
		err = apperr.Validation("dream", err)
		ctx.Fail("parse_user", err)
		return err
	}

	dreamProbability := envutil.GetFloat("DREAM_PROBABILITY", 0.1, h.log)
	selectionProbability := envutil.GetFloat("DREAM_SELECTION_PROBABILITY", 0.4, h.log)

	ctx.Progress("reflect", 10, "rewriting atlases and rolling dream")
	g, gctx := workgroup.New(ctx.Ctx, 3)
	g.Go(func() error {
		if err := h.atlas.ProcessAtlasJob(gctx, userId); err != nil {
			h.log.Warn("dream: user atlas rewrite failed", "user_id", userId.String(), "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := h.atlas.AssistantDreamJob(gctx, userId, payload.AssistantId, payload.AssistantDescription); err != nil {
			h.log.Warn("dream: assistant atlas rewrite failed", "user_id", userId.String(), "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := h.atlas.RunDream(gctx, userId, payload.AssistantId, payload.AssistantDescription, dreamProbability, selectionProbability); err != nil {
			h.log.Warn("dream: reflective dream pass failed", "user_id", userId.String(), "error", err)
		}
		return nil
	})
	_ = g.Wait()

	ctx.Succeed("done", nil)
	return nil
}
