package handlers

import (
	"github.com/brightloom-ai/episodic/internal/atlas"
	"github.com/brightloom-ai/episodic/internal/cleanup"
	"github.com/brightloom-ai/episodic/internal/jobs/runtime"
	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
)

// CleanupHandler runs the LLM-guided graph cleanup pass. The job payload
// covers one BuildSubgraph/ProposeCleanup/Apply config; the handler wraps it
// in a small fixed number of IterativeCleanup rounds with dynamic follow-up
// seeding (merge keeps, created nodes, addition endpoints feed the next
// round), since the payload does not expose an iteration count of its own.
type CleanupHandler struct {
	engine *cleanup.Engine
	atlas  *atlas.Atlas
	log    *logger.Logger
}

const (
	cleanupIterations       = 3
	cleanupDynamicFollowups = true
)

func NewCleanupHandler(engine *cleanup.Engine, atlasProcessor *atlas.Atlas, baseLog *logger.Logger) *CleanupHandler {
	return &CleanupHandler{engine: engine, atlas: atlasProcessor, log: baseLog.With("handler", "cleanup-graph")}
}

func (h *CleanupHandler) Type() string { return "cleanup-graph" }

func (h *CleanupHandler) Run(ctx *runtime.Context) error {
	var payload CleanupGraphPayload
	if err := strictDecode(ctx.Job.Payload, &payload); err != nil {
		ctx.Fail("decode", err)
		return err
	}
	if err := payload.Validate(); err != nil {
		ctx.Fail("validate", err)
		return err
	}
	payload = payload.withDefaults()

	userId, err := typeid.ParseAny(payload.UserId)
	if err != nil {
		err = apperr.Validation("cleanup-graph", err)
		ctx.Fail("parse_user", err)
		return err
	}

	seedIds := make([]typeid.TypeId, 0, len(payload.SeedIds))
	for _, s := range payload.SeedIds {
		id, perr := typeid.ParseAny(s)
		if perr != nil {
			h.log.Warn("cleanup-graph: dropping unparseable seed id", "seed", s, "error", perr)
			continue
		}
		seedIds = append(seedIds, id)
	}

	ctx.Progress("load_atlas", 10, "loading user atlas for contradiction checks")
	currentAtlas, err := h.atlas.GetAtlas(ctx.Ctx, userId)
	if err != nil {
		ctx.Fail("load_atlas", err)
		return err
	}

	config := cleanup.IterativeConfig{
		Since:             payload.Since,
		EntryNodeLimit:    payload.EntryNodeLimit,
		SemanticNeighbor:  payload.SemanticNeighborLim,
		HopDepth:          payload.GraphHopDepth,
		MaxSubgraphNodes:  payload.MaxSubgraphNodes,
		MaxSubgraphEdges:  payload.MaxSubgraphEdges,
		LLMModelId:        payload.LLMModelId,
		SeedIds:           seedIds,
		Iterations:        cleanupIterations,
		SeedsPerIteration: payload.EntryNodeLimit,
		DynamicFollowups:  cleanupDynamicFollowups,
	}

	ctx.Progress("cleanup", 30, "running iterative cleanup")
	if err := h.engine.IterativeCleanup(ctx.Ctx, userId, currentAtlas, config); err != nil {
		ctx.Fail("cleanup", err)
		return err
	}

	ctx.Progress("truncate_labels", 90, "truncating overlong labels")
	if _, err := h.engine.TruncateLongLabels(ctx.Ctx, userId); err != nil {
		h.log.Warn("cleanup-graph: truncate labels failed", "error", err)
	}

	ctx.Succeed("done", nil)
	return nil
}
