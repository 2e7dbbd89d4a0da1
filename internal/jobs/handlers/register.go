package handlers

import (
	"github.com/brightloom-ai/episodic/internal/atlas"
	"github.com/brightloom-ai/episodic/internal/cache"
	"github.com/brightloom-ai/episodic/internal/cleanup"
	"github.com/brightloom-ai/episodic/internal/data/repos/graph"
	jobsrepo "github.com/brightloom-ai/episodic/internal/data/repos/jobs"
	"github.com/brightloom-ai/episodic/internal/deepresearch"
	"github.com/brightloom-ai/episodic/internal/extraction"
	"github.com/brightloom-ai/episodic/internal/jobs/runtime"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
	"github.com/brightloom-ai/episodic/internal/summarize"
)

// Deps bundles the components every handler dispatches into, built once at
// process startup (internal/app) and passed down by explicit dependency
// injection rather than a lazy singleton store.
type Deps struct {
	GraphRepo    graph.Repo
	JobsRepo     jobsrepo.Repo
	Extractor    *extraction.Extractor
	Summarizer   *summarize.Summarizer
	Atlas        *atlas.Atlas
	Cleanup      *cleanup.Engine
	DeepResearch *deepresearch.Runner
	Cache        cache.Cache
}

// RegisterAll builds and registers every job_type handler this worker
// supports. Called once at startup; a duplicate or nil registration is a
// fatal wiring error surfaced by Registry.Register.
func RegisterAll(reg *runtime.Registry, deps Deps, baseLog *logger.Logger) error {
	handlers := []runtime.Handler{
		NewIngestConversationHandler(deps.GraphRepo, deps.JobsRepo, deps.Extractor, deps.Cache, baseLog),
		NewIngestDocumentHandler(deps.GraphRepo, deps.Extractor, baseLog),
		NewSummarizeHandler(deps.Summarizer, baseLog),
		NewDreamHandler(deps.Atlas, baseLog),
		NewDeepResearchHandler(deps.DeepResearch, baseLog),
		NewCleanupHandler(deps.Cleanup, deps.Atlas, baseLog),
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
