// Package app wires every component of the episodic memory store into a
// single process: Postgres + pgvector, Redis, the completion and embedder
// clients, the Graph Repository, the Retrieval Engine, the Extractor, and
// the Atlas/Cleanup/Summarizer/Deep-Research components, topped with the
// job worker and its handler registry. One App struct, one New(), explicit
// dependency injection, no process-wide singletons; there is no HTTP/tool
// transport in this process, only the worker pool.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/brightloom-ai/episodic/internal/atlas"
	"github.com/brightloom-ai/episodic/internal/cache"
	"github.com/brightloom-ai/episodic/internal/cleanup"
	"github.com/brightloom-ai/episodic/internal/clients/completion"
	"github.com/brightloom-ai/episodic/internal/clients/embedder"
	"github.com/brightloom-ai/episodic/internal/data/db"
	"github.com/brightloom-ai/episodic/internal/data/repos/graph"
	jobsrepo "github.com/brightloom-ai/episodic/internal/data/repos/jobs"
	"github.com/brightloom-ai/episodic/internal/deepresearch"
	"github.com/brightloom-ai/episodic/internal/extraction"
	"github.com/brightloom-ai/episodic/internal/jobs/handlers"
	"github.com/brightloom-ai/episodic/internal/jobs/runtime"
	"github.com/brightloom-ai/episodic/internal/jobs/worker"
	"github.com/brightloom-ai/episodic/internal/platform/envutil"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
	"github.com/brightloom-ai/episodic/internal/retrieval"
	"github.com/brightloom-ai/episodic/internal/summarize"
)

// App holds every long-lived dependency for the worker process.
type App struct {
	Log *logger.Logger

	GraphRepo    graph.Repo
	JobsRepo     jobsrepo.Repo
	Retrieval    retrieval.Engine
	Extractor    *extraction.Extractor
	Summarizer   *summarize.Summarizer
	Atlas        *atlas.Atlas
	Cleanup      *cleanup.Engine
	DeepResearch *deepresearch.Runner

	Registry *runtime.Registry
	Worker   *worker.Worker

	cache  cache.Cache
	cancel context.CancelFunc
}

// New builds every component from the environment's configuration
// variables and wires the job handler registry, but does not start the
// worker pool; call Start for that.
func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.Migrate(log); err != nil {
		log.Sync()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	gdb := pg.DB()

	redisCache, err := cache.NewRedisCache(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init redis cache: %w", err)
	}

	completionClient, err := completion.NewClient(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init completion client: %w", err)
	}
	embedderClient, err := embedder.NewClient(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init embedder client: %w", err)
	}

	modelId := envutil.GetString("MODEL_ID_GRAPH_EXTRACTION", "", log)
	if modelId == "" {
		log.Warn("MODEL_ID_GRAPH_EXTRACTION not set; completion calls will fail until it is")
	}

	graphRepo := graph.New(gdb, log)
	jobsRepo := jobsrepo.New(gdb, log)
	retrievalEngine := retrieval.New(gdb, embedderClient, log)

	extractor := extraction.New(graphRepo, retrievalEngine, completionClient, embedderClient, modelId, log)
	summarizer := summarize.New(graphRepo, completionClient, modelId, log)
	atlasProcessor := atlas.New(graphRepo, retrievalEngine, completionClient, embedderClient, modelId, log)
	cleanupEngine := cleanup.New(graphRepo, retrievalEngine, completionClient, embedderClient, log)
	deepResearchRunner := deepresearch.New(retrievalEngine, completionClient, redisCache, modelId, log)

	registry := runtime.NewRegistry()
	if err := handlers.RegisterAll(registry, handlers.Deps{
		GraphRepo:    graphRepo,
		JobsRepo:     jobsRepo,
		Extractor:    extractor,
		Summarizer:   summarizer,
		Atlas:        atlasProcessor,
		Cleanup:      cleanupEngine,
		DeepResearch: deepResearchRunner,
		Cache:        redisCache,
	}, log); err != nil {
		log.Sync()
		return nil, fmt.Errorf("register job handlers: %w", err)
	}

	jobWorker := worker.NewWorker(jobsRepo, registry, log)

	return &App{
		Log:          log,
		GraphRepo:    graphRepo,
		JobsRepo:     jobsRepo,
		Retrieval:    retrievalEngine,
		Extractor:    extractor,
		Summarizer:   summarizer,
		Atlas:        atlasProcessor,
		Cleanup:      cleanupEngine,
		DeepResearch: deepResearchRunner,
		Registry:     registry,
		Worker:       jobWorker,
		cache:        redisCache,
	}, nil
}

// Start launches the worker pool bound to ctx; the pool stops when ctx is
// canceled (SIGTERM/SIGINT in cmd/worker).
func (a *App) Start(ctx context.Context) {
	if a == nil || a.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.Worker.Start(runCtx)
}

// Close stops the worker pool, flushes the logger, and closes the cache
// connection. Safe to call more than once.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
