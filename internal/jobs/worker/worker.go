// Package worker is the execution engine for the SQL-backed job queue:
// poll, claim with SKIP LOCKED, dispatch to a registered handler, heartbeat,
// and recover from panics. There is no SSE notification side channel or
// rollback-freeze gating here, since this store has no structural rollback
// concept.
package worker

import (
	"context"
	"time"

	"github.com/brightloom-ai/episodic/internal/data/repos/jobs"
	"github.com/brightloom-ai/episodic/internal/jobs/runtime"
	"github.com/brightloom-ai/episodic/internal/pkg/dbctx"
	"github.com/brightloom-ai/episodic/internal/pkg/typeid"
	"github.com/brightloom-ai/episodic/internal/platform/envutil"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
)

type Worker struct {
	log      *logger.Logger
	repo     jobs.Repo
	registry *runtime.Registry
}

func NewWorker(repo jobs.Repo, registry *runtime.Registry, baseLog *logger.Logger) *Worker {
	return &Worker{
		log:      baseLog.With("component", "JobWorker"),
		repo:     repo,
		registry: registry,
	}
}

// Start launches WORKER_CONCURRENCY (default 4) polling goroutines. Each runs
// an independent runLoop claiming and executing jobs; the repo's SKIP LOCKED
// claim query is what keeps them from double-executing the same row.
func (w *Worker) Start(ctx context.Context) {
	concurrency := envutil.GetInt("WORKER_CONCURRENCY", 4, w.log)
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("starting job worker pool", "concurrency", concurrency)

	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		go w.runLoop(ctx, workerID)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	const maxAttempts = 5
	retryDelay := 30 * time.Second
	staleRunning := 30 * time.Minute

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			job, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, maxAttempts, retryDelay, staleRunning)
			if err != nil {
				w.log.Warn("claim failed", "worker_id", workerID, "error", err)
				continue
			}
			if job == nil {
				continue
			}

			h, ok := w.registry.Get(job.JobType)
			jc := runtime.NewContext(ctx, job, w.repo)

			if !ok {
				w.log.Warn("no handler registered for job_type", "worker_id", workerID, "job_type", job.JobType, "job_id", job.Id.String())
				jc.Fail("dispatch", &missingHandlerError{JobType: job.JobType})
				continue
			}

			w.execute(ctx, workerID, jc, h, job.Id)
		}
	}
}

func (w *Worker) execute(ctx context.Context, workerID int, jc *runtime.Context, h runtime.Handler, jobId typeid.TypeId) {
	stopHB := w.startHeartbeat(ctx, jobId)
	defer stopHB()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job handler panic", "worker_id", workerID, "job_id", jobId.String(), "panic", r)
			jc.Fail("panic", errFromRecover(r))
		}
	}()

	if runErr := h.Run(jc); runErr != nil {
		// Most handlers call jc.Fail themselves; this is a safety net.
		jc.Fail("run", runErr)
	}
}

// startHeartbeat spawns a goroutine that periodically refreshes
// job_run.heartbeat_at so the job isn't mistaken for stale-running. Returns
// a stop function that must be called once the handler returns.
func (w *Worker) startHeartbeat(ctx context.Context, jobId typeid.TypeId) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if jobId.IsZero() {
					continue
				}
				_ = w.repo.Heartbeat(dbctx.Context{Ctx: ctx}, jobId)
			}
		}
	}()
	return func() { close(done) }
}

type missingHandlerError struct{ JobType string }

func (e *missingHandlerError) Error() string {
	return "no handler registered for job_type=" + e.JobType
}

func errFromRecover(v any) error { return &panicError{Val: v} }

// panicError avoids leaking panic internals into job_run.error.
type panicError struct{ Val any }

func (e *panicError) Error() string { return "panic: unexpected error" }
