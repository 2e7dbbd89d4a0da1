// Package workgroup wraps errgroup.Group with an optional concurrency cap so
// fan-out call sites (retrieval's parallel node/edge search, the cleanup
// engine's parallel embedding generation) don't each reimplement a semaphore.
package workgroup

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group runs a bounded number of tasks concurrently and returns the first
// non-nil error, cancelling ctx for the rest the way errgroup.WithContext does.
type Group struct {
	eg  *errgroup.Group
	ctx context.Context
}

// New builds a Group derived from ctx. If limit > 0, no more than limit
// goroutines run at once; 0 means unbounded.
func New(ctx context.Context, limit int) (*Group, context.Context) {
	eg, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		eg.SetLimit(limit)
	}
	return &Group{eg: eg, ctx: gctx}, gctx
}

// Go schedules fn, blocking until a slot is free if the group is at its limit.
func (g *Group) Go(fn func() error) {
	g.eg.Go(fn)
}

// Wait blocks until every scheduled fn returns, then returns the first error.
func (g *Group) Wait() error {
	return g.eg.Wait()
}
