// Package shutdown gives cmd/worker a context that cancels on SIGINT/SIGTERM.
package shutdown

import (
	"context"
	"os/signal"
	"syscall"
)

// NotifyContext returns a context canceled on SIGINT or SIGTERM, and the
// stop function that must be deferred to release the signal handler.
func NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
