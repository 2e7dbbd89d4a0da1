// Command worker hosts the job scheduler process: it wires every component
// via internal/app, starts the handler registry's worker pool, and drains
// in-flight jobs cleanly on SIGINT/SIGTERM. A single process hosts all six
// job handlers; there is no separate binary per job type.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brightloom-ai/episodic/internal/app"
	"github.com/brightloom-ai/episodic/internal/platform/envutil"
	"github.com/brightloom-ai/episodic/internal/platform/shutdown"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := shutdown.NotifyContext(context.Background())
	defer stop()

	a.Log.Info("starting episodic job worker")
	a.Start(ctx)

	<-ctx.Done()
	a.Log.Info("shutdown signal received, draining in-flight jobs")

	drain := time.Duration(envutil.GetInt("SHUTDOWN_DRAIN_SECONDS", 30, a.Log)) * time.Second
	time.Sleep(drain)
	a.Log.Info("drain window elapsed, exiting")
}
