// Command fuzz replays the example scenarios against a running ledger
// server from several workers at once. Isolation failures mean a trace
// picked up entries from another request.
package main

import (
	"context"
	"flag"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chosenoffset/pagetrace/pagetrace-example/internal/scenario"
)

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base URL")
	workers := flag.Int("workers", 8, "concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "how long to run")
	flag.Parse()

	zapLog, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	logger := zapr.NewLogger(zapLog).WithName("fuzz")
	defer func() { _ = zapLog.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	client := &http.Client{Timeout: 5 * time.Second}
	failures := run(ctx, logger, client, *baseURL, *workers, scenario.All())
	if failures > 0 {
		os.Exit(1)
	}
}

// run keeps every worker replaying random scenarios until ctx ends and
// returns the number of failed runs.
func run(ctx context.Context, logger logr.Logger, client *http.Client, baseURL string, workers int, scenarios []scenario.Scenario) int64 {
	var runs, failures atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				sc := scenarios[rand.IntN(len(scenarios))]
				runs.Add(1)
				if err := sc.Run(ctx, client, baseURL); err != nil && ctx.Err() == nil {
					failures.Add(1)
					logger.Error(err, "scenario failed", "scenario", sc.Name(), "worker", w)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("done", "runs", runs.Load(), "failures", failures.Load())
	return failures.Load()
}
