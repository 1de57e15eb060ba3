// Package sched owns the long-running background tasks: the per-reservation
// code watcher, the provider poll loop and the expiry sweeper. All tasks run
// under a supervised group that recovers panics so one bad cycle never takes
// the process down.
package sched

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/elweshaq/El-WeshaqBot/internal/metrics"
)

// Group supervises background goroutines.
type Group struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// NewGroup creates a task group.
func NewGroup(logger *slog.Logger, m *metrics.Metrics) *Group {
	return &Group{
		logger:  logger.With("component", "sched"),
		metrics: m,
	}
}

// Go runs fn in a supervised goroutine. A panic is logged with its stack and
// counted, never propagated.
func (g *Group) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				g.metrics.Errors.WithLabelValues("sched_panic").Inc()
				g.logger.Error("background task panicked",
					"task", name, "panic", rec, "stack", string(debug.Stack()))
			}
		}()

		if err := fn(ctx); err != nil && ctx.Err() == nil {
			g.metrics.Errors.WithLabelValues("sched").Inc()
			g.logger.Error("background task failed", "task", name, "error", err)
			return
		}
		g.logger.Debug("background task stopped", "task", name)
	}()
}

// Wait blocks until every supervised task has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
