package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/elweshaq/El-WeshaqBot/internal/engine"
	"github.com/elweshaq/El-WeshaqBot/internal/metrics"
	"github.com/elweshaq/El-WeshaqBot/internal/repo"
)

// Sweeper periodically expires reservations whose deadline passed without a
// code. It is the backstop behind the per-reservation watcher: even when a
// watcher dies with the process, the sweeper settles the reservation after
// restart.
type Sweeper struct {
	manager  *engine.Manager
	store    repo.Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

// NewSweeper creates a sweeper.
func NewSweeper(manager *engine.Manager, m *metrics.Metrics, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		manager:  manager,
		store:    manager.Store(),
		metrics:  m,
		logger:   logger.With("component", "sweeper"),
		interval: interval,
		batch:    100,
	}
}

// Run loops until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.metrics.Errors.WithLabelValues("sweeper").Inc()
				s.logger.Error("sweep cycle failed", "error", err)
			}
		}
	}
}

// Sweep runs one expiry pass and returns how many reservations it settled.
// A reservation that completes between the query and the conditional update
// is skipped, not double-settled.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	overdue, err := s.store.ListExpiredReservations(ctx, time.Now(), s.batch)
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}

	swept := 0
	for _, res := range overdue {
		won, err := s.manager.Expire(ctx, res.ID)
		if err != nil {
			s.logger.Error("expire failed", "reservation_id", res.ID, "error", err)
			continue
		}
		if won {
			swept++
		}
	}

	if swept > 0 {
		s.metrics.SweptReservations.Add(float64(swept))
		s.logger.Info("swept expired reservations", "count", swept)
	}
	return swept, nil
}
