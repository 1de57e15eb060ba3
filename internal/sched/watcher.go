package sched

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/elweshaq/El-WeshaqBot/internal/engine"
	"github.com/elweshaq/El-WeshaqBot/internal/extract"
	"github.com/elweshaq/El-WeshaqBot/internal/metrics"
	"github.com/elweshaq/El-WeshaqBot/internal/repo"
)

// WatcherConfig holds the cadence of the per-reservation watcher.
type WatcherConfig struct {
	// Grace is the delay before the first search; most codes take a while.
	Grace time.Duration
	// Interval separates search attempts after the grace period.
	Interval time.Duration
	// MaxAttempts bounds the number of searches per reservation.
	MaxAttempts int
	// Lookback bounds how far into the audit trail a search reaches.
	Lookback time.Duration
}

func (c WatcherConfig) withDefaults() WatcherConfig {
	if c.Grace <= 0 {
		c.Grace = 15 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 50
	}
	if c.Lookback <= 0 {
		c.Lookback = time.Hour
	}
	return c
}

// Watcher is the safety net behind live message handling: it re-reads the
// recent audit trail for a reservation's number in case the code arrived
// before the reservation existed or the live path missed it.
type Watcher struct {
	manager *engine.Manager
	store   repo.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     WatcherConfig
}

// NewWatcher creates a watcher.
func NewWatcher(manager *engine.Manager, m *metrics.Metrics, logger *slog.Logger, cfg WatcherConfig) *Watcher {
	return &Watcher{
		manager: manager,
		store:   manager.Store(),
		metrics: m,
		logger:  logger.With("component", "watcher"),
		cfg:     cfg.withDefaults(),
	}
}

// Watch follows one reservation until it reaches a final state, the attempt
// budget runs out or ctx is canceled. Safe to run as a goroutine per
// reservation; completion itself is idempotent.
func (w *Watcher) Watch(ctx context.Context, reservationID int64) {
	if !w.sleep(ctx, w.cfg.Grace) {
		return
	}

	for attempt := 0; attempt < w.cfg.MaxAttempts; attempt++ {
		outcome, done := w.scan(ctx, reservationID)
		w.metrics.WatcherRuns.WithLabelValues(outcome).Inc()
		if done {
			return
		}
		if !w.sleep(ctx, w.cfg.Interval) {
			return
		}
	}
	w.logger.Info("watcher exhausted attempts", "reservation_id", reservationID)
}

// scan runs one search cycle. done reports that the watcher should stop.
func (w *Watcher) scan(ctx context.Context, reservationID int64) (outcome string, done bool) {
	res, err := w.store.GetReservation(ctx, reservationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "gone", true
		}
		w.logger.Error("watcher reservation read failed", "reservation_id", reservationID, "error", err)
		return "error", false
	}
	if res.Status != repo.ReservationWaitingCode {
		return "settled", true
	}

	number, err := w.store.GetNumber(ctx, res.NumberID)
	if err != nil {
		w.logger.Error("watcher number read failed", "number_id", res.NumberID, "error", err)
		return "error", false
	}

	since := time.Now().Add(-w.cfg.Lookback)
	msgs, err := w.store.SearchRecentMessages(ctx, res.ServiceID, number.PhoneNumber, since, 50)
	if err != nil {
		w.logger.Error("watcher search failed", "reservation_id", reservationID, "error", err)
		return "error", false
	}

	extractor := extract.New(w.servicePattern(ctx, res.ServiceID))
	for _, msg := range msgs {
		phone, code := extractor.Extract(msg.Text)
		if code == "" || (phone != "" && phone != number.PhoneNumber) {
			continue
		}

		result, err := w.manager.Complete(ctx, res.ID, code)
		if err != nil {
			w.logger.Error("watcher completion failed", "reservation_id", res.ID, "error", err)
			return "error", false
		}
		w.logger.Info("watcher matched code",
			"reservation_id", res.ID, "number", number.PhoneNumber, "result", result.String())
		return "matched", true
	}
	return "no_match", false
}

// servicePattern returns the service's configured fallback extraction pattern
// so the watcher extracts the same way live group ingestion does. Empty means
// the default.
func (w *Watcher) servicePattern(ctx context.Context, serviceID int64) string {
	groups, err := w.store.ListServiceGroups(ctx, serviceID)
	if err != nil {
		w.logger.Warn("group pattern lookup failed", "service_id", serviceID, "error", err)
		return ""
	}
	for _, group := range groups {
		if group.RegexPattern != "" {
			return group.RegexPattern
		}
	}
	return ""
}

func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
