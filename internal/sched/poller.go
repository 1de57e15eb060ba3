package sched

import (
	"context"
	"log/slog"
	"time"

	"github.com/elweshaq/El-WeshaqBot/internal/ingest"
	"github.com/elweshaq/El-WeshaqBot/internal/metrics"
	"github.com/elweshaq/El-WeshaqBot/internal/provider"
	"github.com/elweshaq/El-WeshaqBot/internal/repo"
)

// PollerConfig holds provider polling settings.
type PollerConfig struct {
	// Interval is the base tick and the default per-provider cadence.
	Interval time.Duration
	// Timeout bounds each provider API call.
	Timeout time.Duration
}

// Poller drives poll-mode providers: on each due tick it fetches the
// provider's message feed and hands every message to the ingest pipeline.
// Providers are isolated from each other; one failing feed only logs.
type Poller struct {
	store     repo.Store
	processor *ingest.Processor
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       PollerConfig

	// lastPoll tracks per-provider due times and high-water marks.
	lastPoll map[int64]time.Time
}

// NewPoller creates a provider poller.
func NewPoller(store repo.Store, processor *ingest.Processor, m *metrics.Metrics, logger *slog.Logger, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Poller{
		store:     store,
		processor: processor,
		metrics:   m,
		logger:    logger.With("component", "poller"),
		cfg:       cfg,
		lastPoll:  map[int64]time.Time{},
	}
}

// Run loops until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one cycle over all active poll-mode providers that are due.
func (p *Poller) Poll(ctx context.Context) {
	providers, err := p.store.ListActiveProviders(ctx, repo.ProviderPoll)
	if err != nil {
		p.metrics.Errors.WithLabelValues("poller").Inc()
		p.logger.Error("list providers failed", "error", err)
		return
	}

	now := time.Now()
	for _, rec := range providers {
		interval := p.cfg.Interval
		if rec.PollIntervalSec > 0 {
			interval = time.Duration(rec.PollIntervalSec) * time.Second
		}
		last, polled := p.lastPoll[rec.ID]
		if polled && now.Sub(last) < interval {
			continue
		}

		if err := p.pollProvider(ctx, rec, last); err != nil {
			p.metrics.Errors.WithLabelValues("poller").Inc()
			p.logger.Error("provider poll failed", "provider", rec.Name, "error", err)
			continue
		}
		p.lastPoll[rec.ID] = now
	}
}

func (p *Poller) pollProvider(ctx context.Context, rec repo.Provider, since time.Time) error {
	client := provider.FromRecord(rec, p.cfg.Timeout, p.logger, p.metrics)

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	msgs, err := client.Messages(callCtx, since)
	if err != nil {
		return err
	}

	source := "provider:" + rec.Name
	for _, msg := range msgs {
		if err := p.processor.HandleProviderMessage(ctx, source, msg); err != nil {
			p.logger.Error("provider message failed", "provider", rec.Name, "error", err)
		}
	}
	return nil
}
