package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/elweshaq/El-WeshaqBot/internal/cache"
	"github.com/elweshaq/El-WeshaqBot/internal/config"
	"github.com/elweshaq/El-WeshaqBot/internal/engine"
	"github.com/elweshaq/El-WeshaqBot/internal/httpserver"
	"github.com/elweshaq/El-WeshaqBot/internal/ingest"
	"github.com/elweshaq/El-WeshaqBot/internal/logging"
	"github.com/elweshaq/El-WeshaqBot/internal/metrics"
	"github.com/elweshaq/El-WeshaqBot/internal/provider"
	"github.com/elweshaq/El-WeshaqBot/internal/repo"
	"github.com/elweshaq/El-WeshaqBot/internal/sched"
	"github.com/elweshaq/El-WeshaqBot/internal/security"
	"github.com/elweshaq/El-WeshaqBot/internal/session"
	"github.com/elweshaq/El-WeshaqBot/internal/wa"
	"github.com/elweshaq/El-WeshaqBot/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting number rental service", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed", "error", err)
	}
	sessions := session.New(redisClient, cfg.AdminSessionTTL)

	waClient, err := wa.New(ctx, wa.Config{
		StorePath: cfg.WhatsAppStorePath,
		LogLevel:  cfg.WhatsAppLogLevel,
		Metrics:   metricRegistry,
	}, logger)
	if err != nil {
		return fmt.Errorf("init whatsapp client: %w", err)
	}
	defer waClient.Close()

	notifier := wa.NewNotifier(waClient, cfg.AdminChatID)
	manager := engine.New(store, notifier, metricRegistry, logger, engine.Config{
		ReservationTimeout: cfg.ReservationTimeout,
	})

	secCfg := security.Config{
		DefaultSecret: cfg.HMACSecret,
		Window:        cfg.TimestampWindow,
		Members:       waClient,
	}
	processor := ingest.New(store, manager, secCfg, metricRegistry, logger)
	waClient.SetGroupMessageProcessor(processor)

	webhookHandler := provider.NewWebhookHandler(logger, metricRegistry,
		cfg.WebhookUsernameMD5, cfg.WebhookPasswordMD5, processor)

	tasks := sched.NewGroup(logger, metricRegistry)

	watcher := sched.NewWatcher(manager, metricRegistry, logger, sched.WatcherConfig{
		Grace:    cfg.WatchGrace,
		Interval: cfg.WatchInterval,
	})
	manager.OnReserved(func(res *repo.Reservation) {
		id := res.ID
		tasks.Go(ctx, fmt.Sprintf("watcher-%d", id), func(ctx context.Context) error {
			watcher.Watch(ctx, id)
			return nil
		})
	})

	poller := sched.NewPoller(store, processor, metricRegistry, logger, sched.PollerConfig{
		Interval: cfg.PollInterval,
		Timeout:  cfg.ProviderAPITimeout,
	})
	tasks.Go(ctx, "poller", poller.Run)

	sweeper := sched.NewSweeper(manager, metricRegistry, logger, cfg.SweepInterval)
	tasks.Go(ctx, "sweeper", sweeper.Run)

	waCtx, waCancel := context.WithCancel(ctx)
	defer waCancel()
	go func() {
		if err := waClient.Start(waCtx); err != nil {
			logger.Error("whatsapp client stopped", "error", err)
			stop()
		}
	}()

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Handlers{
		ProviderWebhook: webhookHandler,
	}, cfg.PublicBasePath)
	httpSrv.SetDependencies(httpserver.Dependencies{
		Store:    store,
		Manager:  manager,
		Sessions: sessions,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	tasks.Wait()

	return nil
}

// openStore picks the backend from the DSN: anything that looks like a
// Postgres URL uses the pool-backed store, everything else is treated as a
// local SQLite path.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Store, error) {
	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		return repo.NewPostgres(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	}
	return repo.NewSQLite(ctx, cfg.DatabaseURL, logger)
}
