package main

import (
	"context"
	"fmt"

	"github.com/savegress/complycore/internal/alerts"
	"github.com/savegress/complycore/internal/audit"
	"github.com/savegress/complycore/internal/cache"
	"github.com/savegress/complycore/internal/config"
	"github.com/savegress/complycore/internal/deadlines"
	"github.com/savegress/complycore/internal/investigations"
	"github.com/savegress/complycore/internal/logging"
	"github.com/savegress/complycore/internal/metrics"
	"github.com/savegress/complycore/internal/orchestrator"
	"github.com/savegress/complycore/internal/reports"
	"github.com/savegress/complycore/internal/risk"
	"github.com/savegress/complycore/internal/screening"
	"github.com/savegress/complycore/internal/storage"
	"github.com/savegress/complycore/internal/structuring"
	"github.com/savegress/complycore/internal/tenants"
	"github.com/savegress/complycore/internal/webhooks"
	"go.uber.org/zap"
)

// app holds the wired components of one process
type app struct {
	cfg     *config.Config
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	store    storage.Store
	postgres *storage.Postgres
	cache    *cache.Cache
	configs  *tenants.Provider

	audit      *audit.Logger
	dispatcher *webhooks.Dispatcher

	orchestrator *orchestrator.Orchestrator
	monitor      *deadlines.Monitor
}

// newApp connects infrastructure and wires the compliance components.
// perRun memoizes tenant configs for the lifetime of the process, which
// suits single-shot commands.
func newApp(ctx context.Context, cfg *config.Config, perRun bool) (*app, error) {
	logger, err := logging.New(cfg.Server.Environment, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	if cfg.Database.URL != "" {
		pg, err := storage.NewPostgres(ctx, cfg.Database.URL, int32(cfg.Database.MaxConns))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.postgres = pg
		a.store = pg
	} else {
		logger.Warnw("No database configured, using in-memory store")
		a.store = storage.NewMemory()
	}

	a.cache, err = cache.New(&cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Enabled:  cfg.Redis.Enabled,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	var configCache tenants.Cache
	var seq alerts.Sequencer = a.store
	if a.cache.IsEnabled() {
		configCache = a.cache
		seq = a.cache
	}
	a.configs = tenants.NewProvider(a.store, configCache, cfg.RegionalDefaults, logger)

	var configs tenants.ConfigSource = a.configs
	if perRun {
		configs = tenants.NewPerInvocation(a.configs)
	}

	var publisher webhooks.Publisher
	if cfg.Kafka.Enabled {
		publisher = webhooks.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}
	a.dispatcher = webhooks.NewDispatcher(a.store, publisher, webhooks.Config{
		Workers:    cfg.Webhooks.Workers,
		QueueSize:  cfg.Webhooks.QueueSize,
		Timeout:    cfg.Webhooks.Timeout,
		RatePerSec: cfg.Webhooks.RatePerSec,
		Burst:      cfg.Webhooks.Burst,
	}, a.metrics, logger)
	a.audit = audit.NewLogger(a.store, 1024, a.metrics, logger)

	screener := screening.NewScreener(cfg.Screening.MatchThreshold, logger)
	if cfg.Screening.WatchlistPath != "" {
		if err := screener.LoadFile(cfg.Screening.WatchlistPath); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to load watchlist: %w", err)
		}
	}

	alertEngine := alerts.NewEngine(a.store, seq, configs, a.audit, a.dispatcher, a.metrics, logger)
	reportGen := reports.NewGenerator(a.store, a.audit, a.dispatcher, a.metrics, logger)
	edd := investigations.NewService(a.store, a.audit, a.dispatcher, a.metrics, logger)

	a.orchestrator = orchestrator.New(orchestrator.Deps{
		Store:          a.store,
		Configs:        configs,
		Screener:       screener,
		Scorer:         risk.NewScorer(),
		Detector:       structuring.NewDetector(a.store, logger),
		Alerts:         alertEngine,
		Reports:        reportGen,
		Investigations: edd,
		Events:         a.dispatcher,
	}, orchestrator.Config{
		Workers:   cfg.Batch.Workers,
		QueueSize: cfg.Batch.QueueSize,
	}, a.metrics, logger)

	a.monitor = deadlines.NewMonitor(a.store, alertEngine, edd, configs, a.dispatcher, cfg.Deadlines.Concurrency, a.metrics, logger)

	return a, nil
}

// Start launches the background audit writer and webhook workers. They run
// on their own context so Stop can drain them after a shutdown signal.
func (a *app) Start() error {
	ctx := context.Background()
	if err := a.audit.Start(ctx); err != nil {
		return fmt.Errorf("failed to start audit logger: %w", err)
	}
	if err := a.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start webhook dispatcher: %w", err)
	}
	return nil
}

// Stop drains the background workers
func (a *app) Stop() {
	a.dispatcher.Stop()
	a.audit.Stop()
}

// Close releases connections
func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warnw("Failed to close cache", "error", err)
		}
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	a.logger.Sync()
}
