package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"patternscan/internal/analysis/patterns"
	"patternscan/internal/backtest"
	"patternscan/internal/cache"
	"patternscan/internal/charts"
	"patternscan/internal/marketdata"
	"patternscan/internal/metrics"
	"patternscan/internal/resilience"
	"patternscan/internal/scan"
	"patternscan/internal/store"
	"patternscan/internal/universe"
	"patternscan/pkg/utils"
)

// services is the wired object graph shared by the commands.
type services struct {
	store     *store.SQLiteStore
	provider  *marketdata.CachedProvider
	universes *universe.Resolver
	cache     cache.Cache
	charts    *charts.Service
	registry  *patterns.Registry
	scanner   *scan.Service
	simulator *backtest.Simulator
	executor  *backtest.Executor
	metrics   *metrics.Recorder
	gatherer  prometheus.Gatherer
}

// services builds the object graph on first use.
func (a *App) services() (*services, error) {
	a.once.Do(func() {
		a.svc, a.svcErr = buildServices(a)
	})
	return a.svc, a.svcErr
}

func buildServices(a *App) (*services, error) {
	cfg := a.Config
	logger := a.Logger

	if err := os.MkdirAll(filepath.Dir(cfg.Data.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.Data.DBPath)
	if err != nil {
		return nil, err
	}

	universes := universe.Builtin()
	if cfg.Universe.File != "" {
		if universes, err = universe.Load(cfg.Universe.File); err != nil {
			db.Close()
			return nil, err
		}
	}

	c, err := cache.New(cfg.Cache)
	if err != nil {
		db.Close()
		return nil, err
	}

	rec := metrics.Default()
	yahoo := marketdata.NewYahooProvider(marketdata.YahooConfig{
		BaseURL: cfg.Data.BaseURL,
		Timeout: cfg.Data.FetchTimeout,
		Retry: utils.RetryConfig{
			MaxAttempts:   cfg.Data.RetryAttempts,
			InitialDelay:  cfg.Data.RetryBaseDelay,
			MaxDelay:      utils.DefaultRetryConfig().MaxDelay,
			BackoffFactor: 2,
		},
		MinInterval: cfg.Data.MinInterval,
		Breaker: resilience.Config{
			FailureThreshold: cfg.Data.BreakerThreshold,
			Cooldown:         cfg.Data.BreakerCooldown,
		},
	}, logger, rec)
	provider := marketdata.NewCachedProvider(yahoo, db, marketdata.CachedConfig{
		MaxStaleDays:  cfg.Data.MaxStaleDays,
		MinRows:       cfg.Data.MinRows,
		PrefetchBatch: cfg.Data.PrefetchBatch,
	}, logger)

	var renderer charts.Renderer
	if cfg.Charts.Enabled {
		renderer = charts.NewHTTPRenderer(cfg.Charts.BaseURL, cfg.Charts.Timeout)
	}
	chartSvc := charts.NewService(renderer, rec, logger)

	registry := patterns.NewRegistry(cfg.VCP.Detector())
	scanner := scan.New(scan.Deps{
		Provider:  provider,
		Registry:  registry,
		Universes: universes,
		Cache:     c,
		Charts:    chartSvc,
		Metrics:   rec,
		Logger:    logger,
	}, cfg.Scan, cfg.Cache, cfg.Universe.Default)

	vcp, err := registry.Lookup(patterns.VCP)
	if err != nil {
		db.Close()
		return nil, err
	}
	sim := backtest.NewSimulator(provider, vcp, backtest.ConfigFrom(cfg.Backtest), logger)
	executor := backtest.NewExecutor(db, sim, universes, backtest.ExecutorConfig{
		ArtifactsRoot: cfg.Backtest.ArtifactsRoot,
		QueueSize:     cfg.Backtest.QueueSize,
	}, rec, logger)

	return &services{
		store:     db,
		provider:  provider,
		universes: universes,
		cache:     c,
		charts:    chartSvc,
		registry:  registry,
		scanner:   scanner,
		simulator: sim,
		executor:  executor,
		metrics:   rec,
		gatherer:  prometheus.DefaultGatherer,
	}, nil
}

// Close releases the database and cache connections.
func (s *services) Close() error {
	cerr := s.cache.Close()
	if err := s.store.Close(); err != nil {
		return err
	}
	return cerr
}
