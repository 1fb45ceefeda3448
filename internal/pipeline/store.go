package pipeline

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"drivetest-pipeline/internal/cache"
	"drivetest-pipeline/internal/config"
	"drivetest-pipeline/internal/db"
	"drivetest-pipeline/internal/fetcher"
	"drivetest-pipeline/internal/kvstore"
	"drivetest-pipeline/internal/monitoring"
	"drivetest-pipeline/internal/upstream"
)

// OpenStore opens the durable cache backend named by cfg
func OpenStore(cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		d, err := db.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.BackendPebble:
		s, err := kvstore.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendMemory, "":
		return cache.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// OpenCache opens the configured store and loads it into a cache
func OpenCache(ctx context.Context, cfg config.CacheConfig, logger zerolog.Logger, metrics *monitoring.Metrics) (*cache.Cache, error) {
	store, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s cache store: %w", cfg.Backend, err)
	}
	c, err := cache.Open(ctx, store, cache.Config{
		FlushInterval: cfg.FlushInterval(),
		MaxAge:        cfg.MaxAge(),
	}, logger, metrics)
	if err != nil {
		store.Close()
		return nil, err
	}
	return c, nil
}

// NewFromConfig builds the upstream client and cache from cfg and wires a
// service around them. A nil HTTPClient selects http.DefaultClient.
func NewFromConfig(ctx context.Context, cfg config.Config, hc upstream.HTTPClient, logger zerolog.Logger, metrics *monitoring.Metrics) (*Service, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	client := upstream.New(upstream.Config{
		TelemetryURL: cfg.Upstream.TelemetryURL,
		AnalyticsURL: cfg.Upstream.AnalyticsURL,
		Token:        cfg.Upstream.Token,
		ShortTimeout: cfg.Upstream.ShortTimeout(),
		PageTimeout:  cfg.Upstream.PageTimeout(),
		LongTimeout:  cfg.Upstream.LongTimeout(),
	}, hc, logger)

	c, err := OpenCache(ctx, cfg.Cache, logger, metrics)
	if err != nil {
		return nil, err
	}

	return New(client, c, Options{
		Fetch: fetcher.Config{
			PageSize:  cfg.Fetch.PageSize,
			MaxPages:  cfg.Fetch.MaxPages,
			PageDelay: cfg.Fetch.PageDelay(),
		},
		NeighborConcurrency: cfg.Neighbors.Concurrency,
		Metrics:             metrics,
	}, logger), nil
}
