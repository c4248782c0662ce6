package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/TFMV/quarry/cmd/quarry/config"
	"github.com/TFMV/quarry/pkg/cache"
	"github.com/TFMV/quarry/pkg/infrastructure/metrics"
	"github.com/TFMV/quarry/pkg/infrastructure/pool"
	"github.com/TFMV/quarry/pkg/models"
	"github.com/TFMV/quarry/pkg/repositories"
	"github.com/TFMV/quarry/pkg/repositories/backends"
	"github.com/TFMV/quarry/pkg/services"
)

// engine owns the storage backend, the executors and the caches of one
// CLI invocation.
type engine struct {
	storage repositories.StorageRepository
	router  *services.CachingRouter
	memory  *cache.ResultCache
	disk    *cache.DiskCache
	logger  zerolog.Logger
}

func newEngine(cfg *config.Config, logger zerolog.Logger, collector metrics.Collector) (*engine, error) {
	registry := backends.NewRegistry()

	storage, err := registry.Open(repositories.Config{
		Backend:            cfg.Backend,
		DSN:                cfg.Database,
		ReadOnly:           cfg.ReadOnly,
		Token:              cfg.Token,
		StatementCacheSize: cfg.StatementCacheSize,
		Pool: pool.Config{
			MaxOpenConnections:     cfg.ConnectionPool.MaxOpenConnections,
			MaxIdleConnections:     cfg.ConnectionPool.MaxIdleConnections,
			ConnMaxLifetime:        cfg.ConnectionPool.ConnMaxLifetime,
			ConnMaxIdleTime:        cfg.ConnectionPool.ConnMaxIdleTime,
			HealthCheckPeriod:      cfg.ConnectionPool.HealthCheckPeriod,
			EnableSlowQueryLogging: cfg.ConnectionPool.SlowQueryThreshold > 0,
			SlowQueryThreshold:     cfg.ConnectionPool.SlowQueryThreshold,
		},
		Metrics: collector,
	}, logger.With().Str("component", "storage").Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Backend, err)
	}

	e := &engine{storage: storage, logger: logger}

	var memory services.MemoryCache
	var disk services.DiskCache
	if cfg.Cache.Enabled {
		e.memory = cache.New(cache.DefaultConfig().
			WithMaxEntries(cfg.Cache.MaxEntries).
			WithTTL(cfg.Cache.TTL).
			WithMetrics(collector))
		memory = e.memory

		if cfg.Cache.Disk.Enabled {
			e.disk, err = cache.OpenDisk(cache.DiskConfig{
				Path:       cfg.Cache.Disk.Path,
				MaxEntries: cfg.Cache.Disk.MaxEntries,
				TTL:        cfg.Cache.TTL,
				Metrics:    collector,
			}, logger.With().Str("component", "disk_cache").Logger())
			if err != nil {
				_ = storage.Close()
				return nil, fmt.Errorf("failed to open disk cache: %w", err)
			}
			disk = e.disk
		}
	}

	router := services.NewStorageRouter(storage, newLoggerAdapter(logger, "executor"), collector)
	e.router = services.NewCachingRouter(router, memory, disk, newLoggerAdapter(logger, "cache"))
	return e, nil
}

// Execute runs one request through the caches and executors.
func (e *engine) Execute(ctx context.Context, req *models.ExecutionRequest) (*models.ResultSet, error) {
	return e.router.ExecuteRequest(ctx, req)
}

// Close releases the caches and the storage backend.
func (e *engine) Close() error {
	if e.memory != nil {
		stats := e.memory.Stats()
		e.logger.Debug().
			Uint64("hits", stats.Hits).
			Uint64("misses", stats.Misses).
			Float64("hit_rate", stats.HitRate()).
			Msg("Memory cache statistics")
	}
	if e.disk != nil {
		if err := e.disk.Close(); err != nil {
			e.logger.Error().Err(err).Msg("Error closing disk cache")
		}
	}
	return e.storage.Close()
}
