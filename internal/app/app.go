// Package app assembles the leadpulse services from configuration. The
// server, the ingest worker and the reconcile tool share it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/radiusdt/leadpulse/internal/analytics"
	"github.com/radiusdt/leadpulse/internal/archive"
	"github.com/radiusdt/leadpulse/internal/config"
	"github.com/radiusdt/leadpulse/internal/database"
	"github.com/radiusdt/leadpulse/internal/geo"
	"github.com/radiusdt/leadpulse/internal/httpserver"
	"github.com/radiusdt/leadpulse/internal/metrics"
	"github.com/radiusdt/leadpulse/internal/reporting"
	"github.com/radiusdt/leadpulse/internal/storage"
	"github.com/radiusdt/leadpulse/internal/tracking"
	"go.uber.org/zap"
)

// Options switch off the parts a binary does not need.
type Options struct {
	// NoArchive skips the ClickHouse archive even when it is configured.
	NoArchive bool
	// NoGeo skips the GeoIP database even when it is configured.
	NoGeo bool
}

// App holds the wired services.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Stores     storage.Stores
	Aggregator *analytics.Aggregator
	Journeys   *analytics.JourneyReconstructor
	Tracking   *tracking.Service
	Reporting  *reporting.Service

	// Archive is nil when the archive is disabled.
	Archive *archive.Writer
	Health  map[string]httpserver.HealthCheck

	closers []func() error
}

// New connects the configured backends and builds the services on top of
// them. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewMetrics("leadpulse"),
		Health:  make(map[string]httpserver.HealthCheck),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}

	var archiver tracking.Archiver
	if cfg.ClickHouse.Enabled && !opts.NoArchive {
		w, err := a.openArchive(ctx)
		if err != nil {
			return nil, err
		}
		a.Archive = w
		archiver = w
	}

	var resolver tracking.CountryResolver
	if cfg.Geo.Enabled && !opts.NoGeo {
		provider, err := geo.NewMaxMindProvider(cfg.Geo.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open geoip database: %w", err)
		}
		r := geo.NewResolver(provider, cfg.Geo.CacheSize, cfg.Geo.CacheTTL, a.Metrics)
		a.closers = append(a.closers, r.Close)
		resolver = r
		logger.Info("GeoIP enabled", zap.String("path", cfg.Geo.DatabasePath))
	}

	a.Aggregator = analytics.NewAggregator(a.Stores, cfg.Storage.Timeout, a.Metrics, logger)
	a.Journeys = analytics.NewJourneyReconstructor(a.Stores.Events, cfg.Storage.Timeout, cfg.Report.JourneyConcurrency, a.Metrics, logger)
	a.Tracking = tracking.NewService(a.Aggregator, archiver, resolver, a.Metrics, logger)
	a.Reporting = reporting.NewService(a.Stores, a.Aggregator, a.Journeys, reporting.Options{
		LeadLimit:    cfg.Report.LeadLimit,
		PathLimit:    cfg.Report.PathLimit,
		StoreTimeout: cfg.Storage.Timeout,
		Timeout:      cfg.Report.Timeout,
	}, a.Metrics, logger)

	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		rdb, err := database.NewRedisDB(ctx, cfg.Redis, a.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rdb.Close)
		a.Health["redis"] = rdb.Health
		a.Stores = rdb.Stores(cfg.Storage.CASAttempts, cfg.Storage.LockLease, a.Metrics.RecordCASConflict)

	case config.BackendPostgres:
		db, err := database.NewPostgresDB(ctx, cfg.Database, a.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { db.Close(); return nil })
		a.Health["postgres"] = db.Health
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		a.Stores = db.Stores()

	default:
		a.Logger.Warn("using in-memory storage; data is lost on restart")
		a.Stores = storage.NewMemoryStores()
	}

	a.Logger.Info("storage ready", zap.String("backend", cfg.Storage.Backend))
	return nil
}

func (a *App) openArchive(ctx context.Context) (*archive.Writer, error) {
	cfg := a.Config.ClickHouse
	ch, err := database.NewClickHouseDB(ctx, cfg, a.Logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, ch.Close)
	a.Health["clickhouse"] = ch.Health

	sink, err := ch.Archive(ctx, cfg.Table)
	if err != nil {
		return nil, fmt.Errorf("prepare archive table: %w", err)
	}
	return archive.NewWriter(sink, cfg.BufferSize, cfg.BatchSize, cfg.FlushInterval, a.Metrics, a.Logger), nil
}

// RunArchive flushes the archive until ctx is done. It returns at once when
// the archive is disabled.
func (a *App) RunArchive(ctx context.Context) {
	if a.Archive == nil {
		return
	}
	a.Archive.Run(ctx)
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
