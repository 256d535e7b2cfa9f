package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/dealbrain/dealbrain/internal/baseline"
	"github.com/dealbrain/dealbrain/internal/core/cache"
	"github.com/dealbrain/dealbrain/internal/core/config"
	"github.com/dealbrain/dealbrain/internal/core/db"
	"github.com/dealbrain/dealbrain/internal/core/store"
	"github.com/dealbrain/dealbrain/internal/formula"
	"github.com/dealbrain/dealbrain/internal/packaging"
	"github.com/dealbrain/dealbrain/internal/preview"
	"github.com/dealbrain/dealbrain/internal/recalc"
	"github.com/dealbrain/dealbrain/internal/valuation"
)

// app holds the services every subcommand draws from.
type app struct {
	pool      *sqlx.DB
	store     *store.Store
	engine    *valuation.Engine
	valuation *valuation.Service
	baseline  *baseline.Service
	packaging *packaging.Service
	preview   *preview.Service
	queue     *recalc.Queue
	cache     cache.Cache
	closers   []func() error
}

// openDB connects to the configured database.
func openDB(ctx context.Context) (*sqlx.DB, error) {
	pool, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return pool, nil
}

// openApp connects, checks the schema is current and wires the services.
func openApp(ctx context.Context) (*app, error) {
	pool, err := openDB(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{pool: pool, closers: []func() error{pool.Close}}

	statuses, err := db.MigrateStatus(ctx, pool)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to check migrations: %w", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			a.Close()
			return nil, fmt.Errorf("migration %s not applied - run 'dealbrain migrate' first", s.ID)
		}
	}

	if a.store, err = store.New(pool); err != nil {
		a.Close()
		return nil, err
	}
	fc, err := formula.NewCompiler(formula.WithStepBudget(cfg.Valuation.FormulaStepBudget))
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.cache, err = openCache(ctx, cfg.Cache); err != nil {
		a.Close()
		return nil, err
	}
	if r, ok := a.cache.(*cache.Redis); ok {
		a.closers = append(a.closers, r.Close)
	}

	a.engine = valuation.NewEngine(a.store, a.store, fc, logger)
	a.valuation = valuation.NewService(a.store, a.engine, logger)
	a.baseline = baseline.NewService(a.store, fc, logger)
	a.packaging = packaging.NewService(a.store, fc, logger)
	a.preview = preview.NewService(a.engine, a.store, a.store, a.valuation, preview.Config{
		Concurrency: cfg.Valuation.PreviewConcurrency,
		Timeout:     cfg.Valuation.PreviewTimeout,
		SampleSize:  cfg.Valuation.PreviewMaxSample,
	}, logger)
	a.queue = recalc.NewQueue(a.store, a.engine, a.valuation, a.cache, recalc.Config{
		Workers:       cfg.Recalc.Concurrency,
		RatePerSecond: cfg.Recalc.RatePerSecond,
		CacheTTL:      cfg.Cache.TTL,
		PageSize:      cfg.Recalc.BatchSize,
	}, logger)
	a.valuation.SetListener(a.queue)
	return a, nil
}

// openCache returns the Redis cache when an address is configured and an
// in-process cache otherwise.
func openCache(ctx context.Context, c config.CacheConfig) (cache.Cache, error) {
	if c.RedisAddr == "" {
		return cache.NewMemory(), nil
	}
	r := cache.NewRedis(c.RedisAddr, config.RedisPassword(), c.RedisDB, c.Prefix)
	if err := r.Ping(ctx); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", c.RedisAddr, err)
	}
	logger.Info("breakdown cache on redis", "addr", c.RedisAddr, "db", c.RedisDB)
	return r, nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
