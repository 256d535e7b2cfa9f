// Package recalc re-prices listings after a ruleset changes. Writes enqueue
// (tenant, listing) tasks once they have committed; a drain evaluates them
// with a bounded worker pool behind a rate limiter, stores each valuation and
// refreshes the breakdown cache.
package recalc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dealbrain/dealbrain/internal/core/cache"
	"github.com/dealbrain/dealbrain/internal/core/store"
	"github.com/dealbrain/dealbrain/internal/types"
	"github.com/dealbrain/dealbrain/internal/valuation"
)

// Config tunes the worker pool.
type Config struct {
	Workers       int
	RatePerSecond float64 // 0 disables throttling
	Burst         int
	CacheTTL      time.Duration
	PageSize      int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Burst <= 0 {
		c.Burst = c.Workers
	}
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	return c
}

// Task re-prices one listing for one tenant. The empty tenant is the
// baseline-only valuation.
type Task struct {
	Tenant    types.TenantID
	ListingID types.ListingID
}

// Selector resolves the rulesets that apply to a tenant.
type Selector interface {
	Selection(ctx context.Context, tenant types.TenantID) (valuation.Selection, error)
}

// Stats reports one drain.
type Stats struct {
	Tasks  int `json:"tasks"`
	Saved  int `json:"saved"`
	Failed int `json:"failed"`
}

// Queue collects tasks and drains them.
type Queue struct {
	store    *store.Store
	engine   *valuation.Engine
	selector Selector
	cache    cache.Cache
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[Task]struct{}
	order   []Task
	notify  chan struct{}
}

// NewQueue wires a queue. c may be nil to skip cache refreshes.
func NewQueue(st *store.Store, engine *valuation.Engine, selector Selector, c cache.Cache, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Queue{
		store:    st,
		engine:   engine,
		selector: selector,
		cache:    c,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		logger:   logger,
		pending:  make(map[Task]struct{}),
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue adds tasks for tenant. A task already pending is not added twice.
func (q *Queue) Enqueue(tenant types.TenantID, ids ...types.ListingID) {
	q.mu.Lock()
	for _, id := range ids {
		t := Task{Tenant: tenant, ListingID: id}
		if _, ok := q.pending[t]; ok {
			continue
		}
		q.pending[t] = struct{}{}
		q.order = append(q.order, t)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pending reports the number of queued tasks.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// RulesetChanged enqueues every listing for each tenant the ruleset
// applies to. A baseline change affects all tenants and the baseline-only
// valuation.
func (q *Queue) RulesetChanged(ctx context.Context, id types.RulesetID) {
	if err := q.EnqueueRuleset(ctx, id); err != nil {
		q.logger.Error("failed to enqueue recalculation", "ruleset_id", id, "error", err)
	}
}

// EnqueueRuleset is RulesetChanged returning the error instead of logging it.
func (q *Queue) EnqueueRuleset(ctx context.Context, id types.RulesetID) error {
	rs, err := q.store.GetRuleset(ctx, id)
	if err != nil {
		return err
	}
	var tenants []types.TenantID
	if rs.IsBaseline() {
		all, err := q.store.ListTenants(ctx)
		if err != nil {
			return err
		}
		tenants = append([]types.TenantID{""}, all...)
	} else {
		if tenants, err = q.store.TenantsForRuleset(ctx, id); err != nil {
			return err
		}
	}
	if len(tenants) == 0 {
		return nil
	}

	for offset := 0; ; offset += q.cfg.PageSize {
		ids, err := q.store.ListListingIDs(ctx, q.cfg.PageSize, offset)
		if err != nil {
			return err
		}
		for _, t := range tenants {
			q.Enqueue(t, ids...)
		}
		if len(ids) < q.cfg.PageSize {
			break
		}
	}
	q.logger.Info("recalculation enqueued", "ruleset_id", id, "tenants", len(tenants), "pending", q.Pending())
	return nil
}

// Run drains the queue whenever tasks arrive until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
			if _, err := q.Drain(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("recalculation drain failed", "error", err)
			}
		}
	}
}

func (q *Queue) take() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.order
	q.order = nil
	q.pending = make(map[Task]struct{})
	return tasks
}

// Drain processes every task pending at call time. A task that fails, or
// whose tenant's rulesets cannot be loaded, is logged and counted; only a
// context error stops the drain early, and unstarted tasks are requeued.
func (q *Queue) Drain(ctx context.Context) (Stats, error) {
	tasks := q.take()
	stats := Stats{Tasks: len(tasks)}
	if len(tasks) == 0 {
		return stats, nil
	}
	start := time.Now()

	// A tenant whose plan cannot be built fails all of its tasks; the
	// other tenants still drain.
	plans := make(map[types.TenantID]*valuation.Plan)
	broken := make(map[types.TenantID]bool)
	for _, t := range tasks {
		if plans[t.Tenant] != nil || broken[t.Tenant] {
			continue
		}
		p, err := q.plan(ctx, t.Tenant)
		if err != nil {
			if ctx.Err() != nil {
				q.requeue(tasks)
				return Stats{}, ctx.Err()
			}
			broken[t.Tenant] = true
			q.logger.Error("recalculation plan failed", "tenant", t.Tenant, "error", err)
			continue
		}
		plans[t.Tenant] = p
	}
	runnable := tasks[:0:0]
	for _, t := range tasks {
		if broken[t.Tenant] {
			stats.Failed++
			continue
		}
		runnable = append(runnable, t)
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(int64(q.cfg.Workers))
	)
	for i, t := range runnable {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Keep what was not started for the next drain.
			q.requeue(runnable[i:])
			break
		}
		wg.Add(1)
		go func(t Task) {
			defer sem.Release(1)
			defer wg.Done()
			err := q.process(ctx, t, plans[t.Tenant])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				q.logger.Warn("recalculation failed", "tenant", t.Tenant, "listing_id", t.ListingID, "error", err)
				return
			}
			stats.Saved++
		}(t)
	}
	wg.Wait()

	q.logger.Info("recalculation drained",
		"tasks", stats.Tasks,
		"saved", stats.Saved,
		"failed", stats.Failed,
		"elapsed", time.Since(start))
	return stats, ctx.Err()
}

func (q *Queue) plan(ctx context.Context, tenant types.TenantID) (*valuation.Plan, error) {
	sel, err := q.selector.Selection(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenant, err)
	}
	p, err := q.engine.Plan(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenant, err)
	}
	return p, nil
}

func (q *Queue) requeue(tasks []Task) {
	for _, t := range tasks {
		q.Enqueue(t.Tenant, t.ListingID)
	}
}

func (q *Queue) process(ctx context.Context, t Task, p *valuation.Plan) error {
	if err := q.limiter.Wait(ctx); err != nil {
		return err
	}
	b, err := q.engine.EvaluateListing(ctx, p, t.ListingID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode breakdown: %w", err)
	}
	err = q.store.SaveValuation(ctx, &store.Valuation{
		ListingID:            t.ListingID,
		TenantID:             t.Tenant,
		BaselineRulesetID:    b.BaselineRulesetID,
		CustomerRulesetID:    b.CustomerRulesetID,
		AdjustedPriceCents:   b.AdjustedPriceCents,
		TotalAdjustmentCents: b.TotalAdjustmentCents,
		ErrorCount:           b.ErrorCount,
		Breakdown:            string(raw),
	})
	if err != nil {
		return err
	}
	if q.cache != nil {
		if err := q.cache.Set(ctx, cache.BreakdownKey(t.Tenant, t.ListingID), raw, q.cfg.CacheTTL); err != nil {
			q.logger.Warn("breakdown cache refresh failed", "listing_id", t.ListingID, "error", err)
		}
	}
	return nil
}
