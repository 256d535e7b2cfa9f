// Package preview measures the effect of an unsaved rule change on a sample
// of listings. The change is applied to an in-memory copy of the rule tree;
// nothing is written.
package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dealbrain/dealbrain/internal/types"
	"github.com/dealbrain/dealbrain/internal/valuation"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultConcurrency = 8
	DefaultTimeout     = 10 * time.Second
	DefaultSampleSize  = 100
	MaxListings        = 1000
)

// Config bounds a preview run.
type Config struct {
	Concurrency int
	Timeout     time.Duration
	SampleSize  int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SampleSize <= 0 {
		c.SampleSize = DefaultSampleSize
	}
	return c
}

// Listings loads listing snapshots and picks a sample when the caller names
// none.
type Listings interface {
	Listing(ctx context.Context, id types.ListingID) (types.Listing, error)
	SampleListingIDs(ctx context.Context, n int) ([]types.ListingID, error)
}

// Selector resolves the rulesets that apply to a tenant.
type Selector interface {
	Selection(ctx context.Context, tenant types.TenantID) (valuation.Selection, error)
}

// Change is the unsaved edit to preview. Exactly one field is set.
type Change struct {
	// Rule is inserted, or replaces the rule with the same ID. A rule
	// without an ID is new and goes into Rule.GroupID.
	Rule *types.Rule `json:"rule,omitempty"`

	// Group replaces the group with the same ID, rules included, or is
	// added to the ruleset named by its RulesetID.
	Group *types.GroupTree `json:"group,omitempty"`

	// DeleteRuleID removes a rule.
	DeleteRuleID types.RuleID `json:"delete_rule_id,omitempty"`
}

// Request describes one preview.
type Request struct {
	Tenant types.TenantID `json:"tenant"`

	// Selection overrides the tenant's rulesets when either id is set.
	Selection valuation.Selection `json:"selection"`

	Change     Change            `json:"change"`
	ListingIDs []types.ListingID `json:"listing_ids,omitempty"`
}

// ListingResult is one listing's before and after price.
type ListingResult struct {
	ListingID   types.ListingID `json:"listing_id"`
	BeforeCents int64           `json:"before_cents"`
	AfterCents  int64           `json:"after_cents"`
	DeltaCents  int64           `json:"delta_cents"`
	Matched     bool            `json:"matched"`
	Errors      int             `json:"errors"`
	Error       string          `json:"error,omitempty"`
}

// Stats summarizes per-listing deltas in dollars.
type Stats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Total  float64 `json:"total"`
}

// Summary is the outcome of a preview.
type Summary struct {
	Selection  valuation.Selection `json:"selection"`
	Listings   int                 `json:"listings"`
	Matched    int                 `json:"matched"`
	MatchRate  float64             `json:"match_rate"`
	Delta      Stats               `json:"delta"`
	ErrorCount int                 `json:"error_count"`
	Results    []ListingResult     `json:"results"`
	Elapsed    time.Duration       `json:"elapsed"`
}

// Service runs previews.
type Service struct {
	engine   *valuation.Engine
	trees    valuation.RulesetSource
	listings Listings
	selector Selector
	cfg      Config
	logger   *slog.Logger
}

// NewService wires a preview service.
func NewService(engine *valuation.Engine, trees valuation.RulesetSource, listings Listings, selector Selector, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:   engine,
		trees:    trees,
		listings: listings,
		selector: selector,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Preview evaluates the listings against the current rules and against the
// rules with req.Change applied. The whole run must finish within the
// configured timeout.
func (s *Service) Preview(ctx context.Context, req Request) (*Summary, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	sel := req.Selection
	if sel.BaselineRulesetID == "" && sel.CustomerRulesetID == "" {
		var err error
		if sel, err = s.selector.Selection(ctx, req.Tenant); err != nil {
			return nil, err
		}
	}
	if err := s.check(req.Change); err != nil {
		return nil, err
	}
	baseline, customer, err := s.load(ctx, sel)
	if err != nil {
		return nil, err
	}
	before := s.engine.PlanTrees(baseline, customer)

	nb, nc := cloneTree(baseline), cloneTree(customer)
	tgt, err := applyChange(req.Change, nb, nc)
	if err != nil {
		return nil, err
	}
	after := s.engine.PlanTrees(nb, nc)

	ids := req.ListingIDs
	if len(ids) == 0 {
		if ids, err = s.listings.SampleListingIDs(ctx, s.cfg.SampleSize); err != nil {
			return nil, err
		}
	}
	if len(ids) > MaxListings {
		return nil, types.NewValidationError("listing_ids", types.ErrInvalidCondition,
			"%d listings requested, at most %d allowed", len(ids), MaxListings)
	}

	results := make([]ListingResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			r, err := s.one(gctx, id, before, after, tgt)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("preview of %d listings exceeded %s: %w", len(ids), s.cfg.Timeout, err)
		}
		return nil, err
	}

	sum := summarize(results)
	sum.Selection = sel
	sum.Elapsed = time.Since(start)
	s.logger.Info("preview finished",
		"tenant", req.Tenant,
		"listings", sum.Listings,
		"matched", sum.Matched,
		"errors", sum.ErrorCount,
		"elapsed", sum.Elapsed)
	return sum, nil
}

func (s *Service) load(ctx context.Context, sel valuation.Selection) (baseline, customer *types.RulesetTree, err error) {
	if sel.BaselineRulesetID != "" {
		if baseline, err = s.trees.RulesetTree(ctx, sel.BaselineRulesetID); err != nil {
			return nil, nil, err
		}
	}
	if sel.CustomerRulesetID != "" {
		if customer, err = s.trees.RulesetTree(ctx, sel.CustomerRulesetID); err != nil {
			return nil, nil, err
		}
	}
	return baseline, customer, nil
}

// check rejects changes that would not save, so a preview never reports
// numbers for a rule the service would refuse.
func (s *Service) check(c Change) error {
	var rs []types.Rule
	switch {
	case c.Rule != nil:
		rs = []types.Rule{*c.Rule}
	case c.Group != nil:
		rs = c.Group.Rules
	}
	for _, r := range rs {
		if _, err := valuation.CompileRule(r, s.engine.Compiler()); err != nil {
			return err
		}
	}
	return nil
}

// one evaluates a listing before and after. Matched means the changed rule
// or group produced an entry on either side. A listing that cannot be
// loaded is reported, not fatal; only context errors abort the run.
func (s *Service) one(ctx context.Context, id types.ListingID, before, after *valuation.Plan, t target) (ListingResult, error) {
	res := ListingResult{ListingID: id}
	l, err := s.listings.Listing(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Error = err.Error()
		res.Errors = 1
		return res, nil
	}
	b, err := s.engine.Evaluate(ctx, before, l)
	if err != nil {
		return res, err
	}
	a, err := s.engine.Evaluate(ctx, after, l)
	if err != nil {
		return res, err
	}
	res.BeforeCents = b.AdjustedPriceCents
	res.AfterCents = a.AdjustedPriceCents
	res.DeltaCents = a.AdjustedPriceCents - b.AdjustedPriceCents
	res.Errors = a.ErrorCount
	res.Matched = t.matched(b) || t.matched(a)
	return res, nil
}

func summarize(results []ListingResult) *Summary {
	sum := &Summary{Listings: len(results), Results: results}
	deltas := make([]int64, 0, len(results))
	for _, r := range results {
		if r.Errors > 0 {
			sum.ErrorCount++
		}
		if r.Error != "" {
			continue
		}
		if r.Matched {
			sum.Matched++
		}
		deltas = append(deltas, r.DeltaCents)
	}
	if sum.Listings > 0 {
		sum.MatchRate = float64(sum.Matched) / float64(sum.Listings)
	}
	if len(deltas) == 0 {
		return sum
	}

	sort.Slice(deltas, func(i, j int) bool { return deltas[i] < deltas[j] })
	var total int64
	for _, d := range deltas {
		total += d
	}
	n := len(deltas)
	median := float64(deltas[n/2])
	if n%2 == 0 {
		median = float64(deltas[n/2-1]+deltas[n/2]) / 2
	}
	sum.Delta = Stats{
		Min:    float64(deltas[0]) / 100,
		Max:    float64(deltas[n-1]) / 100,
		Mean:   float64(total) / float64(n) / 100,
		Median: median / 100,
		Total:  float64(total) / 100,
	}
	return sum
}
