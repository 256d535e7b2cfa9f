// Package valuation prices a listing by running three rule layers over its
// attribute snapshot: the active system baseline, the customer's Basic
// Adjustments group, and the remaining Advanced groups of the customer
// ruleset.
//
// Evaluation is a pure function of the compiled rules and the listing
// context. A Plan is immutable once built and safe to share between
// goroutines; bulk recalculation and preview reuse one Plan across many
// listings.
package valuation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dealbrain/dealbrain/internal/formula"
	"github.com/dealbrain/dealbrain/internal/types"
)

// RulesetSource loads a ruleset with its groups and rules.
type RulesetSource interface {
	RulesetTree(ctx context.Context, id types.RulesetID) (*types.RulesetTree, error)
}

// ContextProvider loads a listing snapshot. Implementations must be free of
// side effects.
type ContextProvider interface {
	Listing(ctx context.Context, id types.ListingID) (types.Listing, error)
}

// Selection names the rulesets an evaluation runs against. Either id may be
// empty, in which case its layers contribute nothing.
type Selection struct {
	BaselineRulesetID types.RulesetID
	CustomerRulesetID types.RulesetID
}

// Plan is the compiled form of a Selection.
type Plan struct {
	Selection Selection
	Baseline  []PlannedGroup
	Basic     []PlannedGroup
	Advanced  []PlannedGroup
}

func (p *Plan) layer(l Layer) []PlannedGroup {
	switch l {
	case LayerBaseline:
		return p.Baseline
	case LayerBasic:
		return p.Basic
	default:
		return p.Advanced
	}
}

// Engine compiles rulesets into plans and evaluates listings against them.
type Engine struct {
	src      RulesetSource
	listings ContextProvider
	fc       *formula.Compiler
	logger   *slog.Logger
}

// NewEngine wires an engine. listings may be nil when only Evaluate is used.
func NewEngine(src RulesetSource, listings ContextProvider, fc *formula.Compiler, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{src: src, listings: listings, fc: fc, logger: logger}
}

// Compiler returns the formula compiler shared by every plan.
func (e *Engine) Compiler() *formula.Compiler { return e.fc }

// Plan loads and compiles the rulesets named by sel.
func (e *Engine) Plan(ctx context.Context, sel Selection) (*Plan, error) {
	var baseline, customer *types.RulesetTree
	if sel.BaselineRulesetID != "" {
		t, err := e.src.RulesetTree(ctx, sel.BaselineRulesetID)
		if err != nil {
			return nil, fmt.Errorf("failed to load baseline ruleset: %w", err)
		}
		baseline = t
	}
	if sel.CustomerRulesetID != "" {
		t, err := e.src.RulesetTree(ctx, sel.CustomerRulesetID)
		if err != nil {
			return nil, fmt.Errorf("failed to load customer ruleset: %w", err)
		}
		customer = t
	}
	return e.PlanTrees(baseline, customer), nil
}

// PlanTrees compiles already loaded trees. Either may be nil. The customer
// tree's Basic Adjustments group forms the basic layer; its other groups
// form the advanced layer.
func (e *Engine) PlanTrees(baseline, customer *types.RulesetTree) *Plan {
	p := &Plan{}
	if baseline != nil {
		p.Selection.BaselineRulesetID = baseline.ID
		p.Baseline = PlanGroups(baseline.Groups, e.fc)
	}
	if customer != nil {
		p.Selection.CustomerRulesetID = customer.ID
		var basic, advanced []types.GroupTree
		for _, g := range customer.Groups {
			if g.IsBasic() {
				basic = append(basic, g)
			} else {
				advanced = append(advanced, g)
			}
		}
		p.Basic = PlanGroups(basic, e.fc)
		p.Advanced = PlanGroups(advanced, e.fc)
	}
	return p
}

// Evaluate runs the three layers of p over listing, starting from its base
// price. Rule failures are recorded in the breakdown; the only error is a
// cancelled or expired ctx.
func (e *Engine) Evaluate(ctx context.Context, p *Plan, listing types.Listing) (*Breakdown, error) {
	lctx := listing.Context()
	subtotal := listing.BasePrice

	results := make([]LayerResult, 0, len(Layers))
	for _, l := range Layers {
		next, contribs, err := EvaluateLayer(ctx, l, p.layer(l), lctx, subtotal, listing.BasePrice)
		if err != nil {
			return nil, err
		}
		for _, c := range contribs {
			if c.Status == StatusSkippedError {
				e.logger.Warn("rule skipped",
					"listing_id", listing.ID,
					"layer", l,
					"rule_id", c.RuleID,
					"rule_name", c.RuleName,
					"error", c.Error)
			}
		}
		results = append(results, LayerResult{Layer: l, Contributions: contribs, Subtotal: next})
		subtotal = next
	}

	b := Assemble(listing.ID, listing.BasePrice, results)
	b.BaselineRulesetID = p.Selection.BaselineRulesetID
	b.CustomerRulesetID = p.Selection.CustomerRulesetID
	return &b, nil
}

// EvaluateAllLayers compiles sel and evaluates one listing.
func (e *Engine) EvaluateAllLayers(ctx context.Context, listing types.Listing, sel Selection) (*Breakdown, error) {
	p, err := e.Plan(ctx, sel)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, p, listing)
}

// EvaluateListing loads a listing through the context provider and
// evaluates it against p.
func (e *Engine) EvaluateListing(ctx context.Context, p *Plan, id types.ListingID) (*Breakdown, error) {
	if e.listings == nil {
		return nil, fmt.Errorf("no listing context provider configured")
	}
	l, err := e.listings.Listing(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, p, l)
}
