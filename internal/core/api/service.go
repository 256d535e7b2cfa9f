// Package api provides the gRPC valuation API. Messages are the domain
// structs carried as JSON (see codec.go); the tenant of every call comes
// from the authenticated API key.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dealbrain/dealbrain/internal/baseline"
	"github.com/dealbrain/dealbrain/internal/core/auth"
	"github.com/dealbrain/dealbrain/internal/core/cache"
	"github.com/dealbrain/dealbrain/internal/core/store"
	"github.com/dealbrain/dealbrain/internal/packaging"
	"github.com/dealbrain/dealbrain/internal/preview"
	"github.com/dealbrain/dealbrain/internal/recalc"
	"github.com/dealbrain/dealbrain/internal/types"
	"github.com/dealbrain/dealbrain/internal/valuation"
)

// Empty is the request or response of calls that carry nothing.
type Empty struct{}

type GetBreakdownRequest struct {
	ListingID types.ListingID `json:"listing_id"`
	Refresh   bool            `json:"refresh,omitempty"` // skip the cache
}

type GetBreakdownResponse struct {
	Breakdown *valuation.Breakdown `json:"breakdown"`
	Cached    bool                 `json:"cached"`
}

type PreviewRequest struct {
	Selection  valuation.Selection `json:"selection"`
	Change     preview.Change      `json:"change"`
	ListingIDs []types.ListingID   `json:"listing_ids,omitempty"`
}

type RulesetRequest struct {
	RulesetID types.RulesetID `json:"ruleset_id"`
}

type RuleRequest struct {
	RuleID types.RuleID `json:"rule_id"`
}

type ListRulesetsResponse struct {
	Rulesets []types.Ruleset `json:"rulesets"`
}

type RulesResponse struct {
	Rules []types.Rule `json:"rules"`
}

type ExportBundleResponse struct {
	Bundle *packaging.Bundle `json:"bundle"`
}

// ImportBundleRequest carries a bundle document as exported.
type ImportBundleRequest struct {
	Bundle json.RawMessage `json:"bundle"`
}

type DiffRequest struct {
	RulesetID types.RulesetID `json:"ruleset_id"`
	Candidate json.RawMessage `json:"candidate"`
}

type AdoptRequest struct {
	Diff     packaging.DiffResult `json:"diff"`
	Selected []string             `json:"selected"`
}

// RecalculateRequest re-prices every listing under a ruleset, or the
// given listings for the caller's tenant.
type RecalculateRequest struct {
	RulesetID  types.RulesetID   `json:"ruleset_id,omitempty"`
	ListingIDs []types.ListingID `json:"listing_ids,omitempty"`
}

type RecalculateResponse struct {
	Pending int `json:"pending"`
}

// Deps are the services behind the API.
type Deps struct {
	Store     *store.Store
	Valuation *valuation.Service
	Baseline  *baseline.Service
	Packaging *packaging.Service
	Preview   *preview.Service
	Recalc    *recalc.Queue
	Cache     cache.Cache // optional
	CacheTTL  time.Duration
	Logger    *slog.Logger
}

// Service implements ValuationAPIServer.
// Thin orchestration layer delegating to the domain services.
type Service struct {
	d Deps
}

// NewService creates service instance with dependencies.
func NewService(d Deps) (*Service, error) {
	switch {
	case d.Store == nil:
		return nil, fmt.Errorf("store cannot be nil")
	case d.Valuation == nil:
		return nil, fmt.Errorf("valuation service cannot be nil")
	case d.Baseline == nil:
		return nil, fmt.Errorf("baseline service cannot be nil")
	case d.Packaging == nil:
		return nil, fmt.Errorf("packaging service cannot be nil")
	case d.Preview == nil:
		return nil, fmt.Errorf("preview service cannot be nil")
	case d.Recalc == nil:
		return nil, fmt.Errorf("recalc queue cannot be nil")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{d: d}, nil
}

func required(field string, empty bool) error {
	if empty {
		return types.NewValidationError(field, types.ErrInvalidCondition, "%s is required", field)
	}
	return nil
}

// GetBreakdown prices a listing for the caller's tenant, serving the cached
// breakdown when one is present.
func (s *Service) GetBreakdown(ctx context.Context, req *GetBreakdownRequest) (*GetBreakdownResponse, error) {
	if err := required("listing_id", req.ListingID == ""); err != nil {
		return nil, err
	}
	tenant := auth.TenantIDFromContext(ctx)
	key := cache.BreakdownKey(tenant, req.ListingID)

	if s.d.Cache != nil && !req.Refresh {
		raw, ok, err := s.d.Cache.Get(ctx, key)
		if err != nil {
			s.d.Logger.Warn("breakdown cache read failed", "key", key, "error", err)
		}
		if ok {
			var b valuation.Breakdown
			if err := json.Unmarshal(raw, &b); err == nil {
				return &GetBreakdownResponse{Breakdown: &b, Cached: true}, nil
			}
		}
	}

	b, err := s.d.Valuation.Evaluate(ctx, tenant, req.ListingID)
	if err != nil {
		return nil, err
	}
	if s.d.Cache != nil {
		if raw, err := json.Marshal(b); err == nil {
			if err := s.d.Cache.Set(ctx, key, raw, s.d.CacheTTL); err != nil {
				s.d.Logger.Warn("breakdown cache write failed", "key", key, "error", err)
			}
		}
	}
	return &GetBreakdownResponse{Breakdown: b}, nil
}

// Preview reports how an unsaved change would move the tenant's prices.
func (s *Service) Preview(ctx context.Context, req *PreviewRequest) (*preview.Summary, error) {
	return s.d.Preview.Preview(ctx, preview.Request{
		Tenant:     auth.TenantIDFromContext(ctx),
		Selection:  req.Selection,
		Change:     req.Change,
		ListingIDs: req.ListingIDs,
	})
}

func (s *Service) ListRulesets(ctx context.Context, _ *Empty) (*ListRulesetsResponse, error) {
	rs, err := s.d.Store.ListRulesets(ctx)
	if err != nil {
		return nil, err
	}
	return &ListRulesetsResponse{Rulesets: rs}, nil
}

func (s *Service) GetRuleset(ctx context.Context, req *RulesetRequest) (*types.RulesetTree, error) {
	if err := required("ruleset_id", req.RulesetID == ""); err != nil {
		return nil, err
	}
	return s.d.Store.RulesetTree(ctx, req.RulesetID)
}

func (s *Service) CreateRuleset(ctx context.Context, req *types.Ruleset) (*types.Ruleset, error) {
	if err := s.d.Valuation.CreateRuleset(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// SetTenantRuleset makes a ruleset the caller's active customer ruleset.
func (s *Service) SetTenantRuleset(ctx context.Context, req *RulesetRequest) (*Empty, error) {
	if err := required("ruleset_id", req.RulesetID == ""); err != nil {
		return nil, err
	}
	tenant := auth.TenantIDFromContext(ctx)
	if err := required("tenant", tenant == ""); err != nil {
		return nil, err
	}
	if err := s.d.Valuation.SetTenantRuleset(ctx, tenant, req.RulesetID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) CreateGroup(ctx context.Context, req *types.RuleGroup) (*types.RuleGroup, error) {
	if err := s.d.Valuation.CreateGroup(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Service) CreateRule(ctx context.Context, req *types.Rule) (*types.Rule, error) {
	if err := s.d.Valuation.CreateRule(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Service) UpdateRule(ctx context.Context, req *types.Rule) (*types.Rule, error) {
	if err := required("id", req.ID == ""); err != nil {
		return nil, err
	}
	if err := s.d.Valuation.UpdateRule(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Service) DeleteRule(ctx context.Context, req *RuleRequest) (*Empty, error) {
	if err := required("rule_id", req.RuleID == ""); err != nil {
		return nil, err
	}
	if err := s.d.Valuation.DeleteRule(ctx, req.RuleID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) HydrateRuleset(ctx context.Context, req *RulesetRequest) (*baseline.HydrationResult, error) {
	if err := required("ruleset_id", req.RulesetID == ""); err != nil {
		return nil, err
	}
	return s.d.Baseline.HydrateRuleset(ctx, req.RulesetID)
}

func (s *Service) HydrateRule(ctx context.Context, req *RuleRequest) (*RulesResponse, error) {
	if err := required("rule_id", req.RuleID == ""); err != nil {
		return nil, err
	}
	rs, err := s.d.Baseline.HydrateRule(ctx, req.RuleID)
	if err != nil {
		return nil, err
	}
	return &RulesResponse{Rules: rs}, nil
}

func (s *Service) DehydrateRule(ctx context.Context, req *RuleRequest) (*Empty, error) {
	if err := required("rule_id", req.RuleID == ""); err != nil {
		return nil, err
	}
	if err := s.d.Baseline.DehydrateRule(ctx, req.RuleID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) ExportBundle(ctx context.Context, req *RulesetRequest) (*ExportBundleResponse, error) {
	if err := required("ruleset_id", req.RulesetID == ""); err != nil {
		return nil, err
	}
	b, err := s.d.Packaging.Export(ctx, req.RulesetID)
	if err != nil {
		return nil, err
	}
	return &ExportBundleResponse{Bundle: b}, nil
}

func (s *Service) ImportBundle(ctx context.Context, req *ImportBundleRequest) (*packaging.ImportResult, error) {
	if err := required("bundle", len(req.Bundle) == 0); err != nil {
		return nil, err
	}
	b, err := packaging.Decode(req.Bundle)
	if err != nil {
		return nil, err
	}
	return s.d.Packaging.Import(ctx, b)
}

// Diff compares a stored ruleset with a candidate bundle.
func (s *Service) Diff(ctx context.Context, req *DiffRequest) (*packaging.DiffResult, error) {
	if err := required("ruleset_id", req.RulesetID == ""); err != nil {
		return nil, err
	}
	if err := required("candidate", len(req.Candidate) == 0); err != nil {
		return nil, err
	}
	candidate, err := packaging.Decode(req.Candidate)
	if err != nil {
		return nil, err
	}
	current, err := s.d.Packaging.Export(ctx, req.RulesetID)
	if err != nil {
		return nil, err
	}
	return packaging.Diff(current, candidate)
}

// Adopt applies the selected changes of a diff as a new ruleset version.
func (s *Service) Adopt(ctx context.Context, req *AdoptRequest) (*types.Ruleset, error) {
	return s.d.Packaging.Adopt(ctx, &req.Diff, req.Selected)
}

func (s *Service) Recalculate(ctx context.Context, req *RecalculateRequest) (*RecalculateResponse, error) {
	switch {
	case req.RulesetID != "":
		if err := s.d.Recalc.EnqueueRuleset(ctx, req.RulesetID); err != nil {
			return nil, err
		}
	case len(req.ListingIDs) > 0:
		s.d.Recalc.Enqueue(auth.TenantIDFromContext(ctx), req.ListingIDs...)
	default:
		return nil, types.NewValidationError("ruleset_id", types.ErrInvalidCondition,
			"one of ruleset_id and listing_ids is required")
	}
	return &RecalculateResponse{Pending: s.d.Recalc.Pending()}, nil
}
