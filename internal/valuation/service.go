package valuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/dealbrain/dealbrain/internal/core/store"
	"github.com/dealbrain/dealbrain/internal/types"
)

// ChangeListener is told about committed writes to a ruleset, e.g. to
// enqueue recalculation of affected listings.
type ChangeListener interface {
	RulesetChanged(ctx context.Context, id types.RulesetID)
}

// Service is the ruleset CRUD and evaluation entry point used by the API
// and the CLI. Writes are validated before they reach the store.
type Service struct {
	store    *store.Store
	engine   *Engine
	logger   *slog.Logger
	listener ChangeListener
}

// NewService wires a service over st. The engine reads rulesets and
// listings from the same store.
func NewService(st *store.Store, engine *Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, engine: engine, logger: logger}
}

// SetListener registers the post-commit change listener.
func (s *Service) SetListener(l ChangeListener) { s.listener = l }

// Engine returns the evaluation engine.
func (s *Service) Engine() *Engine { return s.engine }

func (s *Service) changed(ctx context.Context, id types.RulesetID) {
	if s.listener != nil {
		s.listener.RulesetChanged(ctx, id)
	}
}

// CreateRuleset creates a writable customer ruleset. Version defaults to
// 1.0.0 and must be semver.
func (s *Service) CreateRuleset(ctx context.Context, rs *types.Ruleset) error {
	if strings.TrimSpace(rs.Name) == "" {
		return types.NewValidationError("name", types.ErrInvalidBundle, "ruleset name is required")
	}
	if rs.Version == "" {
		rs.Version = "1.0.0"
	}
	if _, err := semver.NewVersion(rs.Version); err != nil {
		return types.NewValidationError("version", types.ErrInvalidBundle, "%q is not a semantic version", rs.Version)
	}
	if rs.IsBaseline() {
		return types.NewValidationError("metadata."+types.MetaSystemBaseline, types.ErrReadOnly,
			"baseline rulesets are created by ingestion only")
	}
	return s.store.CreateRuleset(ctx, rs)
}

// writable loads a ruleset and rejects baselines.
func writable(ctx context.Context, tx *store.Store, id types.RulesetID) (*types.Ruleset, error) {
	rs, err := tx.GetRuleset(ctx, id)
	if err != nil {
		return nil, err
	}
	if rs.IsBaseline() {
		return nil, fmt.Errorf("ruleset %s: %w", id, types.ErrReadOnly)
	}
	return rs, nil
}

// writableGroup loads a group whose ruleset accepts writes.
func writableGroup(ctx context.Context, tx *store.Store, id types.GroupID) (*types.RuleGroup, error) {
	g, err := tx.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := writable(ctx, tx, g.RulesetID); err != nil {
		return nil, err
	}
	return g, nil
}

func validateGroup(g *types.RuleGroup) error {
	if strings.TrimSpace(g.Name) == "" {
		return types.NewValidationError("name", types.ErrInvalidCondition, "group name is required")
	}
	switch g.Category {
	case "", types.CategoryComponent, types.CategoryCondition, types.CategoryMarket, types.CategoryCustom:
	default:
		return types.NewValidationError("category", types.ErrInvalidCondition, "unknown category %q", g.Category)
	}
	if g.Weight != nil && *g.Weight < 0 {
		return types.NewValidationError("weight", types.ErrInvalidAction, "weight must not be negative")
	}
	return nil
}

// CreateGroup adds a group to a writable ruleset.
func (s *Service) CreateGroup(ctx context.Context, g *types.RuleGroup) error {
	if err := validateGroup(g); err != nil {
		return err
	}
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		if _, err := writable(ctx, tx, g.RulesetID); err != nil {
			return err
		}
		return tx.CreateGroup(ctx, g)
	})
	if err != nil {
		return err
	}
	s.changed(ctx, g.RulesetID)
	return nil
}

// UpdateGroup rewrites a group's mutable fields. An unset weight keeps
// the stored one.
func (s *Service) UpdateGroup(ctx context.Context, g *types.RuleGroup) error {
	if err := validateGroup(g); err != nil {
		return err
	}
	var rulesetID types.RulesetID
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		cur, err := writableGroup(ctx, tx, g.ID)
		if err != nil {
			return err
		}
		rulesetID = cur.RulesetID
		g.RulesetID = cur.RulesetID
		if g.Weight == nil {
			g.Weight = cur.Weight
		}
		return tx.UpdateGroup(ctx, g)
	})
	if err != nil {
		return err
	}
	s.changed(ctx, rulesetID)
	return nil
}

// DeleteGroup removes a group and its rules.
func (s *Service) DeleteGroup(ctx context.Context, id types.GroupID) error {
	var rulesetID types.RulesetID
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		g, err := writableGroup(ctx, tx, id)
		if err != nil {
			return err
		}
		rulesetID = g.RulesetID
		return tx.DeleteGroup(ctx, id)
	})
	if err != nil {
		return err
	}
	s.changed(ctx, rulesetID)
	return nil
}

// EnsureBasicGroup returns the ruleset's Basic Adjustments group, creating
// it when absent.
func (s *Service) EnsureBasicGroup(ctx context.Context, rulesetID types.RulesetID) (*types.RuleGroup, error) {
	var out *types.RuleGroup
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		if _, err := writable(ctx, tx, rulesetID); err != nil {
			return err
		}
		g, err := tx.FindGroup(ctx, rulesetID, types.BasicGroupName)
		if err == nil {
			out = g
			return nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return err
		}
		g = &types.RuleGroup{
			RulesetID: rulesetID,
			Name:      types.BasicGroupName,
			Category:  types.CategoryCustom,
			Weight:    types.Ptr(1.0),
			IsActive:  true,
			Metadata:  types.Metadata{types.MetaBasicManaged: true},
		}
		if err := tx.CreateGroup(ctx, g); err != nil {
			return err
		}
		out = g
		return nil
	})
	return out, err
}

// ValidateRule checks a rule the way a save does without writing it.
func (s *Service) ValidateRule(r types.Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return types.NewValidationError("name", types.ErrInvalidCondition, "rule name is required")
	}
	if r.IsPlaceholder() {
		expanded, err := ExpandPlaceholder(r)
		if err != nil {
			return err
		}
		for _, e := range expanded {
			if _, err := CompileRule(e, s.engine.Compiler()); err != nil {
				return err
			}
		}
		return nil
	}
	if len(r.Actions) == 0 {
		return types.NewValidationError("actions", types.ErrInvalidAction, "rule needs at least one action")
	}
	_, err := CompileRule(r, s.engine.Compiler())
	return err
}

// CreateRule validates r and adds it to a writable group.
func (s *Service) CreateRule(ctx context.Context, r *types.Rule) error {
	if err := s.ValidateRule(*r); err != nil {
		return err
	}
	var rulesetID types.RulesetID
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		g, err := writableGroup(ctx, tx, r.GroupID)
		if err != nil {
			return err
		}
		rulesetID = g.RulesetID
		return tx.CreateRule(ctx, r)
	})
	if err != nil {
		return err
	}
	s.changed(ctx, rulesetID)
	return nil
}

// UpdateRule validates r and rewrites it in place. Moving a rule between
// groups is allowed within one ruleset. Rules expanded by hydration stay
// editable inside a baseline; see updateHydrated.
func (s *Service) UpdateRule(ctx context.Context, r *types.Rule) error {
	if err := s.ValidateRule(*r); err != nil {
		return err
	}
	var rulesetID types.RulesetID
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		cur, err := tx.GetRule(ctx, r.ID)
		if err != nil {
			return err
		}
		if cur.HydrationSource() != "" {
			id, err := updateHydrated(ctx, tx, cur, r)
			rulesetID = id
			return err
		}
		from, err := writableGroup(ctx, tx, cur.GroupID)
		if err != nil {
			return err
		}
		if r.GroupID == "" {
			r.GroupID = cur.GroupID
		}
		if r.GroupID != cur.GroupID {
			to, err := writableGroup(ctx, tx, r.GroupID)
			if err != nil {
				return err
			}
			if to.RulesetID != from.RulesetID {
				return types.NewValidationError("group_id", types.ErrInvalidCondition,
					"rule cannot move to another ruleset")
			}
		}
		rulesetID = from.RulesetID
		return tx.UpdateRule(ctx, r)
	})
	if err != nil {
		return err
	}
	s.changed(ctx, rulesetID)
	return nil
}

// updateHydrated rewrites a rule produced by hydration. It may live in a
// read-only baseline, so it cannot change group, and it keeps the link to
// its placeholder so ordering and dehydration still find it.
func updateHydrated(ctx context.Context, tx *store.Store, cur *types.Rule, r *types.Rule) (types.RulesetID, error) {
	if r.GroupID != "" && r.GroupID != cur.GroupID {
		return "", types.NewValidationError("group_id", types.ErrInvalidCondition,
			"hydrated rules cannot move between groups")
	}
	g, err := tx.GetGroup(ctx, cur.GroupID)
	if err != nil {
		return "", err
	}
	r.GroupID = cur.GroupID
	r.Metadata = r.Metadata.Clone()
	if r.Metadata == nil {
		r.Metadata = types.Metadata{}
	}
	for _, k := range []string{types.MetaHydrationSourceRuleID, types.MetaHydrationIndex} {
		r.Metadata[k] = cur.Metadata[k]
	}
	delete(r.Metadata, types.MetaBaselinePlaceholder)
	return g.RulesetID, tx.UpdateRule(ctx, r)
}

// DeleteRule removes a rule from a writable ruleset.
func (s *Service) DeleteRule(ctx context.Context, id types.RuleID) error {
	var rulesetID types.RulesetID
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		r, err := tx.GetRule(ctx, id)
		if err != nil {
			return err
		}
		g, err := writableGroup(ctx, tx, r.GroupID)
		if err != nil {
			return err
		}
		rulesetID = g.RulesetID
		return tx.DeleteRule(ctx, id)
	})
	if err != nil {
		return err
	}
	s.changed(ctx, rulesetID)
	return nil
}

// SetTenantRuleset switches the tenant's active customer ruleset.
func (s *Service) SetTenantRuleset(ctx context.Context, tenant types.TenantID, id types.RulesetID) error {
	err := s.store.InTx(ctx, func(tx *store.Store) error {
		if _, err := writable(ctx, tx, id); err != nil {
			return err
		}
		return tx.SetTenantRuleset(ctx, tenant, id)
	})
	if err != nil {
		return err
	}
	s.changed(ctx, id)
	return nil
}

// Selection resolves the rulesets that apply to tenant: the active
// baseline and the tenant's customer ruleset. Missing ones are left empty.
func (s *Service) Selection(ctx context.Context, tenant types.TenantID) (Selection, error) {
	var sel Selection
	baseline, err := s.store.ActiveBaseline(ctx)
	switch {
	case err == nil:
		sel.BaselineRulesetID = baseline.ID
	case !errors.Is(err, types.ErrNotFound):
		return Selection{}, err
	}
	if tenant != "" {
		id, err := s.store.TenantRuleset(ctx, tenant)
		switch {
		case err == nil:
			sel.CustomerRulesetID = id
		case !errors.Is(err, types.ErrNotFound):
			return Selection{}, err
		}
	}
	return sel, nil
}

// Evaluate prices one listing for tenant.
func (s *Service) Evaluate(ctx context.Context, tenant types.TenantID, id types.ListingID) (*Breakdown, error) {
	sel, err := s.Selection(ctx, tenant)
	if err != nil {
		return nil, err
	}
	p, err := s.engine.Plan(ctx, sel)
	if err != nil {
		return nil, err
	}
	return s.engine.EvaluateListing(ctx, p, id)
}
