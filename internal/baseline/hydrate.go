package baseline

import (
	"context"
	"fmt"

	"github.com/dealbrain/dealbrain/internal/core/store"
	"github.com/dealbrain/dealbrain/internal/types"
	"github.com/dealbrain/dealbrain/internal/valuation"
)

// HydratedRule reports the expansion of one placeholder.
type HydratedRule struct {
	PlaceholderID types.RuleID   `json:"placeholder_id"`
	RuleIDs       []types.RuleID `json:"rule_ids"`
	Skipped       bool           `json:"skipped"` // already hydrated
}

// HydrationResult reports a HydrateRuleset run.
type HydrationResult struct {
	RulesetID types.RulesetID `json:"ruleset_id"`
	Rules     []HydratedRule  `json:"rules"`
	Created   int             `json:"created"`
	Skipped   int             `json:"skipped"`
}

// HydrateRuleset expands every placeholder of a ruleset in one transaction
// under the ruleset's lock.
func (s *Service) HydrateRuleset(ctx context.Context, id types.RulesetID) (*HydrationResult, error) {
	res := &HydrationResult{RulesetID: id, Rules: []HydratedRule{}}
	err := s.store.WithRulesetLock(ctx, id, func(tx *store.Store) error {
		tree, err := tx.RulesetTree(ctx, id)
		if err != nil {
			return err
		}
		for _, g := range tree.Groups {
			for _, r := range g.Rules {
				if !r.Metadata.Bool(types.MetaBaselinePlaceholder) {
					continue
				}
				h, err := s.hydrateLocked(ctx, tx, r)
				if err != nil {
					return err
				}
				if h.Skipped {
					res.Skipped++
				} else {
					res.Created += len(h.RuleIDs)
				}
				res.Rules = append(res.Rules, h)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("ruleset hydrated", "ruleset_id", id, "created", res.Created, "skipped", res.Skipped)
	return res, nil
}

// HydrateRule expands one placeholder and returns its expansion. A second
// call returns the same rules without writing anything.
func (s *Service) HydrateRule(ctx context.Context, id types.RuleID) ([]types.Rule, error) {
	rulesetID, err := s.rulesetOf(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []types.Rule
	err = s.store.WithRulesetLock(ctx, rulesetID, func(tx *store.Store) error {
		// Re-read under the lock; the pre-lock read only located the ruleset.
		r, err := tx.GetRule(ctx, id)
		if err != nil {
			return err
		}
		if !r.Metadata.Bool(types.MetaBaselinePlaceholder) {
			return types.NewValidationError("metadata."+types.MetaBaselinePlaceholder, types.ErrInvalidAction,
				"rule %s is not a baseline placeholder", id)
		}
		if _, err := s.hydrateLocked(ctx, tx, *r); err != nil {
			return err
		}
		out, err = tx.ListHydratedFrom(ctx, id)
		return err
	})
	return out, err
}

// hydrateLocked expands r unless it is already hydrated. The caller holds
// the ruleset lock and an open transaction.
func (s *Service) hydrateLocked(ctx context.Context, tx *store.Store, r types.Rule) (HydratedRule, error) {
	h := HydratedRule{PlaceholderID: r.ID, RuleIDs: []types.RuleID{}}
	if r.Metadata.Bool(types.MetaHydrated) {
		existing, err := tx.ListHydratedFrom(ctx, r.ID)
		if err != nil {
			return h, err
		}
		for _, e := range existing {
			h.RuleIDs = append(h.RuleIDs, e.ID)
		}
		h.Skipped = true
		return h, nil
	}

	expanded, err := valuation.ExpandPlaceholder(r)
	if err != nil {
		return h, err
	}
	for i := range expanded {
		e := &expanded[i]
		if _, err := valuation.CompileRule(*e, s.fc); err != nil {
			return h, fmt.Errorf("placeholder %s: %w", r.ID, err)
		}
		if err := tx.CreateRule(ctx, e); err != nil {
			return h, err
		}
		h.RuleIDs = append(h.RuleIDs, e.ID)
	}

	r.IsActive = false
	r.Metadata = r.Metadata.Clone()
	r.Metadata[types.MetaHydrated] = true
	if err := tx.UpdateRule(ctx, &r); err != nil {
		return h, err
	}
	s.logger.Debug("placeholder hydrated", "rule_id", r.ID, "expanded", len(h.RuleIDs))
	return h, nil
}

// DehydrateRule reverses HydrateRule: the expansion is deleted and the
// placeholder reactivated without its hydrated flag. Dehydrating a
// placeholder that is not hydrated does nothing.
func (s *Service) DehydrateRule(ctx context.Context, id types.RuleID) error {
	rulesetID, err := s.rulesetOf(ctx, id)
	if err != nil {
		return err
	}
	return s.store.WithRulesetLock(ctx, rulesetID, func(tx *store.Store) error {
		r, err := tx.GetRule(ctx, id)
		if err != nil {
			return err
		}
		if !r.Metadata.Bool(types.MetaBaselinePlaceholder) || !r.Metadata.Bool(types.MetaHydrated) {
			return nil
		}
		n, err := tx.DeleteHydratedFrom(ctx, id)
		if err != nil {
			return err
		}
		r.IsActive = true
		r.Metadata = r.Metadata.Clone()
		delete(r.Metadata, types.MetaHydrated)
		if err := tx.UpdateRule(ctx, r); err != nil {
			return err
		}
		s.logger.Info("placeholder dehydrated", "rule_id", id, "deleted", n)
		return nil
	})
}

func (s *Service) rulesetOf(ctx context.Context, id types.RuleID) (types.RulesetID, error) {
	r, err := s.store.GetRule(ctx, id)
	if err != nil {
		return "", err
	}
	g, err := s.store.GetGroup(ctx, r.GroupID)
	if err != nil {
		return "", err
	}
	return g.RulesetID, nil
}
