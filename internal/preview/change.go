package preview

import (
	"github.com/dealbrain/dealbrain/internal/types"
	"github.com/dealbrain/dealbrain/internal/valuation"
)

// target identifies what a change touched, for match counting.
type target struct {
	rule  types.RuleID
	group types.GroupID
}

// matched reports whether the changed rule or group produced an entry.
func (t target) matched(b *valuation.Breakdown) bool {
	for _, e := range b.Entries {
		if e.Status != valuation.StatusOK {
			continue
		}
		if t.rule != "" && (e.RuleID == t.rule || e.HydrationSource == t.rule) {
			return true
		}
		if t.group != "" && e.GroupID == t.group {
			return true
		}
	}
	return false
}

// cloneTree copies the group and rule slices so edits leave the original
// tree intact. Rule contents are replaced, never mutated, so they are shared.
func cloneTree(t *types.RulesetTree) *types.RulesetTree {
	if t == nil {
		return nil
	}
	c := *t
	c.Groups = make([]types.GroupTree, len(t.Groups))
	for i, g := range t.Groups {
		c.Groups[i] = g
		c.Groups[i].Rules = append([]types.Rule(nil), g.Rules...)
	}
	return &c
}

// applyChange edits whichever tree holds the change's target.
func applyChange(c Change, trees ...*types.RulesetTree) (target, error) {
	set := 0
	if c.Rule != nil {
		set++
	}
	if c.Group != nil {
		set++
	}
	if c.DeleteRuleID != "" {
		set++
	}
	if set != 1 {
		return target{}, types.NewValidationError("change", types.ErrInvalidCondition,
			"exactly one of rule, group and delete_rule_id must be set")
	}

	switch {
	case c.Rule != nil:
		r := *c.Rule
		if r.ID == "" {
			r.ID = types.NewRuleID()
			for _, t := range trees {
				if g := findGroup(t, r.GroupID); g != nil {
					g.Rules = append(g.Rules, r)
					return target{rule: r.ID}, nil
				}
			}
			return target{}, types.NewNotFound("group", string(r.GroupID))
		}
		for _, t := range trees {
			if t == nil {
				continue
			}
			if g, old, ok := t.FindRule(r.ID); ok {
				if r.GroupID == "" {
					r.GroupID = g.ID
				}
				*old = r
				return target{rule: r.ID}, nil
			}
		}
		return target{}, types.NewNotFound("rule", string(r.ID))

	case c.Group != nil:
		g := *c.Group
		if g.ID == "" {
			g.ID = types.NewGroupID()
		}
		g.Rules = append([]types.Rule(nil), g.Rules...)
		for i := range g.Rules {
			g.Rules[i].GroupID = g.ID
		}
		for _, t := range trees {
			if existing := findGroup(t, g.ID); existing != nil {
				*existing = g
				return target{group: g.ID}, nil
			}
		}
		for _, t := range trees {
			if t != nil && t.ID == g.RulesetID {
				t.Groups = append(t.Groups, g)
				return target{group: g.ID}, nil
			}
		}
		return target{}, types.NewNotFound("ruleset", string(g.RulesetID))

	default:
		for _, t := range trees {
			if t == nil {
				continue
			}
			if g, _, ok := t.FindRule(c.DeleteRuleID); ok {
				kept := g.Rules[:0]
				for _, r := range g.Rules {
					if r.ID != c.DeleteRuleID {
						kept = append(kept, r)
					}
				}
				g.Rules = kept
				return target{rule: c.DeleteRuleID}, nil
			}
		}
		return target{}, types.NewNotFound("rule", string(c.DeleteRuleID))
	}
}

func findGroup(t *types.RulesetTree, id types.GroupID) *types.GroupTree {
	if t == nil || id == "" {
		return nil
	}
	for i := range t.Groups {
		if t.Groups[i].ID == id {
			return &t.Groups[i]
		}
	}
	return nil
}
