package valuation

import (
	"context"
	"sort"

	"github.com/dealbrain/dealbrain/internal/formula"
	"github.com/dealbrain/dealbrain/internal/types"
)

// Layer names the three evaluation passes.
type Layer string

const (
	LayerBaseline Layer = "baseline"
	LayerBasic    Layer = "basic"
	LayerAdvanced Layer = "advanced"
)

// Layers lists the passes in evaluation order.
var Layers = []Layer{LayerBaseline, LayerBasic, LayerAdvanced}

// PlannedGroup is an active group with its compiled rules in evaluation order.
type PlannedGroup struct {
	Group types.RuleGroup
	Rules []*CompiledRule
}

func (g PlannedGroup) weight() float64 {
	return g.Group.EffectiveWeight()
}

// PlanGroups compiles the active groups and rules of one layer. Groups sort
// by display_order, then name, then id.
func PlanGroups(groups []types.GroupTree, fc *formula.Compiler) []PlannedGroup {
	active := make([]types.GroupTree, 0, len(groups))
	for _, g := range groups {
		if g.IsActive {
			active = append(active, g)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if a.DisplayOrder != b.DisplayOrder {
			return a.DisplayOrder < b.DisplayOrder
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})

	out := make([]PlannedGroup, 0, len(active))
	for _, g := range active {
		pg := PlannedGroup{Group: g.RuleGroup}
		for _, r := range g.Rules {
			if !r.IsActive {
				continue
			}
			pg.Rules = append(pg.Rules, compileForEvaluation(r, fc)...)
		}
		sortRules(pg.Rules)
		out = append(out, pg)
	}
	return out
}

// EvaluateLayer runs groups in order against lctx, feeding each delta into
// the running subtotal before the next rule. The only error is ctx's.
func EvaluateLayer(ctx context.Context, layer Layer, groups []PlannedGroup, lctx types.Context, subtotal, basePrice float64) (float64, []Contribution, error) {
	var out []Contribution
	for _, g := range groups {
		w := g.weight()
		for _, cr := range g.Rules {
			if err := ctx.Err(); err != nil {
				return subtotal, out, err
			}
			c := evaluateRule(ctx, cr, lctx, subtotal, basePrice, w)
			if c == nil {
				continue
			}
			c.Layer = layer
			c.GroupID = g.Group.ID
			c.GroupName = g.Group.Name
			if c.Status == StatusOK {
				subtotal += c.Delta
			}
			c.Subtotal = subtotal
			out = append(out, *c)
		}
	}
	return subtotal, out, nil
}
