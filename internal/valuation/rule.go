package valuation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dealbrain/dealbrain/internal/formula"
	"github.com/dealbrain/dealbrain/internal/rules"
	"github.com/dealbrain/dealbrain/internal/types"
)

// Status marks whether a contribution was computed or skipped.
type Status string

const (
	StatusOK           Status = "ok"
	StatusSkippedError Status = "skipped_error"
)

// Contribution is one rule's effect on a listing's price.
type Contribution struct {
	Layer             Layer         `json:"layer"`
	GroupID           types.GroupID `json:"group_id"`
	GroupName         string        `json:"rule_group_name"`
	RuleID            types.RuleID  `json:"rule_id"`
	RuleName          string        `json:"rule_name"`
	HydrationSource   types.RuleID  `json:"hydration_source_rule_id,omitempty"`
	Status            Status        `json:"status"`
	Delta             float64       `json:"delta"`
	Subtotal          float64       `json:"running_subtotal"`
	MatchedConditions []string      `json:"matched_conditions,omitempty"`
	Explanation       string        `json:"explanation"`
	Notes             []string      `json:"notes,omitempty"`
	Error             string        `json:"error,omitempty"`

	// Set by Assemble.
	AmountCents     int64 `json:"amount_cents"`
	ReconciledCents int64 `json:"reconciled_cents,omitempty"`
}

// CompiledRule is a rule ready to evaluate. A rule that failed to compile
// keeps CompileErr and always evaluates to a skipped_error contribution.
type CompiledRule struct {
	Rule       types.Rule
	Cond       *rules.Group
	Actions    []Action
	CompileErr error

	// Ordering key beyond evaluation_order and priority: hydrated rules sort
	// under the placeholder they came from.
	Anchor         types.RuleID
	HydrationIndex int
}

// CompileRule validates r's conditions and actions.
func CompileRule(r types.Rule, fc *formula.Compiler) (*CompiledRule, error) {
	if len(r.Actions) > types.MaxActionsPerRule {
		return nil, types.NewValidationError("actions", types.ErrInvalidAction,
			"rule has %d actions, limit is %d", len(r.Actions), types.MaxActionsPerRule)
	}
	cond, err := rules.Compile(r.Conditions)
	if err != nil {
		return nil, err
	}
	actions := make([]Action, 0, len(r.Actions))
	for i, spec := range r.Actions {
		a, err := CompileAction(spec, fc, fmt.Sprintf("actions[%d]", i))
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	cr := &CompiledRule{Rule: r, Cond: cond, Actions: actions}
	cr.setOrderKey()
	return cr, nil
}

// compileForEvaluation compiles r for a plan. Un-hydrated placeholders become
// their in-memory expansion; failures become rules that always skip.
func compileForEvaluation(r types.Rule, fc *formula.Compiler) []*CompiledRule {
	if !r.IsPlaceholder() {
		return []*CompiledRule{compileOrBroken(r, fc)}
	}
	expanded, err := ExpandPlaceholder(r)
	if err != nil {
		return []*CompiledRule{broken(r, err)}
	}
	out := make([]*CompiledRule, 0, len(expanded))
	for i := range expanded {
		// Expansions have no id of their own until persisted.
		expanded[i].ID = r.ID
		out = append(out, compileOrBroken(expanded[i], fc))
	}
	return out
}

func compileOrBroken(r types.Rule, fc *formula.Compiler) *CompiledRule {
	cr, err := CompileRule(r, fc)
	if err != nil {
		return broken(r, err)
	}
	return cr
}

func broken(r types.Rule, err error) *CompiledRule {
	cr := &CompiledRule{Rule: r, CompileErr: err}
	cr.setOrderKey()
	return cr
}

func (cr *CompiledRule) setOrderKey() {
	cr.Anchor = cr.Rule.ID
	if src := cr.Rule.HydrationSource(); src != "" {
		cr.Anchor = src
		if idx, ok := cr.Rule.Metadata.Float(types.MetaHydrationIndex); ok {
			cr.HydrationIndex = int(idx)
		}
	}
}

// sortRules orders by evaluation_order, priority (lower first), anchor id,
// hydration index. Ids are UUIDv7, so anchor order is creation order.
func sortRules(rs []*CompiledRule) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Rule.EvaluationOrder != b.Rule.EvaluationOrder {
			return a.Rule.EvaluationOrder < b.Rule.EvaluationOrder
		}
		if a.Rule.Priority != b.Rule.Priority {
			return a.Rule.Priority < b.Rule.Priority
		}
		if a.Anchor != b.Anchor {
			return a.Anchor < b.Anchor
		}
		return a.HydrationIndex < b.HydrationIndex
	})
}

// EvaluateRule applies cr to a listing context. It returns nil when the rule
// is inactive or its conditions do not match. Formula failures come back as
// a skipped_error contribution with a zero delta, never as an error.
func EvaluateRule(ctx context.Context, cr *CompiledRule, lctx types.Context, subtotal, basePrice float64) *Contribution {
	return evaluateRule(ctx, cr, lctx, subtotal, basePrice, 1)
}

// evaluateRule scales every action delta by weight before it reaches the
// running subtotal, so later actions of the same rule see the weighted value.
func evaluateRule(ctx context.Context, cr *CompiledRule, lctx types.Context, subtotal, basePrice, weight float64) *Contribution {
	if !cr.Rule.IsActive {
		return nil
	}
	c := &Contribution{
		RuleID:          cr.Rule.ID,
		RuleName:        cr.Rule.Name,
		HydrationSource: cr.Rule.HydrationSource(),
		Status:          StatusOK,
	}
	if cr.CompileErr != nil {
		return skipped(c, subtotal, cr.CompileErr)
	}

	matched, trace := rules.Explain(cr.Cond, lctx)
	if !matched {
		return nil
	}
	c.MatchedConditions = trace
	c.Explanation = explanation(trace)

	running := subtotal
	for _, a := range cr.Actions {
		d, err := Apply(ctx, a, lctx, running, basePrice)
		if err != nil {
			return skipped(c, subtotal, err)
		}
		d *= weight
		c.Delta += d
		running += d
		if note := a.Mods().Explanation; note != "" {
			c.Notes = append(c.Notes, note)
		}
	}
	c.Subtotal = running
	return c
}

func skipped(c *Contribution, subtotal float64, err error) *Contribution {
	c.Status = StatusSkippedError
	c.Delta = 0
	c.Subtotal = subtotal
	c.Error = err.Error()
	if c.Explanation == "" {
		c.Explanation = "SKIPPED: " + err.Error()
	}
	return c
}

func explanation(trace []string) string {
	if len(trace) == 0 {
		return "ALWAYS"
	}
	return "IF " + strings.Join(trace, " AND ")
}
