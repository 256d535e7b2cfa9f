// internal/rules/match.go
package rules

import (
	"github.com/dealbrain/dealbrain/internal/types"
)

/*
 * Condition evaluation.
 *
 * Evaluation flow per predicate: resolve path -> coerce to field type ->
 * compare operator. Groups combine children with short-circuit: AND stops on
 * the first false child, OR on the first true child. An empty group matches.
 *
 * Missing fields and nulls never match, except for not_exists. Coercion
 * failures never match. Nothing here returns an error: a compiled tree is
 * valid by construction, so an unmatchable condition is simply false.
 */

// Match reports whether cond matches ctx.
func Match(cond Condition, ctx types.Context) bool {
	return evaluate(cond, ctx, nil)
}

// Explain evaluates cond and, when it matches, returns the summaries of the
// predicates that contributed to the match in authoring order. For OR groups
// only the first matching branch is reported.
func Explain(cond Condition, ctx types.Context) (bool, []string) {
	var trace []string
	if !evaluate(cond, ctx, &trace) {
		return false, nil
	}
	return true, trace
}

func evaluate(cond Condition, ctx types.Context, trace *[]string) bool {
	switch c := cond.(type) {
	case *Predicate:
		matched := evaluatePredicate(c, ctx)
		if matched && trace != nil {
			*trace = append(*trace, c.String())
		}
		return matched
	case *Group:
		return evaluateGroup(c, ctx, trace)
	default:
		return false
	}
}

// evaluateGroup short-circuits on AND-false / OR-true. For AND groups the
// trace is rolled back when a later child fails so a non-match leaves no
// partial summaries behind.
func evaluateGroup(g *Group, ctx types.Context, trace *[]string) bool {
	if len(g.Children) == 0 {
		return true
	}
	mark := 0
	if trace != nil {
		mark = len(*trace)
	}

	if g.Logic == LogicOr {
		for _, child := range g.Children {
			if evaluate(child, ctx, trace) {
				return true
			}
		}
		return false
	}

	for _, child := range g.Children {
		if !evaluate(child, ctx, trace) {
			if trace != nil {
				*trace = (*trace)[:mark]
			}
			return false
		}
	}
	return true
}

// evaluatePredicate resolves, coerces and compares a single predicate.
func evaluatePredicate(p *Predicate, ctx types.Context) bool {
	resolved, err := Resolve(p.Path, ctx)
	if err != nil || !resolved.Found {
		return p.Operator == OpNotExists
	}

	switch p.Operator {
	case OpExists:
		return true
	case OpNotExists:
		return false
	}

	coerced, err := Coerce(resolved.Value, p.FieldType)
	if err != nil {
		return false
	}
	return Compare(p.Operator, coerced, p.Value)
}
