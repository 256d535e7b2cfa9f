package valuation

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/dealbrain/dealbrain/internal/formula"
	"github.com/dealbrain/dealbrain/internal/rules"
	"github.com/dealbrain/dealbrain/internal/types"
)

// Action is a compiled action: FixedValue, PerUnit, Multiplier or Formula.
// The unexported method closes the set; consumers switch on the concrete type.
type Action interface {
	actionNode()
	Mods() *Modifiers
}

// Modifiers are the compiled post-processing steps of an action.
type Modifiers struct {
	MinUSD               *float64
	MaxUSD               *float64
	ConditionMultipliers map[string]float64 // keyed by lower-cased condition grade
	Explanation          string
}

// FixedValue contributes Amount as-is.
type FixedValue struct {
	Amount float64
	Modifiers
}

// PerUnit contributes Rate times the quantity found at Unit.
type PerUnit struct {
	Rate float64
	Unit rules.Path
	Modifiers
}

// Multiplier scales the running subtotal. Percent is stored scaled
// (70 means 0.7x), so the delta is subtotal * (Percent/100 - 1).
type Multiplier struct {
	Percent float64
	Modifiers
}

// Formula evaluates a restricted expression.
type Formula struct {
	Program *formula.Program
	Modifiers
}

func (*FixedValue) actionNode() {}
func (*PerUnit) actionNode()    {}
func (*Multiplier) actionNode() {}
func (*Formula) actionNode()    {}

func (a *FixedValue) Mods() *Modifiers { return &a.Modifiers }
func (a *PerUnit) Mods() *Modifiers    { return &a.Modifiers }
func (a *Multiplier) Mods() *Modifiers { return &a.Modifiers }
func (a *Formula) Mods() *Modifiers    { return &a.Modifiers }

// CompileAction validates spec and builds its compiled form. where prefixes
// validation error fields, e.g. "actions[0]".
func CompileAction(spec types.ActionSpec, fc *formula.Compiler, where string) (Action, error) {
	mods, err := compileModifiers(spec.Modifiers, where+".modifiers")
	if err != nil {
		return nil, err
	}

	needValue := func() (float64, error) {
		if spec.Value == nil {
			return 0, types.NewValidationError(where+".value", types.ErrInvalidAction,
				"%s requires a value", spec.ActionType)
		}
		if math.IsNaN(*spec.Value) || math.IsInf(*spec.Value, 0) {
			return 0, types.NewValidationError(where+".value", types.ErrInvalidAction, "value must be finite")
		}
		return *spec.Value, nil
	}

	switch spec.ActionType {
	case types.ActionFixedValue:
		v, err := needValue()
		if err != nil {
			return nil, err
		}
		return &FixedValue{Amount: v, Modifiers: mods}, nil

	case types.ActionPerUnit:
		v, err := needValue()
		if err != nil {
			return nil, err
		}
		if spec.UnitField == "" {
			return nil, types.NewValidationError(where+".unit_field", types.ErrInvalidAction,
				"per_unit requires unit_field")
		}
		path, err := rules.ParsePath(spec.UnitField)
		if err != nil {
			return nil, types.NewValidationError(where+".unit_field", err, "%q", spec.UnitField)
		}
		return &PerUnit{Rate: v, Unit: path, Modifiers: mods}, nil

	case types.ActionMultiplier:
		v, err := needValue()
		if err != nil {
			return nil, err
		}
		return &Multiplier{Percent: v, Modifiers: mods}, nil

	case types.ActionFormula:
		if strings.TrimSpace(spec.Formula) == "" {
			return nil, types.NewValidationError(where+".formula", types.ErrInvalidAction,
				"formula action requires a formula")
		}
		if fc == nil {
			return nil, fmt.Errorf("%s: no formula compiler configured", where)
		}
		prg, err := fc.Compile(spec.Formula)
		if err != nil {
			return nil, types.NewValidationError(where+".formula", types.ErrInvalidFormula, "%v", err)
		}
		return &Formula{Program: prg, Modifiers: mods}, nil

	default:
		return nil, types.NewValidationError(where+".action_type", types.ErrInvalidAction,
			"unknown action type %q", spec.ActionType)
	}
}

func compileModifiers(m types.Modifiers, where string) (Modifiers, error) {
	out := Modifiers{MinUSD: m.MinUSD, MaxUSD: m.MaxUSD, Explanation: m.Explanation}
	if m.MinUSD != nil && m.MaxUSD != nil && *m.MinUSD > *m.MaxUSD {
		return Modifiers{}, types.NewValidationError(where, types.ErrInvalidAction,
			"min_usd %v exceeds max_usd %v", *m.MinUSD, *m.MaxUSD)
	}
	if len(m.ConditionMultipliers) > 0 {
		out.ConditionMultipliers = make(map[string]float64, len(m.ConditionMultipliers))
		for grade, f := range m.ConditionMultipliers {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return Modifiers{}, types.NewValidationError(where+".condition_multipliers", types.ErrInvalidAction,
					"multiplier for %q must be finite", grade)
			}
			out.ConditionMultipliers[normalizeGrade(grade)] = f
		}
	}
	return out, nil
}

func normalizeGrade(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// applyEnv is what an action sees when it runs.
type applyEnv struct {
	ctx       context.Context
	lctx      types.Context
	subtotal  float64
	basePrice float64
}

// Apply computes the delta of one action: the raw amount, then the
// condition-grade multiplier, then the clamp. Only formula actions fail.
func Apply(ctx context.Context, a Action, lctx types.Context, subtotal, basePrice float64) (float64, error) {
	return apply(a, applyEnv{ctx: ctx, lctx: lctx, subtotal: subtotal, basePrice: basePrice})
}

func apply(a Action, env applyEnv) (float64, error) {
	var raw float64
	switch act := a.(type) {
	case *FixedValue:
		raw = act.Amount
	case *PerUnit:
		raw = act.Rate * quantity(act.Unit, env.lctx)
	case *Multiplier:
		raw = env.subtotal * (act.Percent/100 - 1)
	case *Formula:
		v, err := act.Program.Eval(env.ctx, env.lctx, formula.Vars{Subtotal: env.subtotal, BasePrice: env.basePrice})
		if err != nil {
			return 0, err
		}
		raw = v
	default:
		return 0, fmt.Errorf("%w: unsupported action %T", types.ErrInvalidAction, a)
	}
	return a.Mods().adjust(raw, env.lctx), nil
}

// quantity reads a per-unit quantity. Missing or non-numeric is zero units.
func quantity(p rules.Path, lctx types.Context) float64 {
	res, err := rules.Resolve(p, lctx)
	if err != nil || !res.Found {
		return 0
	}
	q, ok := rules.ToFloat64(res.Value)
	if !ok {
		return 0
	}
	return q
}

// adjust applies the condition-grade multiplier and then clamps the delta.
func (m *Modifiers) adjust(delta float64, lctx types.Context) float64 {
	if len(m.ConditionMultipliers) > 0 {
		if grade, ok := lctx[types.CtxCondition].(string); ok {
			if f, ok := m.ConditionMultipliers[normalizeGrade(grade)]; ok {
				delta *= f
			}
		}
	}
	if m.MinUSD != nil && delta < *m.MinUSD {
		delta = *m.MinUSD
	}
	if m.MaxUSD != nil && delta > *m.MaxUSD {
		delta = *m.MaxUSD
	}
	return delta
}
