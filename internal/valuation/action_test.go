package valuation

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dealbrain/dealbrain/internal/formula"
	"github.com/dealbrain/dealbrain/internal/types"
)

func fptr(v float64) *float64 { return &v }

func testCompiler(t testing.TB) *formula.Compiler {
	t.Helper()
	fc, err := formula.NewCompiler()
	if err != nil {
		t.Fatalf("NewCompiler() error = %v", err)
	}
	return fc
}

func mustAction(t testing.TB, spec types.ActionSpec) Action {
	t.Helper()
	a, err := CompileAction(spec, testCompiler(t), "actions[0]")
	if err != nil {
		t.Fatalf("CompileAction(%+v) error = %v", spec, err)
	}
	return a
}

func TestApply(t *testing.T) {
	lctx := types.Context{"ram_gb": 32, "condition": "Refurb", "label": "x"}

	tests := []struct {
		name     string
		spec     types.ActionSpec
		subtotal float64
		want     float64
	}{
		{"fixed", types.ActionSpec{ActionType: types.ActionFixedValue, Value: fptr(-25)}, 800, -25},
		{"per unit", types.ActionSpec{ActionType: types.ActionPerUnit, Value: fptr(3), UnitField: "ram_gb"}, 800, 96},
		{"per unit missing quantity", types.ActionSpec{ActionType: types.ActionPerUnit, Value: fptr(3), UnitField: "gpu_gb"}, 800, 0},
		{"per unit non-numeric quantity", types.ActionSpec{ActionType: types.ActionPerUnit, Value: fptr(3), UnitField: "label"}, 800, 0},
		{"multiplier scales subtotal", types.ActionSpec{ActionType: types.ActionMultiplier, Value: fptr(70)}, 1000, -300},
		{"multiplier 100 is a no-op", types.ActionSpec{ActionType: types.ActionMultiplier, Value: fptr(100)}, 1000, 0},
		{"formula", types.ActionSpec{ActionType: types.ActionFormula, Formula: "clamp(ram_gb * 2.5, 20, 200)"}, 800, 80},
		{"formula sees subtotal", types.ActionSpec{ActionType: types.ActionFormula, Formula: "subtotal - base_price"}, 850, 50},
		{
			"condition multiplier is case-insensitive",
			types.ActionSpec{ActionType: types.ActionFixedValue, Value: fptr(100),
				Modifiers: types.Modifiers{ConditionMultipliers: map[string]float64{"new": 1, "refurb": 0.75}}},
			800, 75,
		},
		{
			"condition multiplier before clamp",
			types.ActionSpec{ActionType: types.ActionFixedValue, Value: fptr(100),
				Modifiers: types.Modifiers{MaxUSD: fptr(60), ConditionMultipliers: map[string]float64{"refurb": 0.75}}},
			800, 60,
		},
		{
			"clamp applies to the delta",
			types.ActionSpec{ActionType: types.ActionMultiplier, Value: fptr(50),
				Modifiers: types.Modifiers{MinUSD: fptr(-100)}},
			1000, -100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := mustAction(t, tt.spec)
			got, err := Apply(context.Background(), a, lctx, tt.subtotal, 800)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Apply() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompileAction_Errors(t *testing.T) {
	tests := []struct {
		name    string
		spec    types.ActionSpec
		field   string
		wantErr error
	}{
		{"unknown type", types.ActionSpec{ActionType: "bonus"}, "actions[0].action_type", types.ErrInvalidAction},
		{"fixed without value", types.ActionSpec{ActionType: types.ActionFixedValue}, "actions[0].value", types.ErrInvalidAction},
		{"per unit without field", types.ActionSpec{ActionType: types.ActionPerUnit, Value: fptr(1)}, "actions[0].unit_field", types.ErrInvalidAction},
		{"bad unit path", types.ActionSpec{ActionType: types.ActionPerUnit, Value: fptr(1), UnitField: "a..b"}, "actions[0].unit_field", types.ErrInvalidPath},
		{"empty formula", types.ActionSpec{ActionType: types.ActionFormula}, "actions[0].formula", types.ErrInvalidAction},
		{"bad formula", types.ActionSpec{ActionType: types.ActionFormula, Formula: "ram_gb *"}, "actions[0].formula", types.ErrInvalidFormula},
		{
			"inverted clamp",
			types.ActionSpec{ActionType: types.ActionFixedValue, Value: fptr(1), Modifiers: types.Modifiers{MinUSD: fptr(50), MaxUSD: fptr(10)}},
			"actions[0].modifiers", types.ErrInvalidAction,
		},
	}

	fc := testCompiler(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileAction(tt.spec, fc, "actions[0]")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CompileAction() error = %v, want %v", err, tt.wantErr)
			}
			var ve *types.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error %T is not a ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestApply_FormulaFailure(t *testing.T) {
	a := mustAction(t, types.ActionSpec{ActionType: types.ActionFormula, Formula: "100 / (ram_gb - 32)"})
	_, err := Apply(context.Background(), a, types.Context{"ram_gb": 32}, 800, 800)
	if !errors.Is(err, types.ErrFormulaEval) {
		t.Fatalf("Apply() error = %v, want ErrFormulaEval", err)
	}
}

func TestApply_ClampProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("clamped delta stays within [10, 50]", prop.ForAll(
		func(raw float64) bool {
			a := mustAction(t, types.ActionSpec{
				ActionType: types.ActionFixedValue,
				Value:      fptr(raw),
				Modifiers:  types.Modifiers{MinUSD: fptr(10), MaxUSD: fptr(50)},
			})
			got, err := Apply(context.Background(), a, types.Context{}, 0, 0)
			if err != nil {
				return false
			}
			switch {
			case raw < 10:
				return got == 10
			case raw > 50:
				return got == 50
			default:
				return got == raw
			}
		},
		gen.Float64Range(-1e6, 1e6),
	))

	properties.Property("clamped multiplier delta stays within [10, 50]", prop.ForAll(
		func(pct, subtotal float64) bool {
			a := mustAction(t, types.ActionSpec{
				ActionType: types.ActionMultiplier,
				Value:      fptr(pct),
				Modifiers:  types.Modifiers{MinUSD: fptr(10), MaxUSD: fptr(50)},
			})
			got, err := Apply(context.Background(), a, types.Context{}, subtotal, subtotal)
			return err == nil && got >= 10 && got <= 50
		},
		gen.Float64Range(0, 300),
		gen.Float64Range(0, 1e5),
	))

	properties.TestingRun(t)
}
