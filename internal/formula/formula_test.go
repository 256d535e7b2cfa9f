package formula

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dealbrain/dealbrain/internal/types"
)

func newCompiler(t *testing.T, opts ...Option) *Compiler {
	t.Helper()
	c, err := NewCompiler(opts...)
	if err != nil {
		t.Fatalf("NewCompiler() error = %v", err)
	}
	return c
}

func TestEval(t *testing.T) {
	c := newCompiler(t)
	lctx := types.Context{
		"ram_gb":           100,
		"cpu.cpu_mark":     20000.0,
		"cpu.cores":        8,
		"condition":        "used",
		"ram_spec":         map[string]any{"speed_mhz": 3200},
		"storage_profiles": []any{map[string]any{"capacity_gb": 512}},
	}
	vars := Vars{Subtotal: 900, BasePrice: 800}

	tests := []struct {
		name    string
		formula string
		want    float64
	}{
		{"clamp upper", "clamp(ram_gb * 2.5, 20, 200)", 200},
		{"clamp lower", "clamp(ram_gb - 99, 20, 200)", 20},
		{"integer arithmetic widened", "ram_gb * 2", 200},
		{"integer division is real", "ram_gb / 3 * 3", 100},
		{"flattened key", "cpu.cpu_mark / 1000", 20},
		{"mixed flattened keys", "cpu.cpu_mark / cpu.cores", 2500},
		{"nested map", "ram_spec.speed_mhz / 100", 32},
		{"list index", "storage_profiles[0].capacity_gb / 512", 1},
		{"subtotal", "subtotal * 0.1", 90},
		{"base_price", "base_price - subtotal", -100},
		{"ternary", "condition == 'used' ? -50 : 0", -50},
		{"comparison and logic", "ram_gb >= 64 && !(condition == 'new') ? 1 : 0", 1},
		{"min max", "max(min(ram_gb, 64), 16)", 64},
		{"abs", "abs(base_price - subtotal)", 100},
		{"round half away from zero", "round(2.5) + round(-2.5)", 0},
		{"floor ceil", "floor(1.7) + ceil(1.2)", 3},
		{"scientific literal", "1e2 + 0.5", 100.5},
		{"has macro", "has(ram_spec.speed_mhz) ? 1 : 0", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := c.Compile(tt.formula)
			if err != nil {
				t.Fatalf("Compile(%q) error = %v", tt.formula, err)
			}
			got, err := p.Eval(context.Background(), lctx, vars)
			if err != nil {
				t.Fatalf("Eval(%q) error = %v", tt.formula, err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Eval(%q) = %v, want %v", tt.formula, got, tt.want)
			}
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	c := newCompiler(t)

	tests := []struct {
		name    string
		formula string
	}{
		{"empty", ""},
		{"syntax", "ram_gb * "},
		{"unknown function", "exec('rm -rf /')"},
		{"boolean result", "ram_gb > 16"},
		{"string result", "'cheap'"},
		{"wrong arity", "clamp(ram_gb, 1)"},
		{"comprehension", "[1, 2, 3].map(x, x * 2)[0]"},
		{"too deep", strings.Repeat("(", 100) + "1" + strings.Repeat(")", 100)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compile(tt.formula)
			if !errors.Is(err, types.ErrInvalidFormula) {
				t.Errorf("Compile(%q) error = %v, want ErrInvalidFormula", tt.formula, err)
			}
		})
	}
}

func TestEval_Errors(t *testing.T) {
	c := newCompiler(t)
	lctx := types.Context{"ram_gb": 16, "label": "x", "zero": 0}

	tests := []struct {
		name    string
		formula string
	}{
		{"missing field", "gpu_vram * 10"},
		{"division by zero", "ram_gb / zero"},
		{"type mismatch", "label * 2"},
		{"inverted clamp bounds", "clamp(ram_gb, 10, 5)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := c.Compile(tt.formula)
			if err != nil {
				t.Fatalf("Compile(%q) error = %v", tt.formula, err)
			}
			_, err = p.Eval(context.Background(), lctx, Vars{})
			if !errors.Is(err, types.ErrFormulaEval) {
				t.Errorf("Eval(%q) error = %v, want ErrFormulaEval", tt.formula, err)
			}
		})
	}
}

func TestEval_StepBudget(t *testing.T) {
	c := newCompiler(t, WithStepBudget(5))
	p, err := c.Compile("a + b + c + d + e + f + g + h + i + j")
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	lctx := types.Context{}
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		lctx[k] = 1
	}
	if _, err := p.Eval(context.Background(), lctx, Vars{}); !errors.Is(err, types.ErrFormulaEval) {
		t.Errorf("Eval() error = %v, want budget exhaustion", err)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in         string
		wantExpr   string
		wantIdents []string
	}{
		{"ram_gb * 2", "ram_gb * 2.0", []string{"ram_gb"}},
		{"clamp(x, 20, 200)", "clamp(x, 20.0, 200.0)", []string{"x"}},
		{"ports[0].count * 1.5", "ports[0].count * 1.5", []string{"ports"}},
		{"a.b + c", "a.b + c", []string{"a", "c"}},
		{"'ddr4' == gen ? 3 : 0", "'ddr4' == gen ? 3.0 : 0.0", []string{"gen"}},
		{"subtotal * 1e3", "subtotal * 1e3", nil},
		{"x == true", "x == true", []string{"x"}},
		{"0x1F + 7u", "0x1F + 7u", nil},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			expr, idents := normalize(tt.in)
			if expr != tt.wantExpr {
				t.Errorf("normalize() expr = %q, want %q", expr, tt.wantExpr)
			}
			if !reflect.DeepEqual(idents, tt.wantIdents) {
				t.Errorf("normalize() idents = %v, want %v", idents, tt.wantIdents)
			}
		})
	}
}

// Property-based test: evaluation is deterministic and never panics for
// arbitrary numeric inputs.
func TestEval_PropertyDeterministic(t *testing.T) {
	c := newCompiler(t)
	p, err := c.Compile("clamp(ram_gb * 2.5 + subtotal / 10, -500, 500)")
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("same inputs give same output within bounds", prop.ForAll(
		func(ram int, subtotal float64) bool {
			lctx := types.Context{"ram_gb": ram}
			a, errA := p.Eval(context.Background(), lctx, Vars{Subtotal: subtotal})
			b, errB := p.Eval(context.Background(), lctx, Vars{Subtotal: subtotal})
			return errA == nil && errB == nil && a == b && a >= -500 && a <= 500
		},
		gen.IntRange(-1024, 1024),
		gen.Float64Range(-1e6, 1e6),
	))

	properties.TestingRun(t)
}
