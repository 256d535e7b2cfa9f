// Package formula compiles and evaluates the restricted expressions used by
// formula actions and baseline formula fields.
//
// Expressions are CEL: arithmetic, comparisons, &&, ||, !, the ternary
// operator, has() and field selection into the listing context
// (ram_spec.speed_mhz, storage_profiles[0].capacity_gb). The only callable
// functions are the CEL standard library plus clamp, min, max, abs, round,
// floor and ceil. There are no loops or user-defined functions, and every
// program runs under a cost limit, so evaluation always terminates.
//
// Numbers are doubles throughout: integer literals are widened when the
// expression is compiled and integer context values when it is evaluated,
// so "ram_gb * 2" works whether ram_gb arrived as 32 or 32.0.
package formula

import (
	"context"
	"fmt"
	"math"

	"github.com/google/cel-go/cel"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/parser"

	"github.com/dealbrain/dealbrain/internal/types"
)

// Variables available to every formula in addition to context fields.
const (
	VarSubtotal  = "subtotal"
	VarBasePrice = "base_price"
)

const (
	// DefaultStepBudget bounds evaluation cost per formula.
	DefaultStepBudget = 10000

	// MaxRecursionDepth bounds expression nesting.
	MaxRecursionDepth = 64

	// MaxSourceLength bounds formula size in code points.
	MaxSourceLength = 4096

	interruptCheckFrequency = 64
)

// Vars are the running values the evaluator supplies to a formula.
type Vars struct {
	Subtotal  float64
	BasePrice float64
}

// Compiler builds Programs that share one base environment and cost limit.
// A Compiler is safe for concurrent use.
type Compiler struct {
	base   *cel.Env
	budget uint64
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithStepBudget sets the evaluation cost limit. Zero keeps the default.
func WithStepBudget(steps uint64) Option {
	return func(c *Compiler) {
		if steps > 0 {
			c.budget = steps
		}
	}
}

// NewCompiler builds the base environment with the allow-listed functions.
func NewCompiler(opts ...Option) (*Compiler, error) {
	c := &Compiler{budget: DefaultStepBudget}
	for _, opt := range opts {
		opt(c)
	}

	envOpts := []cel.EnvOption{
		cel.ParserRecursionLimit(MaxRecursionDepth),
		cel.ParserExpressionSizeLimit(MaxSourceLength),
		// has() is the only macro; the comprehension macros would iterate.
		cel.ClearMacros(),
		cel.Macros(parser.HasMacro),
		cel.Variable(VarSubtotal, cel.DoubleType),
		cel.Variable(VarBasePrice, cel.DoubleType),
	}
	envOpts = append(envOpts, functions()...)

	env, err := cel.NewEnv(envOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build formula environment: %w", err)
	}
	c.base = env
	return c, nil
}

// Program is a compiled formula.
type Program struct {
	source string
	expr   string
	idents []string
	prg    cel.Program
}

// Source returns the formula as written.
func (p *Program) Source() string { return p.source }

// Fields returns the top-level context fields the formula reads.
func (p *Program) Fields() []string { return p.idents }

// Compile parses and type-checks src. Every failure wraps
// types.ErrInvalidFormula.
func (c *Compiler) Compile(src string) (*Program, error) {
	if src == "" {
		return nil, fmt.Errorf("%w: empty formula", types.ErrInvalidFormula)
	}
	expr, idents := normalize(src)

	decls := make([]cel.EnvOption, 0, len(idents))
	for _, id := range idents {
		decls = append(decls, cel.Variable(id, cel.DynType))
	}
	env, err := c.base.Extend(decls...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidFormula, err)
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidFormula, iss.Err())
	}
	out := ast.OutputType()
	if out.IsExactType(cel.BoolType) || out.IsExactType(cel.StringType) {
		return nil, fmt.Errorf("%w: formula must produce a number, got %s",
			types.ErrInvalidFormula, out)
	}

	prg, err := env.Program(ast,
		cel.CostLimit(c.budget),
		cel.InterruptCheckFrequency(interruptCheckFrequency),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidFormula, err)
	}

	return &Program{source: src, expr: expr, idents: idents, prg: prg}, nil
}

// Eval runs the formula against lctx. Errors wrap types.ErrFormulaEval:
// a missing field, a type mismatch, an exhausted step budget, a non-finite
// result or cancellation of ctx.
func (p *Program) Eval(ctx context.Context, lctx types.Context, vars Vars) (float64, error) {
	act := activation(lctx, p.idents)
	act[VarSubtotal] = vars.Subtotal
	act[VarBasePrice] = vars.BasePrice

	val, _, err := p.prg.ContextEval(ctx, act)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", types.ErrFormulaEval, p.source, err)
	}

	var f float64
	switch v := val.(type) {
	case celtypes.Double:
		f = float64(v)
	case celtypes.Int:
		f = float64(v)
	case celtypes.Uint:
		f = float64(v)
	default:
		return 0, fmt.Errorf("%w: %q produced %s, not a number",
			types.ErrFormulaEval, p.source, val.Type().TypeName())
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %q produced %v", types.ErrFormulaEval, p.source, f)
	}
	return f, nil
}
