package formula

import (
	"math"

	"github.com/google/cel-go/cel"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// functions declares the allow-listed numeric helpers.
func functions() []cel.EnvOption {
	d := cel.DoubleType
	return []cel.EnvOption{
		cel.Function("clamp",
			cel.Overload("clamp_double_double_double", []*cel.Type{d, d, d}, d,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					x, lo, hi, err := three(args)
					if err != nil {
						return err
					}
					if lo > hi {
						return celtypes.NewErr("clamp: lower bound %v exceeds upper bound %v", lo, hi)
					}
					return celtypes.Double(math.Min(math.Max(x, lo), hi))
				}))),
		cel.Function("min",
			cel.Overload("min_double_double", []*cel.Type{d, d}, d,
				cel.BinaryBinding(binary(math.Min)))),
		cel.Function("max",
			cel.Overload("max_double_double", []*cel.Type{d, d}, d,
				cel.BinaryBinding(binary(math.Max)))),
		cel.Function("abs",
			cel.Overload("abs_double", []*cel.Type{d}, d,
				cel.UnaryBinding(unary(math.Abs)))),
		// round is half away from zero, the same rule the breakdown uses for cents.
		cel.Function("round",
			cel.Overload("round_double", []*cel.Type{d}, d,
				cel.UnaryBinding(unary(math.Round)))),
		cel.Function("floor",
			cel.Overload("floor_double", []*cel.Type{d}, d,
				cel.UnaryBinding(unary(math.Floor)))),
		cel.Function("ceil",
			cel.Overload("ceil_double", []*cel.Type{d}, d,
				cel.UnaryBinding(unary(math.Ceil)))),
	}
}

func unary(fn func(float64) float64) func(ref.Val) ref.Val {
	return func(v ref.Val) ref.Val {
		x, ok := number(v)
		if !ok {
			return celtypes.MaybeNoSuchOverloadErr(v)
		}
		return celtypes.Double(fn(x))
	}
}

func binary(fn func(float64, float64) float64) func(ref.Val, ref.Val) ref.Val {
	return func(a, b ref.Val) ref.Val {
		x, ok := number(a)
		if !ok {
			return celtypes.MaybeNoSuchOverloadErr(a)
		}
		y, ok := number(b)
		if !ok {
			return celtypes.MaybeNoSuchOverloadErr(b)
		}
		return celtypes.Double(fn(x, y))
	}
}

func three(args []ref.Val) (float64, float64, float64, ref.Val) {
	if len(args) != 3 {
		return 0, 0, 0, celtypes.NewErr("clamp: want 3 arguments, got %d", len(args))
	}
	var out [3]float64
	for i, a := range args {
		x, ok := number(a)
		if !ok {
			return 0, 0, 0, celtypes.MaybeNoSuchOverloadErr(a)
		}
		out[i] = x
	}
	return out[0], out[1], out[2], nil
}

// number accepts doubles and, from dynamic inputs, ints and uints.
func number(v ref.Val) (float64, bool) {
	switch x := v.(type) {
	case celtypes.Double:
		return float64(x), true
	case celtypes.Int:
		return float64(x), true
	case celtypes.Uint:
		return float64(x), true
	default:
		return 0, false
	}
}
