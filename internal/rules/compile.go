// internal/rules/compile.go
package rules

import (
	"fmt"
	"strings"

	"github.com/dealbrain/dealbrain/internal/types"
)

/*
 * Condition compilation and validation.
 *
 * Compiles a types.ConditionSpec tree into the closed Condition variant
 * (*Predicate | *Group) with parsed paths, resolved operators and coerced
 * comparison values.
 *
 * Compilation runs when a rule is saved. Every configuration error - unknown
 * operator, operator incompatible with the field type, value of the wrong
 * shape, path over the depth/wildcard limits - is reported here as a
 * *types.ValidationError so a broken rule is never persisted. Evaluation of
 * a compiled tree cannot fail.
 *
 * Field types: an explicit field_type is checked against the operator. When
 * absent it is inferred from the operator (gt -> numeric, starts_with ->
 * text, is_true -> boolean, otherwise any).
 */

// Logic combines the children of a group.
type Logic int

const (
	LogicAnd Logic = iota
	LogicOr
)

func (l Logic) String() string {
	if l == LogicOr {
		return "OR"
	}
	return "AND"
}

// ParseLogic maps "AND"/"OR" (any case) to Logic. Empty means AND.
func ParseLogic(s string) (Logic, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "AND", "ALL":
		return LogicAnd, nil
	case "OR", "ANY":
		return LogicOr, nil
	default:
		return LogicAnd, fmt.Errorf("unknown logical operator %q", s)
	}
}

// Condition is a compiled condition tree node: *Predicate or *Group.
// The unexported method closes the set of implementations.
type Condition interface {
	conditionNode()
	String() string
}

// Predicate compares one field against a value.
type Predicate struct {
	Path      Path
	Operator  Operator
	FieldType FieldType
	Value     any    // coerced comparison value; []any for between/in_list
	Display   string // value as written, for explanations
}

// Group combines child conditions with AND/OR.
type Group struct {
	Logic    Logic
	Children []Condition
}

func (*Predicate) conditionNode() {}
func (*Group) conditionNode()     {}

// String renders the predicate as explanation text, e.g. "ram_gb ≥ 16".
func (p *Predicate) String() string {
	switch p.Operator {
	case OpExists, OpNotExists, OpIsTrue, OpIsFalse:
		return p.Path.Raw + " " + p.Operator.symbol()
	case OpBetween:
		if b, ok := p.Value.([]any); ok && len(b) == 2 {
			return fmt.Sprintf("%s between %v and %v", p.Path.Raw, b[0], b[1])
		}
	}
	return p.Path.Raw + " " + p.Operator.symbol() + " " + p.Display
}

// String renders the group with nested groups parenthesized.
func (g *Group) String() string {
	parts := make([]string, 0, len(g.Children))
	for _, c := range g.Children {
		s := c.String()
		if _, nested := c.(*Group); nested && len(c.(*Group).Children) > 1 {
			s = "(" + s + ")"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " "+g.Logic.String()+" ")
}

// Empty reports whether the group has no children (matches unconditionally).
func (g *Group) Empty() bool { return len(g.Children) == 0 }

// Compile validates spec and builds its compiled tree. A nil spec compiles
// to an empty AND group, which always matches.
func Compile(spec *types.ConditionSpec) (*Group, error) {
	if spec == nil {
		return &Group{Logic: LogicAnd}, nil
	}
	cond, err := compileNode(*spec, "conditions", 1)
	if err != nil {
		return nil, err
	}
	if g, ok := cond.(*Group); ok {
		return g, nil
	}
	// A bare predicate at the root is a single-child AND group.
	return &Group{Logic: LogicAnd, Children: []Condition{cond}}, nil
}

func compileNode(spec types.ConditionSpec, where string, depth int) (Condition, error) {
	if depth > types.MaxConditionDepth {
		return nil, types.NewValidationError(where, types.ErrInvalidCondition,
			"nesting exceeds %d levels", types.MaxConditionDepth)
	}
	if spec.IsGroup() {
		if spec.Field != "" {
			return nil, types.NewValidationError(where, types.ErrInvalidCondition,
				"a node cannot have both a field and children")
		}
		logic, err := ParseLogic(spec.Logic)
		if err != nil {
			return nil, types.NewValidationError(where+".logic", types.ErrInvalidCondition, "%v", err)
		}
		g := &Group{Logic: logic, Children: make([]Condition, 0, len(spec.Children))}
		for i, child := range spec.Children {
			c, err := compileNode(child, fmt.Sprintf("%s.children[%d]", where, i), depth+1)
			if err != nil {
				return nil, err
			}
			g.Children = append(g.Children, c)
		}
		return g, nil
	}
	return compilePredicate(spec, where)
}

// compilePredicate validates a leaf: path limits, operator/type compatibility
// and value shape. Comparison values are coerced once here.
func compilePredicate(spec types.ConditionSpec, where string) (*Predicate, error) {
	if spec.Field == "" {
		return nil, types.NewValidationError(where+".field", types.ErrInvalidCondition, "field is required")
	}
	path, err := ParsePath(spec.Field)
	if err != nil {
		return nil, types.NewValidationError(where+".field", err, "%q", spec.Field)
	}

	op, err := ParseOperator(spec.Operator)
	if err != nil {
		return nil, types.NewValidationError(where+".operator", types.ErrInvalidOperator, "%v", err)
	}

	ft, err := ParseFieldType(spec.FieldType)
	if err != nil {
		return nil, types.NewValidationError(where+".field_type", types.ErrInvalidCondition, "%v", err)
	}
	if ft == FieldTypeUnspecified {
		ft = inferFieldType(op)
	}
	if !operatorAllowed(op, ft) {
		return nil, types.NewValidationError(where+".operator", types.ErrInvalidOperator,
			"%s is not valid for %s field %q", op, ft, spec.Field)
	}

	value, err := compileValue(op, ft, spec.Value)
	if err != nil {
		return nil, types.NewValidationError(where+".value", types.ErrInvalidCondition, "%v", err)
	}

	return &Predicate{
		Path:      path,
		Operator:  op,
		FieldType: ft,
		Value:     value,
		Display:   displayValue(spec.Value),
	}, nil
}

// inferFieldType picks the field type an operator implies.
func inferFieldType(op Operator) FieldType {
	switch op {
	case OpGt, OpGte, OpLt, OpLte, OpBetween:
		return FieldTypeNumeric
	case OpStartsWith, OpEndsWith:
		return FieldTypeText
	case OpIsTrue, OpIsFalse:
		return FieldTypeBoolean
	default:
		return FieldTypeAny
	}
}

// operatorAllowed is the operator/field-type compatibility table.
func operatorAllowed(op Operator, ft FieldType) bool {
	switch op {
	case OpEquals, OpNotEquals, OpExists, OpNotExists, OpInList, OpNotInList:
		return true
	case OpGt, OpGte, OpLt, OpLte, OpBetween:
		return ft == FieldTypeNumeric
	case OpContains, OpStartsWith, OpEndsWith:
		return ft == FieldTypeText || ft == FieldTypeAny
	case OpIsTrue, OpIsFalse:
		return ft == FieldTypeBoolean
	default:
		return false
	}
}

// compileValue checks the comparison value's shape and coerces it to the
// field type.
func compileValue(op Operator, ft FieldType, raw any) (any, error) {
	switch op {
	case OpExists, OpNotExists, OpIsTrue, OpIsFalse:
		return nil, nil
	case OpBetween:
		list, ok := asSlice(raw)
		if !ok || len(list) != 2 {
			return nil, fmt.Errorf("between requires [min, max]")
		}
		lo, err1 := Coerce(list[0], FieldTypeNumeric)
		hi, err2 := Coerce(list[1], FieldTypeNumeric)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("between bounds must be numeric")
		}
		if lo.(float64) > hi.(float64) {
			return nil, fmt.Errorf("between min %v exceeds max %v", lo, hi)
		}
		return []any{lo, hi}, nil
	case OpInList, OpNotInList:
		list, ok := asSlice(raw)
		if !ok {
			return nil, fmt.Errorf("%s requires a list value", op)
		}
		if len(list) > types.MaxInOperatorValues {
			return nil, types.ErrTooManyInValues
		}
		out := make([]any, 0, len(list))
		for _, v := range list {
			c, err := Coerce(v, ft)
			if err != nil {
				return nil, fmt.Errorf("list value %v is not %s", v, ft)
			}
			out = append(out, c)
		}
		return out, nil
	default:
		if raw == nil {
			return nil, fmt.Errorf("%s requires a value", op)
		}
		c, err := Coerce(raw, ft)
		if err != nil {
			return nil, fmt.Errorf("value %v is not %s", raw, ft)
		}
		return c, nil
	}
}

func displayValue(v any) string {
	if list, ok := asSlice(v); ok {
		parts := make([]string, len(list))
		for i, x := range list {
			parts[i] = fmt.Sprint(x)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprint(v)
}
