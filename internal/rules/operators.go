// internal/rules/operators.go
package rules

import (
	"fmt"
	"strings"
)

/*
 * Operator comparison logic.
 *
 * Values reaching Compare are already coerced to the condition's field type.
 *
 * Operators:
 *   - exists/not_exists: presence checks (the only operators that see missing fields)
 *   - equals/not_equals: exact numeric equality, case-insensitive trimmed text
 *   - gt/gte/lt/lte/between: numeric comparison only
 *   - contains/starts_with/ends_with: substring tests; contains also tests list membership
 *   - in_list/not_in_list: membership with equality semantics
 *   - is_true/is_false: boolean tests
 *
 * Function-based rather than interface-per-operator: sixteen operators with
 * small behavioral differences read better as one switch.
 */

// Operator is a condition comparison operator.
type Operator int

const (
	OpUnspecified Operator = iota
	OpEquals
	OpNotEquals
	OpContains
	OpStartsWith
	OpEndsWith
	OpGt
	OpGte
	OpLt
	OpLte
	OpBetween
	OpInList
	OpNotInList
	OpIsTrue
	OpIsFalse
	OpExists
	OpNotExists
)

var operatorNames = map[Operator]string{
	OpEquals:     "equals",
	OpNotEquals:  "not_equals",
	OpContains:   "contains",
	OpStartsWith: "starts_with",
	OpEndsWith:   "ends_with",
	OpGt:         "gt",
	OpGte:        "gte",
	OpLt:         "lt",
	OpLte:        "lte",
	OpBetween:    "between",
	OpInList:     "in_list",
	OpNotInList:  "not_in_list",
	OpIsTrue:     "is_true",
	OpIsFalse:    "is_false",
	OpExists:     "exists",
	OpNotExists:  "not_exists",
}

// operatorAliases accepts the symbolic spellings the rule builder UI emits.
var operatorAliases = map[string]Operator{
	"=":  OpEquals,
	"==": OpEquals,
	"!=": OpNotEquals,
	">":  OpGt,
	">=": OpGte,
	"<":  OpLt,
	"<=": OpLte,
	"in": OpInList,
}

// ParseOperator maps a stored operator name to Operator.
func ParseOperator(s string) (Operator, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for op, name := range operatorNames {
		if name == s {
			return op, nil
		}
	}
	if op, ok := operatorAliases[s]; ok {
		return op, nil
	}
	return OpUnspecified, fmt.Errorf("unknown operator %q", s)
}

func (op Operator) String() string {
	if name, ok := operatorNames[op]; ok {
		return name
	}
	return "unspecified"
}

// symbol is the operator as rendered in explanation text.
func (op Operator) symbol() string {
	switch op {
	case OpEquals:
		return "="
	case OpNotEquals:
		return "!="
	case OpGt:
		return ">"
	case OpGte:
		return "≥"
	case OpLt:
		return "<"
	case OpLte:
		return "≤"
	case OpInList:
		return "in"
	case OpNotInList:
		return "not in"
	default:
		return strings.ReplaceAll(op.String(), "_", " ")
	}
}

// Compare applies the operator to compare value against target.
// Presence operators are decided before Compare is reached.
func Compare(op Operator, value, target any) bool {
	switch op {
	case OpExists:
		return value != nil
	case OpNotExists:
		return value == nil
	case OpEquals:
		return compareEqual(value, target)
	case OpNotEquals:
		return !compareEqual(value, target)
	case OpGt:
		c, ok := compareNumeric(value, target)
		return ok && c > 0
	case OpGte:
		c, ok := compareNumeric(value, target)
		return ok && c >= 0
	case OpLt:
		c, ok := compareNumeric(value, target)
		return ok && c < 0
	case OpLte:
		c, ok := compareNumeric(value, target)
		return ok && c <= 0
	case OpBetween:
		return compareBetween(value, target)
	case OpContains:
		return compareContains(value, target)
	case OpStartsWith:
		return compareAffix(value, target, strings.HasPrefix)
	case OpEndsWith:
		return compareAffix(value, target, strings.HasSuffix)
	case OpInList:
		return compareIn(value, target)
	case OpNotInList:
		return !compareIn(value, target)
	case OpIsTrue:
		b, ok := value.(bool)
		return ok && b
	case OpIsFalse:
		b, ok := value.(bool)
		return ok && !b
	default:
		return false
	}
}

// compareEqual performs equality comparison with numeric type coercion.
// Strings compare case-insensitively: catalog enums arrive as "DDR4" and "ddr4".
func compareEqual(a, b any) bool {
	if na, nb, ok := asNumbers(a, b); ok {
		return na == nb
	}
	sa, oka := a.(string)
	sb, okb := b.(string)
	if oka && okb {
		return strings.EqualFold(strings.TrimSpace(sa), strings.TrimSpace(sb))
	}
	return a == b
}

// compareNumeric performs three-way numeric comparison.
// ok is false for incomparable types so gte/lte never match non-numbers.
func compareNumeric(a, b any) (int, bool) {
	na, nb, ok := asNumbers(a, b)
	if !ok {
		return 0, false
	}
	switch {
	case na < nb:
		return -1, true
	case na > nb:
		return 1, true
	default:
		return 0, true
	}
}

// compareBetween tests lo <= value <= hi; target is a two-element []any.
func compareBetween(value, target any) bool {
	bounds, ok := target.([]any)
	if !ok || len(bounds) != 2 {
		return false
	}
	lo, okLo := compareNumeric(value, bounds[0])
	hi, okHi := compareNumeric(value, bounds[1])
	return okLo && okHi && lo >= 0 && hi <= 0
}

// asNumbers attempts to convert both values to float64.
func asNumbers(a, b any) (float64, float64, bool) {
	na, oka := toFloat64(a)
	nb, okb := toFloat64(b)
	return na, nb, oka && okb
}

// compareContains is substring match for strings and membership for lists.
func compareContains(value, target any) bool {
	if arr, ok := asSlice(value); ok {
		for _, elem := range arr {
			if compareEqual(elem, target) {
				return true
			}
		}
		return false
	}
	vs, ok1 := value.(string)
	ts, ok2 := target.(string)
	if !ok1 || !ok2 {
		return false
	}
	return strings.Contains(strings.ToLower(vs), strings.ToLower(ts))
}

// compareAffix applies a case-insensitive prefix/suffix test to strings.
func compareAffix(value, target any, test func(s, affix string) bool) bool {
	vs, ok1 := value.(string)
	ts, ok2 := target.(string)
	if !ok1 || !ok2 {
		return false
	}
	return test(strings.ToLower(vs), strings.ToLower(ts))
}

// compareIn checks if value exists in set using equality semantics.
func compareIn(value, set any) bool {
	arr, ok := set.([]any)
	if !ok {
		return false
	}
	for _, elem := range arr {
		if compareEqual(value, elem) {
			return true
		}
	}
	return false
}
