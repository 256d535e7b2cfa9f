// internal/rules/coercion.go
package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dealbrain/dealbrain/internal/types"
)

/*
 * Type coercion for condition evaluation.
 *
 * Four field types with strict and lenient modes:
 *   - NUMERIC: Strict - numbers and numeric strings to float64, reject booleans
 *   - TEXT: Lenient - auto-coerce scalars to string
 *   - BOOLEAN: Strict - bool only ("true" vs 1 is ambiguous)
 *   - ANY: Lenient - preserve original type
 *
 * A coercion failure is not an error at evaluation time: the condition simply
 * does not match. Null is handled before coercion (treated as missing).
 */

// FieldType is the declared type of a condition's field.
type FieldType int

const (
	FieldTypeUnspecified FieldType = iota
	FieldTypeNumeric
	FieldTypeText
	FieldTypeBoolean
	FieldTypeAny
)

var fieldTypeNames = map[string]FieldType{
	"":        FieldTypeUnspecified,
	"numeric": FieldTypeNumeric,
	"number":  FieldTypeNumeric,
	"text":    FieldTypeText,
	"string":  FieldTypeText,
	"enum":    FieldTypeText,
	"boolean": FieldTypeBoolean,
	"bool":    FieldTypeBoolean,
	"any":     FieldTypeAny,
}

// ParseFieldType maps the stored field_type name to FieldType.
func ParseFieldType(s string) (FieldType, error) {
	ft, ok := fieldTypeNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return FieldTypeUnspecified, fmt.Errorf("unknown field type %q", s)
	}
	return ft, nil
}

func (ft FieldType) String() string {
	switch ft {
	case FieldTypeNumeric:
		return "numeric"
	case FieldTypeText:
		return "text"
	case FieldTypeBoolean:
		return "boolean"
	case FieldTypeAny:
		return "any"
	default:
		return "unspecified"
	}
}

// Coerce attempts to convert value to the expected field type.
// Returns ErrCoercionFailed for impossible coercions.
func Coerce(value any, fieldType FieldType) (any, error) {
	if value == nil {
		return nil, types.ErrCoercionFailed
	}

	switch fieldType {
	case FieldTypeNumeric:
		return coerceNumeric(value)
	case FieldTypeText:
		return coerceText(value)
	case FieldTypeBoolean:
		return coerceBoolean(value)
	case FieldTypeAny, FieldTypeUnspecified:
		return value, nil
	default:
		return nil, types.ErrCoercionFailed
	}
}

// coerceNumeric converts value to float64. Accepts Go numeric kinds and
// numeric strings; rejects booleans per strict mode.
func coerceNumeric(value any) (any, error) {
	if f, ok := toFloat64(value); ok {
		return f, nil
	}
	s, ok := value.(string)
	if !ok {
		return nil, types.ErrCoercionFailed
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, types.ErrCoercionFailed
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, types.ErrCoercionFailed
	}
	return f, nil
}

// coerceText converts scalars to their string representation.
// Lists and objects are not text and fail.
func coerceText(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case json.Number:
		return v.String(), nil
	}
	if f, ok := toFloat64(value); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	return nil, types.ErrCoercionFailed
}

// coerceBoolean validates value is a bool.
func coerceBoolean(value any) (any, error) {
	if b, ok := value.(bool); ok {
		return b, nil
	}
	return nil, types.ErrCoercionFailed
}

// toFloat64 converts value to float64 if it's a numeric type.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ToFloat64 is exported for the action applier, which reads quantities with
// the same numeric rules conditions use.
func ToFloat64(v any) (float64, bool) {
	if f, ok := toFloat64(v); ok {
		return f, true
	}
	f, err := coerceNumeric(v)
	if err != nil {
		return 0, false
	}
	return f.(float64), true
}
