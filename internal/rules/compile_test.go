package rules

import (
	"errors"
	"strings"
	"testing"

	"github.com/dealbrain/dealbrain/internal/types"
)

func leaf(field, op string, value any) types.ConditionSpec {
	return types.ConditionSpec{Field: field, Operator: op, Value: value}
}

func TestCompile_Valid(t *testing.T) {
	tests := []struct {
		name string
		spec *types.ConditionSpec
		want string
	}{
		{
			name: "nil spec is an empty group",
			spec: nil,
			want: "",
		},
		{
			name: "bare predicate wrapped in AND",
			spec: &types.ConditionSpec{Field: "ram_gb", Operator: "gte", Value: 16},
			want: "ram_gb ≥ 16",
		},
		{
			name: "symbolic alias",
			spec: &types.ConditionSpec{Field: "cpu.cores", Operator: ">=", Value: "8"},
			want: "cpu.cores ≥ 8",
		},
		{
			name: "AND group",
			spec: &types.ConditionSpec{Logic: "AND", Children: []types.ConditionSpec{
				leaf("ram_gb", "gte", 16),
				leaf("ram_spec.ddr_generation", "equals", "ddr5"),
			}},
			want: "ram_gb ≥ 16 AND ram_spec.ddr_generation = ddr5",
		},
		{
			name: "nested OR parenthesized",
			spec: &types.ConditionSpec{Logic: "AND", Children: []types.ConditionSpec{
				leaf("condition", "equals", "used"),
				{Logic: "OR", Children: []types.ConditionSpec{
					leaf("gpu.vram_gb", "gt", 4),
					leaf("title", "contains", "workstation"),
				}},
			}},
			want: "condition = used AND (gpu.vram_gb > 4 OR title contains workstation)",
		},
		{
			name: "between",
			spec: &types.ConditionSpec{Field: "cpu.cpu_mark", Operator: "between", Value: []any{10000, 20000}},
			want: "cpu.cpu_mark between 10000 and 20000",
		},
		{
			name: "in_list with text type",
			spec: &types.ConditionSpec{Field: "form_factor", Operator: "in_list", FieldType: "enum", Value: []any{"mini", "sff"}},
			want: "form_factor in [mini, sff]",
		},
		{
			name: "presence",
			spec: &types.ConditionSpec{Field: "gpu", Operator: "exists"},
			want: "gpu exists",
		},
		{
			name: "boolean",
			spec: &types.ConditionSpec{Field: "has_wifi", Operator: "is_true"},
			want: "has_wifi is true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Compile(tt.spec)
			if err != nil {
				t.Fatalf("Compile() error = %v, want nil", err)
			}
			if got := g.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompile_CoercesValuesOnce(t *testing.T) {
	g, err := Compile(&types.ConditionSpec{Field: "ram_gb", Operator: "gt", Value: "16"})
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}
	p := g.Children[0].(*Predicate)
	if p.Value != 16.0 {
		t.Errorf("Value = %v (%T), want 16.0", p.Value, p.Value)
	}
	if p.FieldType != FieldTypeNumeric {
		t.Errorf("FieldType = %v, want numeric", p.FieldType)
	}
}

func TestCompile_Errors(t *testing.T) {
	tooMany := make([]any, types.MaxInOperatorValues+1)
	for i := range tooMany {
		tooMany[i] = i
	}

	deep := leaf("ram_gb", "gt", 1)
	for i := 0; i < types.MaxConditionDepth; i++ {
		deep = types.ConditionSpec{Logic: "AND", Children: []types.ConditionSpec{deep}}
	}

	tests := []struct {
		name      string
		spec      types.ConditionSpec
		wantErr   error
		wantField string
	}{
		{
			name:      "unknown operator",
			spec:      leaf("ram_gb", "approximately", 16),
			wantErr:   types.ErrInvalidOperator,
			wantField: "conditions.operator",
		},
		{
			name:      "gt on text field",
			spec:      types.ConditionSpec{Field: "form_factor", Operator: "gt", FieldType: "text", Value: "a"},
			wantErr:   types.ErrInvalidOperator,
			wantField: "conditions.operator",
		},
		{
			name:    "contains on numeric field",
			spec:    types.ConditionSpec{Field: "ram_gb", Operator: "contains", FieldType: "numeric", Value: 1},
			wantErr: types.ErrInvalidOperator,
		},
		{
			name:    "is_true on numeric field",
			spec:    types.ConditionSpec{Field: "ram_gb", Operator: "is_true", FieldType: "numeric"},
			wantErr: types.ErrInvalidOperator,
		},
		{
			name:    "unknown field type",
			spec:    types.ConditionSpec{Field: "ram_gb", Operator: "equals", FieldType: "decimal", Value: 1},
			wantErr: types.ErrInvalidCondition,
		},
		{
			name:      "missing field",
			spec:      types.ConditionSpec{Operator: "equals", Value: 1},
			wantErr:   types.ErrInvalidCondition,
			wantField: "conditions.field",
		},
		{
			name:    "path too deep",
			spec:    leaf(strings.Repeat("a.", types.MaxPathDepth)+"b", "exists", nil),
			wantErr: types.ErrPathTooDeep,
		},
		{
			name:    "too many wildcards",
			spec:    leaf("a[*].b[*].c[*].d", "exists", nil),
			wantErr: types.ErrTooManyWildcards,
		},
		{
			name:    "malformed path",
			spec:    leaf("ports[x]", "exists", nil),
			wantErr: types.ErrInvalidPath,
		},
		{
			name:    "in_list too many values",
			spec:    leaf("ram_gb", "in_list", tooMany),
			wantErr: types.ErrInvalidCondition,
		},
		{
			name:    "in_list not a list",
			spec:    leaf("ram_gb", "in_list", 16),
			wantErr: types.ErrInvalidCondition,
		},
		{
			name:    "between inverted bounds",
			spec:    leaf("ram_gb", "between", []any{32, 16}),
			wantErr: types.ErrInvalidCondition,
		},
		{
			name:    "between wrong arity",
			spec:    leaf("ram_gb", "between", []any{16}),
			wantErr: types.ErrInvalidCondition,
		},
		{
			name:    "gt requires numeric value",
			spec:    leaf("ram_gb", "gt", "lots"),
			wantErr: types.ErrInvalidCondition,
		},
		{
			name:    "equals without value",
			spec:    leaf("ram_gb", "equals", nil),
			wantErr: types.ErrInvalidCondition,
		},
		{
			name:    "unknown logic",
			spec:    types.ConditionSpec{Logic: "XOR", Children: []types.ConditionSpec{leaf("a", "exists", nil)}},
			wantErr: types.ErrInvalidCondition,
		},
		{
			name:      "error in nested child names its position",
			spec:      types.ConditionSpec{Logic: "OR", Children: []types.ConditionSpec{leaf("a", "exists", nil), leaf("b", "nope", 1)}},
			wantErr:   types.ErrInvalidOperator,
			wantField: "conditions.children[1].operator",
		},
		{
			name:    "nesting too deep",
			spec:    deep,
			wantErr: types.ErrInvalidCondition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(&tt.spec)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Compile() error = %v, want %v", err, tt.wantErr)
			}
			var verr *types.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Compile() error type = %T, want *types.ValidationError", err)
			}
			if tt.wantField != "" && verr.Field != tt.wantField {
				t.Errorf("ValidationError.Field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestParseOperator(t *testing.T) {
	for op, name := range operatorNames {
		got, err := ParseOperator(name)
		if err != nil || got != op {
			t.Errorf("ParseOperator(%q) = %v, %v; want %v", name, got, err, op)
		}
	}
	if _, err := ParseOperator("~="); err == nil {
		t.Errorf("ParseOperator(\"~=\") error = nil, want error")
	}
}
