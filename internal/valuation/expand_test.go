package valuation

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dealbrain/dealbrain/internal/types"
)

func TestExpandPlaceholder_EnumMultiplier(t *testing.T) {
	got, err := ExpandPlaceholder(ddrPlaceholder("r-ddr"))
	if err != nil {
		t.Fatalf("ExpandPlaceholder() error = %v", err)
	}
	want := []struct {
		bucket   string
		pct      float64
		original float64
	}{
		{"ddr3", 70, 0.7},
		{"ddr4", 100, 1.0},
		{"ddr5", 130, 1.3},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d rules, want %d", len(got), len(want))
	}
	for i, w := range want {
		r := got[i]
		if r.Conditions == nil || r.Conditions.Operator != "equals" || r.Conditions.Value != w.bucket ||
			r.Conditions.Field != "ram_spec.ddr_generation" {
			t.Errorf("rule %d condition = %+v", i, r.Conditions)
		}
		if len(r.Actions) != 1 || r.Actions[0].ActionType != types.ActionMultiplier {
			t.Fatalf("rule %d actions = %+v", i, r.Actions)
		}
		a := r.Actions[0]
		if d := *a.Value - w.pct; d > 1e-9 || d < -1e-9 {
			t.Errorf("rule %d value = %v, want %v", i, *a.Value, w.pct)
		}
		if *a.Modifiers.OriginalMultiplier != w.original {
			t.Errorf("rule %d original multiplier = %v", i, *a.Modifiers.OriginalMultiplier)
		}
		if a.Modifiers.MinUSD != nil || a.Modifiers.MaxUSD != nil {
			t.Errorf("rule %d has clamps", i)
		}
		if r.HydrationSource() != "r-ddr" {
			t.Errorf("rule %d hydration source = %q", i, r.HydrationSource())
		}
		if idx, _ := r.Metadata.Float(types.MetaHydrationIndex); int(idx) != i {
			t.Errorf("rule %d hydration index = %v", i, idx)
		}
		if !r.IsActive || r.IsPlaceholder() {
			t.Errorf("rule %d active=%v placeholder=%v", i, r.IsActive, r.IsPlaceholder())
		}
	}
}

func TestExpandPlaceholder_FormulaAndFixed(t *testing.T) {
	formulaRule := types.Rule{ID: "p1", Name: "CPU mark", Metadata: types.Metadata{
		types.MetaBaselinePlaceholder: true,
		types.MetaFieldType:           FieldTypeFormula,
		types.MetaFormula:             "cpu_mark / 100",
		types.MetaMinUSD:              0.0,
		types.MetaMaxUSD:              250.0,
	}}
	got, err := ExpandPlaceholder(formulaRule)
	if err != nil {
		t.Fatalf("ExpandPlaceholder(formula) error = %v", err)
	}
	if len(got) != 1 || got[0].Name != "CPU mark: formula" || got[0].Conditions != nil || got[0].Actions[0].Formula != "cpu_mark / 100" ||
		*got[0].Actions[0].Modifiers.MaxUSD != 250 {
		t.Errorf("formula expansion = %+v", got)
	}

	fixed := types.Rule{ID: "p2", Name: "Wifi", Metadata: types.Metadata{types.MetaBaselinePlaceholder: true}}
	got, err = ExpandPlaceholder(fixed)
	if err != nil {
		t.Fatalf("ExpandPlaceholder(fixed) error = %v", err)
	}
	if len(got) != 1 || got[0].Actions[0].ActionType != types.ActionFixedValue || *got[0].Actions[0].Value != 0 {
		t.Errorf("fixed expansion = %+v", got)
	}

	fixed.Metadata[types.MetaDefaultValue] = 15.0
	got, _ = ExpandPlaceholder(fixed)
	if *got[0].Actions[0].Value != 15 {
		t.Errorf("fixed default = %v, want 15", *got[0].Actions[0].Value)
	}
}

func TestExpandPlaceholder_Errors(t *testing.T) {
	tests := []struct {
		name string
		meta types.Metadata
	}{
		{"enum without field", types.Metadata{types.MetaFieldType: FieldTypeEnumMultiplier,
			types.MetaValuationBuckets: map[string]any{"a": 1.0}}},
		{"enum without buckets", types.Metadata{types.MetaFieldType: FieldTypeEnumMultiplier, types.MetaFieldID: "x"}},
		{"enum bucket not numeric", types.Metadata{types.MetaFieldType: FieldTypeEnumMultiplier, types.MetaFieldID: "x",
			types.MetaValuationBuckets: map[string]any{"a": "high"}}},
		{"formula without source", types.Metadata{types.MetaFieldType: FieldTypeFormula}},
		{"unknown field type", types.Metadata{types.MetaFieldType: "lookup"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.meta[types.MetaBaselinePlaceholder] = true
			_, err := ExpandPlaceholder(types.Rule{ID: "p", Metadata: tt.meta})
			var ve *types.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
		})
	}
}

// hydrated returns the tree a hydration would persist for ph: the
// placeholder deactivated and flagged, followed by its expansion with ids.
func hydrated(t *testing.T, ph types.Rule, ids ...types.RuleID) []types.Rule {
	t.Helper()
	expanded, err := ExpandPlaceholder(ph)
	if err != nil {
		t.Fatalf("ExpandPlaceholder() error = %v", err)
	}
	ph.IsActive = false
	ph.Metadata = ph.Metadata.Clone()
	ph.Metadata[types.MetaHydrated] = true
	out := []types.Rule{ph}
	for i := range expanded {
		expanded[i].ID = ids[i]
		out = append(out, expanded[i])
	}
	return out
}

func TestPlaceholderMatchesHydratedExpansion(t *testing.T) {
	e := testEngine(t)

	ddr := ddrPlaceholder("0190-ph")
	ddr.EvaluationOrder = 1
	cpu := types.Rule{ID: "0190-cpu", Name: "CPU", IsActive: true, EvaluationOrder: 1, Metadata: types.Metadata{
		types.MetaBaselinePlaceholder: true,
		types.MetaFieldType:           FieldTypeFormula,
		types.MetaFormula:             "cpu_mark / 100 - subtotal * 0.01",
		types.MetaMinUSD:              -40.0,
		types.MetaMaxUSD:              120.0,
	}}
	// Hydrated ids sort before the placeholders to prove the anchor, not the
	// new id, decides the order.
	other := fixedRule("0190-m", "middle", 20)
	other.EvaluationOrder = 1

	asPlaceholders := &types.RulesetTree{Groups: []types.GroupTree{group("B", 0, ddr, other, cpu)}}
	var hydratedRules []types.Rule
	hydratedRules = append(hydratedRules, hydrated(t, ddr, "0000-1", "0000-2", "0000-3")...)
	hydratedRules = append(hydratedRules, other)
	hydratedRules = append(hydratedRules, hydrated(t, cpu, "0000-4")...)
	asHydrated := &types.RulesetTree{Groups: []types.GroupTree{group("B", 0, hydratedRules...)}}

	pPlaceholder := e.PlanTrees(asPlaceholders, nil)
	pHydrated := e.PlanTrees(asHydrated, nil)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("hydration does not change valuations", prop.ForAll(
		func(ddrGen string, mark, base float64) bool {
			l := types.Listing{ID: "x", BasePrice: base, Attributes: map[string]any{
				"cpu_mark": mark,
				"ram_spec": map[string]any{"ddr_generation": ddrGen},
			}}
			b1, err1 := e.Evaluate(context.Background(), pPlaceholder, l)
			b2, err2 := e.Evaluate(context.Background(), pHydrated, l)
			if err1 != nil || err2 != nil {
				return false
			}
			return b1.AdjustedPriceCents == b2.AdjustedPriceCents &&
				b1.TotalAdjustment == b2.TotalAdjustment &&
				len(b1.Entries) == len(b2.Entries)
		},
		gen.OneConstOf("ddr3", "ddr4", "ddr5", "lpddr5"),
		gen.Float64Range(0, 40000),
		gen.Float64Range(0, 3000),
	))

	properties.TestingRun(t)
}
