package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dealbrain/dealbrain/internal/types"
)

func testEngine(t testing.TB) *Engine {
	t.Helper()
	return NewEngine(nil, nil, testCompiler(t), discardLogger())
}

func group(name string, order int, rules ...types.Rule) types.GroupTree {
	return types.GroupTree{
		RuleGroup: types.RuleGroup{ID: types.GroupID("g-" + name), Name: name, DisplayOrder: order, Weight: types.Ptr(1.0), IsActive: true},
		Rules:     rules,
	}
}

func fixedRule(id, name string, v float64) types.Rule {
	return types.Rule{
		ID:       types.RuleID(id),
		Name:     name,
		IsActive: true,
		Actions:  []types.ActionSpec{{ActionType: types.ActionFixedValue, Value: fptr(v)}},
	}
}

func ddrPlaceholder(id string) types.Rule {
	return types.Rule{
		ID:       types.RuleID(id),
		Name:     "DDR Generation",
		IsActive: true,
		Actions:  []types.ActionSpec{{ActionType: types.ActionFixedValue, Value: fptr(0)}},
		Metadata: types.Metadata{
			types.MetaBaselinePlaceholder: true,
			types.MetaFieldType:           FieldTypeEnumMultiplier,
			types.MetaFieldID:             "ram_spec.ddr_generation",
			types.MetaValuationBuckets:    map[string]any{"ddr3": 0.7, "ddr4": 1.0, "ddr5": 1.3},
		},
	}
}

func sampleListing() types.Listing {
	return types.Listing{
		ID:        "L-1",
		BasePrice: 800,
		Condition: "new",
		Attributes: map[string]any{
			"ram_gb":   32,
			"ram_spec": map[string]any{"ddr_generation": "ddr4"},
		},
	}
}

func scenarioTrees() (*types.RulesetTree, *types.RulesetTree) {
	baseline := &types.RulesetTree{
		Ruleset: types.Ruleset{ID: "baseline", Name: "System: Baseline v1.0", Metadata: types.Metadata{types.MetaSystemBaseline: true}},
		Groups:  []types.GroupTree{group("RAM", 0, ddrPlaceholder("r-ddr"))},
	}
	basic := group(types.BasicGroupName, 0, fixedRule("r-basic", "add $50", 50))
	basic.Metadata = types.Metadata{types.MetaBasicManaged: true}
	customer := &types.RulesetTree{
		Ruleset: types.Ruleset{ID: "customer", Name: "Custom"},
		Groups: []types.GroupTree{
			group("Memory", 1, types.Rule{
				ID:         "r-ram",
				Name:       "RAM per GB",
				IsActive:   true,
				Conditions: &types.ConditionSpec{Field: "ram_gb", Operator: "gte", FieldType: "numeric", Value: 16},
				Actions:    []types.ActionSpec{{ActionType: types.ActionPerUnit, Value: fptr(3), UnitField: "ram_gb"}},
			}),
			basic,
		},
	}
	return baseline, customer
}

func TestEvaluate_ThreeLayers(t *testing.T) {
	e := testEngine(t)
	baseline, customer := scenarioTrees()
	b, err := e.Evaluate(context.Background(), e.PlanTrees(baseline, customer), sampleListing())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	want := []struct {
		layer Layer
		delta float64
	}{
		{LayerBaseline, 0},
		{LayerBasic, 50},
		{LayerAdvanced, 96},
	}
	if len(b.Entries) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(b.Entries), len(want), b.Entries)
	}
	for i, w := range want {
		if b.Entries[i].Layer != w.layer || b.Entries[i].Delta != w.delta {
			t.Errorf("entry %d = (%s, %v), want (%s, %v)", i, b.Entries[i].Layer, b.Entries[i].Delta, w.layer, w.delta)
		}
	}
	if b.AdjustedPrice != 946 || b.AdjustedPriceCents != 94600 {
		t.Errorf("AdjustedPrice = %v (%d cents), want 946", b.AdjustedPrice, b.AdjustedPriceCents)
	}
	if b.Entries[0].HydrationSource != "r-ddr" {
		t.Errorf("baseline entry HydrationSource = %q, want r-ddr", b.Entries[0].HydrationSource)
	}
	if got := b.Entries[2].Explanation; got != "IF ram_gb ≥ 16" {
		t.Errorf("Explanation = %q", got)
	}
	if b.Entries[1].Subtotal != 850 || b.Entries[2].Subtotal != 946 {
		t.Errorf("running subtotals = %v, %v", b.Entries[1].Subtotal, b.Entries[2].Subtotal)
	}
}

func TestEvaluate_UnconditionalFixed(t *testing.T) {
	e := testEngine(t)
	customer := &types.RulesetTree{Groups: []types.GroupTree{group("G", 0, fixedRule("r1", "deduct", -25))}}
	p := e.PlanTrees(nil, customer)

	for _, attrs := range []map[string]any{
		nil,
		{"ram_gb": 4},
		{"ram_gb": "lots", "condition": "used", "cpu": map[string]any{"cores": 64}},
	} {
		b, err := e.Evaluate(context.Background(), p, types.Listing{ID: "x", BasePrice: 100, Attributes: attrs})
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if len(b.Entries) != 1 || b.Entries[0].Delta != -25 {
			t.Fatalf("entries = %+v, want single -25", b.Entries)
		}
		if b.AdjustedPriceCents != 7500 {
			t.Errorf("AdjustedPriceCents = %d, want 7500", b.AdjustedPriceCents)
		}
	}
}

func TestEvaluate_PartialFailureIsolation(t *testing.T) {
	e := testEngine(t)
	rules := []types.Rule{{
		ID:       "r-00",
		Name:     "broken",
		IsActive: true,
		Actions:  []types.ActionSpec{{ActionType: types.ActionFormula, Formula: "100 / (ram_gb - 32)"}},
	}}
	for i := 1; i <= 9; i++ {
		rules = append(rules, fixedRule(fmt.Sprintf("r-%02d", i), fmt.Sprintf("valid %d", i), float64(i)))
	}
	customer := &types.RulesetTree{Groups: []types.GroupTree{group("G", 0, rules...)}}

	b, err := e.Evaluate(context.Background(), e.PlanTrees(nil, customer), sampleListing())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	var ok, skipped int
	for _, c := range b.Entries {
		switch c.Status {
		case StatusOK:
			ok++
		case StatusSkippedError:
			skipped++
			if c.RuleID != "r-00" || c.Error == "" || c.Delta != 0 {
				t.Errorf("skipped entry = %+v", c)
			}
		}
	}
	if ok != 9 || skipped != 1 || b.ErrorCount != 1 {
		t.Fatalf("ok=%d skipped=%d errors=%d, want 9/1/1", ok, skipped, b.ErrorCount)
	}
	if b.AdjustedPrice != 845 {
		t.Errorf("AdjustedPrice = %v, want 845", b.AdjustedPrice)
	}
}

func TestEvaluate_UncompilableRuleIsSkipped(t *testing.T) {
	e := testEngine(t)
	bad := types.Rule{
		ID:         "r-bad",
		Name:       "bad operator",
		IsActive:   true,
		Conditions: &types.ConditionSpec{Field: "ram_gb", Operator: "sounds_like", Value: 1},
		Actions:    []types.ActionSpec{{ActionType: types.ActionFixedValue, Value: fptr(5)}},
	}
	customer := &types.RulesetTree{Groups: []types.GroupTree{group("G", 0, bad, fixedRule("r-good", "good", 5))}}

	b, err := e.Evaluate(context.Background(), e.PlanTrees(nil, customer), sampleListing())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(b.Entries) != 2 || b.Entries[0].Status != StatusSkippedError || b.Entries[1].Status != StatusOK {
		t.Fatalf("entries = %+v", b.Entries)
	}
}

func TestEvaluate_TieBreakByRuleID(t *testing.T) {
	e := testEngine(t)
	// A multiplier and a fixed value do not commute, so order is observable.
	mult := types.Rule{ID: "0190-b", Name: "double", IsActive: true,
		Actions: []types.ActionSpec{{ActionType: types.ActionMultiplier, Value: fptr(200)}}}
	add := fixedRule("0190-a", "add", 10)
	customer := &types.RulesetTree{Groups: []types.GroupTree{group("G", 0, mult, add)}}
	p := e.PlanTrees(nil, customer)

	for i := 0; i < 20; i++ {
		b, err := e.Evaluate(context.Background(), p, types.Listing{ID: "x", BasePrice: 100})
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if b.Entries[0].RuleID != "0190-a" || b.Entries[1].RuleID != "0190-b" {
			t.Fatalf("run %d order = %s, %s", i, b.Entries[0].RuleID, b.Entries[1].RuleID)
		}
		if b.AdjustedPrice != 220 {
			t.Fatalf("AdjustedPrice = %v, want 220", b.AdjustedPrice)
		}
	}
}

func TestEvaluate_OrderingKeys(t *testing.T) {
	e := testEngine(t)
	r1 := fixedRule("r-z", "late order", 1)
	r1.EvaluationOrder = 2
	r2 := fixedRule("r-y", "high priority number", 1)
	r2.EvaluationOrder = 1
	r2.Priority = 5
	r3 := fixedRule("r-x", "low priority number", 1)
	r3.EvaluationOrder = 1
	r3.Priority = 1

	customer := &types.RulesetTree{Groups: []types.GroupTree{
		group("second", 2, fixedRule("r-g2", "other group", 1)),
		group("first", 1, r1, r2, r3),
	}}
	b, err := e.Evaluate(context.Background(), e.PlanTrees(nil, customer), types.Listing{ID: "x"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	var got []types.RuleID
	for _, c := range b.Entries {
		got = append(got, c.RuleID)
	}
	want := []types.RuleID{"r-x", "r-y", "r-z", "r-g2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestEvaluate_GroupWeightAndInactive(t *testing.T) {
	e := testEngine(t)
	weighted := group("weighted", 0, fixedRule("r1", "half", 100))
	weighted.Weight = types.Ptr(0.5)
	off := group("off", 1, fixedRule("r2", "ignored", 1000))
	off.IsActive = false
	inactiveRule := fixedRule("r3", "inactive", 1000)
	inactiveRule.IsActive = false
	customer := &types.RulesetTree{Groups: []types.GroupTree{weighted, off, group("g", 2, inactiveRule)}}

	b, err := e.Evaluate(context.Background(), e.PlanTrees(nil, customer), types.Listing{ID: "x", BasePrice: 10})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(b.Entries) != 1 || b.Entries[0].Delta != 50 || b.AdjustedPrice != 60 {
		t.Fatalf("breakdown = %+v", b)
	}
}

func TestEvaluate_ZeroWeightMutesGroup(t *testing.T) {
	e := testEngine(t)
	muted := group("muted", 0, fixedRule("r1", "muted", 100))
	muted.Weight = types.Ptr(0.0)
	unset := group("unset", 1, fixedRule("r2", "full", 20))
	unset.Weight = nil
	customer := &types.RulesetTree{Groups: []types.GroupTree{muted, unset}}

	b, err := e.Evaluate(context.Background(), e.PlanTrees(nil, customer), types.Listing{ID: "x", BasePrice: 10})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if b.AdjustedPrice != 30 {
		t.Fatalf("adjusted price = %v, want 30 (muted group contributes nothing)", b.AdjustedPrice)
	}
}

func TestEvaluate_Cancelled(t *testing.T) {
	e := testEngine(t)
	baseline, customer := scenarioTrees()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Evaluate(ctx, e.PlanTrees(baseline, customer), sampleListing())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Evaluate() error = %v, want context.Canceled", err)
	}
}

// randomTree builds an advanced layer from generated values: even indexes
// are fixed deltas, odd indexes multipliers.
func randomTree(values []float64) *types.RulesetTree {
	rules := make([]types.Rule, 0, len(values))
	for i, v := range values {
		r := fixedRule(fmt.Sprintf("r-%03d", i), fmt.Sprintf("rule %d", i), v)
		if i%2 == 1 {
			pct := 50 + math.Mod(math.Abs(v), 100)
			r.Actions = []types.ActionSpec{{ActionType: types.ActionMultiplier, Value: &pct}}
		}
		rules = append(rules, r)
	}
	return &types.RulesetTree{Groups: []types.GroupTree{group("G", 0, rules...)}}
}

func TestEvaluate_Properties(t *testing.T) {
	e := testEngine(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("evaluation is byte-for-byte deterministic", prop.ForAll(
		func(values []float64, base float64) bool {
			p := e.PlanTrees(nil, randomTree(values))
			l := types.Listing{ID: "x", BasePrice: base, Attributes: map[string]any{"ram_gb": 16}}
			b1, err1 := e.Evaluate(context.Background(), p, l)
			b2, err2 := e.Evaluate(context.Background(), p, l)
			if err1 != nil || err2 != nil {
				return false
			}
			j1, _ := json.Marshal(b1)
			j2, _ := json.Marshal(b2)
			return string(j1) == string(j2)
		},
		gen.SliceOfN(12, gen.Float64Range(-500, 500)),
		gen.Float64Range(0, 5000),
	))

	properties.Property("base plus ok deltas equals adjusted price within a cent", prop.ForAll(
		func(values []float64, base float64) bool {
			b, err := e.Evaluate(context.Background(), e.PlanTrees(nil, randomTree(values)), types.Listing{ID: "x", BasePrice: base})
			if err != nil {
				return false
			}
			sum := base
			var cents int64
			for _, c := range b.Entries {
				if c.Status == StatusOK {
					sum += c.Delta
					cents += c.AmountCents
				}
			}
			return math.Abs(sum-b.AdjustedPrice) <= 0.01 && cents == b.TotalAdjustmentCents
		},
		gen.SliceOf(gen.Float64Range(-1000, 1000)),
		gen.Float64Range(0, 10000),
	))

	properties.TestingRun(t)
}
