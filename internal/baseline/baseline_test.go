package baseline

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealbrain/dealbrain/internal/core/store"
	"github.com/dealbrain/dealbrain/internal/core/store/storetest"
	"github.com/dealbrain/dealbrain/internal/formula"
	"github.com/dealbrain/dealbrain/internal/types"
	"github.com/dealbrain/dealbrain/internal/valuation"
)

const sourceDoc = `{
  "ram_spec": {
    "ddr_generation": {
      "field_type": "enum_multiplier",
      "valuation_buckets": {"ddr3": 0.7, "ddr4": 1.0, "ddr5": 1.3},
      "explanation": "Memory generation adjusts the running value"
    }
  },
  "cpu": {
    "cpu_mark": {
      "formula": "cpu_mark / 100",
      "min": 0,
      "max": 250,
      "explanation": "PassMark score"
    }
  },
  "listing": {
    "has_wifi": {"default": 15, "explanation": "Wireless included"}
  }
}`

type fixture struct {
	st     *store.Store
	svc    *Service
	engine *valuation.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.New(t)
	fc, err := formula.NewCompiler()
	require.NoError(t, err)
	return &fixture{
		st:     st,
		svc:    NewService(st, fc, storetest.Logger()),
		engine: valuation.NewEngine(st, st, fc, storetest.Logger()),
	}
}

func (f *fixture) ingest(t *testing.T) *types.Ruleset {
	t.Helper()
	res, err := f.svc.Ingest(context.Background(), []byte(sourceDoc), "1.0.0")
	require.NoError(t, err)
	require.True(t, res.Created)
	return res.Ruleset
}

func (f *fixture) findRule(t *testing.T, rulesetID types.RulesetID, name string) types.Rule {
	t.Helper()
	tree, err := f.st.RulesetTree(context.Background(), rulesetID)
	require.NoError(t, err)
	for _, g := range tree.Groups {
		for _, r := range g.Rules {
			if r.Name == name {
				return r
			}
		}
	}
	t.Fatalf("rule %q not found", name)
	return types.Rule{}
}

func fptr(v float64) *float64 { return &v }

func ids(rules []types.Rule) []types.RuleID {
	out := make([]types.RuleID, len(rules))
	for i, r := range rules {
		out[i] = r.ID
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestIngest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rs := f.ingest(t)

	require.Equal(t, "System: Baseline v1.0", rs.Name)
	require.True(t, rs.IsBaseline())
	require.NotEmpty(t, rs.SourceHash)

	active, err := f.st.ActiveBaseline(ctx)
	require.NoError(t, err)
	require.Equal(t, rs.ID, active.ID)

	tree, err := f.st.RulesetTree(ctx, rs.ID)
	require.NoError(t, err)
	require.Len(t, tree.Groups, 3)
	require.Equal(t, "cpu", tree.Groups[0].Name)

	wifi := f.findRule(t, rs.ID, "listing.has_wifi")
	require.True(t, wifi.IsPlaceholder())
	require.Equal(t, "has_wifi", wifi.Metadata.String(types.MetaFieldID))
	require.Equal(t, valuation.FieldTypeFixed, wifi.Metadata.String(types.MetaFieldType))

	cpu := f.findRule(t, rs.ID, "cpu.cpu_mark")
	require.Equal(t, valuation.FieldTypeFormula, cpu.Metadata.String(types.MetaFieldType))
}

func TestIngest_IdempotentByCanonicalHash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.ingest(t)

	// Same content, different formatting and key order.
	reordered := `{"listing":{"has_wifi":{"explanation":"Wireless included","default":15}},
	  "cpu":{"cpu_mark":{"max":250,"min":0,"formula":"cpu_mark / 100","explanation":"PassMark score"}},
	  "ram_spec":{"ddr_generation":{"valuation_buckets":{"ddr5":1.3,"ddr4":1.0,"ddr3":0.7},
	  "field_type":"enum_multiplier","explanation":"Memory generation adjusts the running value"}}}`
	res, err := f.svc.Ingest(ctx, []byte(reordered), "1.0.0")
	require.NoError(t, err)
	require.False(t, res.Created)
	require.Equal(t, first.ID, res.Ruleset.ID)

	all, err := f.st.ListRulesets(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestIngest_ConcurrentCallsCreateOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	results := make([]*IngestResult, 4)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Ingest(ctx, []byte(sourceDoc), "1.0.0")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	created := 0
	for _, res := range results {
		require.NotNil(t, res)
		require.Equal(t, results[0].Ruleset.ID, res.Ruleset.ID)
		if res.Created {
			created++
		}
	}
	require.Equal(t, 1, created)

	all, err := f.st.ListRulesets(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestIngest_NewVersionReplacesActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.ingest(t)

	changed := `{"cpu": {"cpu_mark": {"formula": "cpu_mark / 90"}}}`
	res, err := f.svc.Ingest(ctx, []byte(changed), "1.0.0")
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, "1.0.1", res.Ruleset.Version)

	active, err := f.st.ActiveBaseline(ctx)
	require.NoError(t, err)
	require.Equal(t, res.Ruleset.ID, active.ID)

	old, err := f.st.GetRuleset(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, old.IsActive)
}

func TestIngest_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		version string
	}{
		{"not semver", sourceDoc, "v-one"},
		{"empty document", `{}`, "1.0.0"},
		{"unknown key", `{"cpu": {"cpu_mark": {"weight": 2}}}`, "1.0.0"},
		{"enum without buckets", `{"cpu": {"brand": {"field_type": "enum_multiplier"}}}`, "1.0.0"},
		{"non-numeric bucket", `{"cpu": {"brand": {"valuation_buckets": {"amd": "high"}}}}`, "1.0.0"},
		{"broken formula", `{"cpu": {"cpu_mark": {"formula": "cpu_mark / "}}}`, "1.0.0"},
		{"malformed json", `{"cpu": `, "1.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Ingest(context.Background(), []byte(tt.doc), tt.version)
			require.Error(t, err)

			all, err := f.st.ListRulesets(context.Background())
			require.NoError(t, err)
			require.Empty(t, all)
		})
	}
}

func TestHydrateRule_EnumMultiplier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rs := f.ingest(t)
	ph := f.findRule(t, rs.ID, "ram_spec.ddr_generation")

	rules, err := f.svc.HydrateRule(ctx, ph.ID)
	require.NoError(t, err)
	require.Len(t, rules, 3)

	want := map[string]float64{"ddr3": 70, "ddr4": 100, "ddr5": 130}
	for _, r := range rules {
		require.NotNil(t, r.Conditions)
		require.Equal(t, "equals", r.Conditions.Operator)
		require.Equal(t, "ram_spec.ddr_generation", r.Conditions.Field)
		require.Len(t, r.Actions, 1)
		require.Equal(t, types.ActionMultiplier, r.Actions[0].ActionType)
		bucket := r.Conditions.Value.(string)
		require.InDelta(t, want[bucket], *r.Actions[0].Value, 1e-9)
		require.Equal(t, ph.ID, r.HydrationSource())
		require.Equal(t, ph.GroupID, r.GroupID)
	}

	got, err := f.st.GetRule(ctx, ph.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
	require.True(t, got.Metadata.Bool(types.MetaHydrated))
}

func TestHydrateRule_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rs := f.ingest(t)
	ph := f.findRule(t, rs.ID, "ram_spec.ddr_generation")

	first, err := f.svc.HydrateRule(ctx, ph.ID)
	require.NoError(t, err)
	second, err := f.svc.HydrateRule(ctx, ph.ID)
	require.NoError(t, err)
	require.Equal(t, ids(first), ids(second))

	tree, err := f.st.RulesetTree(ctx, rs.ID)
	require.NoError(t, err)
	total := 0
	for _, g := range tree.Groups {
		total += len(g.Rules)
	}
	require.Equal(t, 3+3, total)
}

func TestHydrateRule_ConcurrentCallsExpandOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rs := f.ingest(t)
	ph := f.findRule(t, rs.ID, "ram_spec.ddr_generation")

	results := make([][]types.RuleID, 4)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rules, err := f.svc.HydrateRule(ctx, ph.ID)
			assert.NoError(t, err)
			results[i] = ids(rules)
		}(i)
	}
	wg.Wait()

	for _, r := range results[1:] {
		require.Equal(t, results[0], r)
	}
	expanded, err := f.st.ListHydratedFrom(ctx, ph.ID)
	require.NoError(t, err)
	require.Len(t, expanded, 3)
}

func TestHydrateRuleset_AndDehydrate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rs := f.ingest(t)

	res, err := f.svc.HydrateRuleset(ctx, rs.ID)
	require.NoError(t, err)
	require.Equal(t, 5, res.Created)
	require.Equal(t, 0, res.Skipped)

	res, err = f.svc.HydrateRuleset(ctx, rs.ID)
	require.NoError(t, err)
	require.Equal(t, 0, res.Created)
	require.Equal(t, 3, res.Skipped)

	ph := f.findRule(t, rs.ID, "ram_spec.ddr_generation")
	require.NoError(t, f.svc.DehydrateRule(ctx, ph.ID))

	got, err := f.st.GetRule(ctx, ph.ID)
	require.NoError(t, err)
	require.True(t, got.IsActive)
	require.True(t, got.IsPlaceholder())
	expanded, err := f.st.ListHydratedFrom(ctx, ph.ID)
	require.NoError(t, err)
	require.Empty(t, expanded)

	// Dehydrating again is a no-op.
	require.NoError(t, f.svc.DehydrateRule(ctx, ph.ID))
}

func TestHydrationPreservesValuations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rs := f.ingest(t)
	sel := valuation.Selection{BaselineRulesetID: rs.ID}

	listings := []types.Listing{
		{ID: "a", BasePrice: 800, Attributes: map[string]any{"cpu_mark": 18000.0, "ram_spec": map[string]any{"ddr_generation": "ddr3"}}},
		{ID: "b", BasePrice: 450, Attributes: map[string]any{"cpu_mark": 40000.0, "ram_spec": map[string]any{"ddr_generation": "ddr5"}}},
		{ID: "c", BasePrice: 99.99, Attributes: map[string]any{"cpu_mark": 1200.0}},
	}

	before := make([]int64, len(listings))
	for i, l := range listings {
		b, err := f.engine.EvaluateAllLayers(ctx, l, sel)
		require.NoError(t, err)
		require.Zero(t, b.ErrorCount)
		before[i] = b.AdjustedPriceCents
	}

	_, err := f.svc.HydrateRuleset(ctx, rs.ID)
	require.NoError(t, err)

	for i, l := range listings {
		b, err := f.engine.EvaluateAllLayers(ctx, l, sel)
		require.NoError(t, err)
		require.Equal(t, before[i], b.AdjustedPriceCents, "listing %s", l.ID)
	}
}

func TestHydratedRulesAreEditable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rs := f.ingest(t)
	ph := f.findRule(t, rs.ID, "ram_spec.ddr_generation")

	rules, err := f.svc.HydrateRule(ctx, ph.ID)
	require.NoError(t, err)
	var ddr3 types.Rule
	for _, r := range rules {
		if r.Conditions.Value == "ddr3" {
			ddr3 = r
		}
	}
	require.NotEmpty(t, ddr3.ID)

	crud := valuation.NewService(f.st, f.engine, storetest.Logger())
	ddr3.Actions[0].Value = fptr(75)
	require.NoError(t, crud.UpdateRule(ctx, &ddr3))

	got, err := f.st.GetRule(ctx, ddr3.ID)
	require.NoError(t, err)
	require.InDelta(t, 75.0, *got.Actions[0].Value, 1e-9)
	require.Equal(t, ph.ID, got.HydrationSource())

	require.NoError(t, f.svc.DehydrateRule(ctx, ph.ID))
	_, err = f.st.GetRule(ctx, ddr3.ID)
	require.ErrorIs(t, err, types.ErrNotFound)
}
