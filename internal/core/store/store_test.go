package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealbrain/dealbrain/internal/core/store"
	"github.com/dealbrain/dealbrain/internal/core/store/storetest"
	"github.com/dealbrain/dealbrain/internal/types"
)

func fptr(v float64) *float64 { return &v }

func seedRuleset(t *testing.T, st *store.Store) (*types.Ruleset, *types.RuleGroup) {
	t.Helper()
	ctx := context.Background()
	rs := &types.Ruleset{Name: "Custom", Version: "1.0.0", IsActive: true}
	require.NoError(t, st.CreateRuleset(ctx, rs))
	g := &types.RuleGroup{RulesetID: rs.ID, Name: "RAM", Category: types.CategoryComponent, IsActive: true}
	require.NoError(t, st.CreateGroup(ctx, g))
	return rs, g
}

func TestRulesetTree_RoundTrip(t *testing.T) {
	ctx := context.Background()
	st := storetest.New(t)
	rs, g := seedRuleset(t, st)
	require.Equal(t, 1.0, g.EffectiveWeight())

	r := &types.Rule{
		GroupID:         g.ID,
		Name:            "RAM >= 16",
		EvaluationOrder: 10,
		IsActive:        true,
		Conditions:      &types.ConditionSpec{Field: "ram_gb", Operator: "gte", FieldType: "numeric", Value: 16.0},
		Actions: []types.ActionSpec{{
			ActionType: types.ActionPerUnit,
			Value:      fptr(3),
			UnitField:  "ram_gb",
			Modifiers:  types.Modifiers{MinUSD: fptr(0), ConditionMultipliers: map[string]float64{"used": 0.6}},
		}},
	}
	require.NoError(t, st.CreateRule(ctx, r))

	tree, err := st.RulesetTree(ctx, rs.ID)
	require.NoError(t, err)
	require.Len(t, tree.Groups, 1)
	require.Len(t, tree.Groups[0].Rules, 1)

	got := tree.Groups[0].Rules[0]
	require.Equal(t, r.ID, got.ID)
	require.Equal(t, "gte", got.Conditions.Operator)
	require.Equal(t, 16.0, got.Conditions.Value)
	require.Equal(t, 3.0, *got.Actions[0].Value)
	require.Equal(t, 0.6, got.Actions[0].Modifiers.ConditionMultipliers["used"])
}

func TestCreateGroup_ExplicitZeroWeightPersists(t *testing.T) {
	ctx := context.Background()
	st := storetest.New(t)
	rs, _ := seedRuleset(t, st)

	muted := &types.RuleGroup{RulesetID: rs.ID, Name: "Muted", Weight: types.Ptr(0.0), IsActive: true}
	require.NoError(t, st.CreateGroup(ctx, muted))
	got, err := st.GetGroup(ctx, muted.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Weight)
	require.Equal(t, 0.0, got.EffectiveWeight())
}

func TestCreateRuleset_DuplicateVersionConflicts(t *testing.T) {
	ctx := context.Background()
	st := storetest.New(t)
	seedRuleset(t, st)

	err := st.CreateRuleset(ctx, &types.Ruleset{Name: "Custom", Version: "1.0.0"})
	require.ErrorIs(t, err, types.ErrConflict)
}

func TestGetRuleset_NotFound(t *testing.T) {
	st := storetest.New(t)
	_, err := st.GetRuleset(context.Background(), types.NewRulesetID())

	var nf *types.NotFoundError
	require.True(t, errors.As(err, &nf))
	require.Equal(t, "ruleset", nf.Kind)
}

func TestDeleteGroup_CascadesRules(t *testing.T) {
	ctx := context.Background()
	st := storetest.New(t)
	_, g := seedRuleset(t, st)

	r := &types.Rule{GroupID: g.ID, Name: "flat", IsActive: true,
		Actions: []types.ActionSpec{{ActionType: types.ActionFixedValue, Value: fptr(5)}}}
	require.NoError(t, st.CreateRule(ctx, r))
	require.NoError(t, st.DeleteGroup(ctx, g.ID))

	_, err := st.GetRule(ctx, r.ID)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestInTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	st := storetest.New(t)
	boom := errors.New("boom")

	var id types.RulesetID
	err := st.InTx(ctx, func(tx *store.Store) error {
		rs := &types.Ruleset{Name: "Temp", Version: "1.0.0"}
		if err := tx.CreateRuleset(ctx, rs); err != nil {
			return err
		}
		id = rs.ID
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = st.GetRuleset(ctx, id)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestCreateRulesetTree_RemapsHydrationSource(t *testing.T) {
	ctx := context.Background()
	st := storetest.New(t)

	placeholderID := types.RuleID("old-placeholder")
	tree := &types.RulesetTree{
		Ruleset: types.Ruleset{Name: "Copy", Version: "1.0.0"},
		Groups: []types.GroupTree{{
			RuleGroup: types.RuleGroup{Name: "G", IsActive: true},
			Rules: []types.Rule{
				{ID: placeholderID, Name: "p", Metadata: types.Metadata{types.MetaBaselinePlaceholder: true, types.MetaHydrated: true}},
				{ID: "old-child", Name: "c", IsActive: true,
					Metadata: types.Metadata{types.MetaHydrationSourceRuleID: string(placeholderID)}},
			},
		}},
	}
	require.NoError(t, st.InTx(ctx, func(tx *store.Store) error { return tx.CreateRulesetTree(ctx, tree) }))

	loaded, err := st.RulesetTree(ctx, tree.ID)
	require.NoError(t, err)
	_, p, ok := loaded.FindRule(tree.Groups[0].Rules[0].ID)
	require.True(t, ok)
	require.NotEqual(t, placeholderID, p.ID)

	children, err := st.ListHydratedFrom(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "c", children[0].Name)
}

func TestBaselineActivation(t *testing.T) {
	ctx := context.Background()
	st := storetest.New(t)

	mk := func(version string) *types.Ruleset {
		rs := &types.Ruleset{
			Name:     "System: Baseline v" + version,
			Version:  version,
			Metadata: types.Metadata{types.MetaSystemBaseline: true},
		}
		require.NoError(t, st.CreateRuleset(ctx, rs))
		require.NoError(t, st.ActivateBaseline(ctx, rs.ID))
		return rs
	}
	mk("1.0.0")
	second := mk("1.1.0")

	active, err := st.ActiveBaseline(ctx)
	require.NoError(t, err)
	require.Equal(t, second.ID, active.ID)
	require.True(t, active.IsBaseline())
}

func TestTenantRuleset(t *testing.T) {
	ctx := context.Background()
	st := storetest.New(t)
	rs, _ := seedRuleset(t, st)

	_, err := st.TenantRuleset(ctx, "acme")
	require.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, st.SetTenantRuleset(ctx, "acme", rs.ID))
	got, err := st.TenantRuleset(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, rs.ID, got)

	tenants, err := st.TenantsForRuleset(ctx, rs.ID)
	require.NoError(t, err)
	require.Equal(t, []types.TenantID{"acme"}, tenants)
}

func TestListingAndValuation(t *testing.T) {
	ctx := context.Background()
	st := storetest.New(t)

	l := &types.Listing{ID: "L1", Title: "Mini PC", BasePrice: 800, Condition: "used",
		Attributes: map[string]any{"ram_gb": 32.0}}
	require.NoError(t, st.UpsertListing(ctx, l))

	got, err := st.Listing(ctx, "L1")
	require.NoError(t, err)
	require.Equal(t, 32.0, got.Attributes["ram_gb"])
	require.Equal(t, "used", got.Condition)

	ids, err := st.ListListingIDs(ctx, 10, 0)
	require.NoError(t, err)
	require.Equal(t, []types.ListingID{"L1"}, ids)

	v := &store.Valuation{ListingID: "L1", TenantID: "acme", AdjustedPriceCents: 94600,
		TotalAdjustmentCents: 14600, Breakdown: `{"entries":[]}`}
	require.NoError(t, st.SaveValuation(ctx, v))
	v.AdjustedPriceCents = 90000
	require.NoError(t, st.SaveValuation(ctx, v))

	stored, err := st.GetValuation(ctx, "L1", "acme")
	require.NoError(t, err)
	require.Equal(t, int64(90000), stored.AdjustedPriceCents)
}

func TestWithRulesetLock_Serializes(t *testing.T) {
	ctx := context.Background()
	st := storetest.New(t)
	rs, g := seedRuleset(t, st)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.WithRulesetLock(ctx, rs.ID, func(tx *store.Store) error {
				rules, err := tx.ListRules(ctx, g.ID)
				if err != nil {
					return err
				}
				if len(rules) > 0 {
					return nil
				}
				return tx.CreateRule(ctx, &types.Rule{GroupID: g.ID, Name: "once", IsActive: true,
					Actions: []types.ActionSpec{{ActionType: types.ActionFixedValue, Value: fptr(1)}}})
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rules, err := st.ListRules(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
}
