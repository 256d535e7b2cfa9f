package valuation

import (
	"fmt"
	"math"
	"sort"

	"github.com/dealbrain/dealbrain/internal/types"
)

// Placeholder field types.
const (
	FieldTypeEnumMultiplier = "enum_multiplier"
	FieldTypeFormula        = "formula"
	FieldTypeFixed          = "fixed"
)

// ExpandPlaceholder returns the rules a baseline placeholder stands for.
// Hydration persists exactly these rules and evaluation of an un-hydrated
// placeholder runs them in memory, so both paths value a listing the same.
// Expansion names never equal the placeholder's, so names stay unique
// within a group after hydration. Expansions carry no ids; they inherit
// group, evaluation_order and priority and point back at the placeholder
// via hydration metadata.
func ExpandPlaceholder(p types.Rule) ([]types.Rule, error) {
	meta := p.Metadata
	fieldType := meta.String(types.MetaFieldType)
	if fieldType == "" {
		fieldType = FieldTypeFixed
	}

	switch fieldType {
	case FieldTypeEnumMultiplier:
		return expandEnum(p)

	case FieldTypeFormula:
		src := meta.String(types.MetaFormula)
		if src == "" {
			return nil, types.NewValidationError("metadata.formula", types.ErrInvalidFormula,
				"placeholder %s has no formula", p.ID)
		}
		action := types.ActionSpec{
			ActionType: types.ActionFormula,
			Formula:    src,
			UnitType:   types.UnitFixed,
			Modifiers: types.Modifiers{
				MinUSD:      metaFloat(meta, types.MetaMinUSD),
				MaxUSD:      metaFloat(meta, types.MetaMaxUSD),
				Explanation: meta.String(types.MetaExplanation),
			},
		}
		return []types.Rule{expansion(p, 0, p.Name+": formula", nil, action)}, nil

	case FieldTypeFixed:
		v := 0.0
		if d := metaFloat(meta, types.MetaDefaultValue); d != nil {
			v = *d
		}
		action := types.ActionSpec{
			ActionType: types.ActionFixedValue,
			Value:      &v,
			UnitType:   types.UnitFixed,
			Modifiers:  types.Modifiers{Explanation: meta.String(types.MetaExplanation)},
		}
		return []types.Rule{expansion(p, 0, p.Name+": value", nil, action)}, nil

	default:
		return nil, types.NewValidationError("metadata.field_type", types.ErrInvalidAction,
			"placeholder %s has unknown field_type %q", p.ID, fieldType)
	}
}

// expandEnum yields one equality rule per bucket, in sorted bucket order.
func expandEnum(p types.Rule) ([]types.Rule, error) {
	field := p.Metadata.String(types.MetaFieldID)
	if field == "" {
		return nil, types.NewValidationError("metadata.field_id", types.ErrInvalidCondition,
			"enum placeholder %s has no field_id", p.ID)
	}
	raw, ok := p.Metadata[types.MetaValuationBuckets].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil, types.NewValidationError("metadata.valuation_buckets", types.ErrInvalidAction,
			"enum placeholder %s has no valuation_buckets", p.ID)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.Rule, 0, len(keys))
	for i, key := range keys {
		m, ok := types.Metadata(raw).Float(key)
		if !ok || math.IsNaN(m) || math.IsInf(m, 0) {
			return nil, types.NewValidationError("metadata.valuation_buckets."+key, types.ErrInvalidAction,
				"bucket %q is not a number", key)
		}
		original := m
		pct := m * 100
		cond := &types.ConditionSpec{
			Field:     field,
			Operator:  "equals",
			FieldType: "text",
			Value:     key,
		}
		action := types.ActionSpec{
			ActionType: types.ActionMultiplier,
			Value:      &pct,
			UnitType:   types.UnitPercentage,
			Modifiers: types.Modifiers{
				OriginalMultiplier: &original,
				Explanation:        p.Metadata.String(types.MetaExplanation),
			},
		}
		out = append(out, expansion(p, i, fmt.Sprintf("%s: %s", p.Name, key), cond, action))
	}
	return out, nil
}

func expansion(p types.Rule, index int, name string, cond *types.ConditionSpec, action types.ActionSpec) types.Rule {
	meta := types.Metadata{
		types.MetaHydrationSourceRuleID: string(p.ID),
		types.MetaHydrationIndex:        float64(index),
	}
	for _, k := range []string{types.MetaEntityKey, types.MetaFieldID, types.MetaFieldType} {
		if v, ok := p.Metadata[k]; ok {
			meta[k] = v
		}
	}
	return types.Rule{
		GroupID:         p.GroupID,
		Name:            name,
		Description:     p.Description,
		Priority:        p.Priority,
		EvaluationOrder: p.EvaluationOrder,
		IsActive:        true,
		Conditions:      cond,
		Actions:         []types.ActionSpec{action},
		Metadata:        meta,
	}
}

func metaFloat(m types.Metadata, key string) *float64 {
	f, ok := m.Float(key)
	if !ok {
		return nil
	}
	return &f
}
