// Package types provides domain models shared across the valuation components.
//
// These are definitions only: the persisted and wire shape of rulesets, groups,
// rules, conditions and actions. internal/rules and internal/valuation compile
// them into evaluable forms; internal/core/store persists them. Keeping the
// definitions free of evaluation logic lets the store, the packaging layer and
// the API share one vocabulary without importing the engine.
package types

import (
	"encoding/json"
	"time"
)

// RulesetID identifies a ruleset version (UUIDv7 string).
type RulesetID string

// GroupID identifies a rule group (UUIDv7 string).
type GroupID string

// RuleID identifies a rule (UUIDv7 string).
// UUIDv7 ordering means ascending RuleID is creation order, which is the
// final evaluation tie-break.
type RuleID string

// ListingID identifies a catalog listing. Listings are owned by the catalog,
// so no format is imposed.
type ListingID string

// TenantID identifies the tenant whose active customer ruleset applies.
type TenantID string

// Group categories.
const (
	CategoryComponent = "component"
	CategoryCondition = "condition"
	CategoryMarket    = "market"
	CategoryCustom    = "custom"
)

// Well-known metadata keys. Values are JSON-compatible (bool, float64, string, map).
const (
	MetaSystemBaseline = "system_baseline"
	MetaSourceVersion  = "source_version"
	MetaSourceHash     = "source_hash"

	MetaBasicManaged     = "basic_managed"
	MetaEntityKey        = "entity_key"
	MetaIsForeignKeyRule = "is_foreign_key_rule"

	MetaBaselinePlaceholder   = "baseline_placeholder"
	MetaHydrated              = "hydrated"
	MetaHydrationSourceRuleID = "hydration_source_rule_id"
	MetaHydrationIndex        = "hydration_index"
	MetaFieldType             = "field_type"
	MetaFieldID               = "field_id"
	MetaValuationBuckets      = "valuation_buckets"
	MetaFormula               = "formula"
	MetaDefaultValue          = "default_value"
	MetaMinUSD                = "min_usd"
	MetaMaxUSD                = "max_usd"
	MetaExplanation           = "explanation"
)

// BasicGroupName is the writable group evaluated as the Basic Adjustments layer.
const BasicGroupName = "Basic · Adjustments"

// Metadata is a free-form key-value bag stored as JSON.
type Metadata map[string]any

// Bool reads a boolean flag; absent or non-boolean values are false.
func (m Metadata) Bool(key string) bool {
	b, _ := m[key].(bool)
	return b
}

// String reads a string value; absent or non-string values are "".
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Float reads a numeric value. JSON numbers decode as float64, Go callers
// may store ints.
func (m Metadata) Float(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Clone returns a shallow copy so callers can set keys without aliasing.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Ruleset is a named, versioned collection of rule groups.
// Versions are immutable: an update creates a new Ruleset row.
type Ruleset struct {
	ID          RulesetID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Version     string    `json:"version"`
	IsActive    bool      `json:"is_active"`
	Metadata    Metadata  `json:"metadata,omitempty"`
	SourceHash  string    `json:"source_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsBaseline reports whether the ruleset is a read-only system baseline.
func (r Ruleset) IsBaseline() bool {
	return r.Metadata.Bool(MetaSystemBaseline)
}

// RuleGroup is an ordered subset of rules within one ruleset.
type RuleGroup struct {
	ID           GroupID   `json:"id"`
	RulesetID    RulesetID `json:"ruleset_id"`
	Name         string    `json:"name"`
	Category     string    `json:"category"`
	DisplayOrder int       `json:"display_order"`
	Weight       *float64  `json:"weight,omitempty"` // nil is 1
	IsActive     bool      `json:"is_active"`
	Metadata     Metadata  `json:"metadata,omitempty"`
}

// EffectiveWeight is the factor applied to every delta of the group.
// An unset weight is 1; an explicit 0 mutes the group.
func (g RuleGroup) EffectiveWeight() float64 {
	if g.Weight == nil {
		return 1
	}
	return *g.Weight
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// IsBasic reports whether the group is the Basic Adjustments layer.
func (g RuleGroup) IsBasic() bool {
	return g.Metadata.Bool(MetaBasicManaged) || g.Name == BasicGroupName
}

// ConditionSpec is one node of a condition tree as stored and transmitted.
// A node with Children (or a Logic and no Field) is a group; otherwise it is
// a leaf predicate. internal/rules compiles it into a closed variant.
type ConditionSpec struct {
	Field     string          `json:"field,omitempty"`
	Operator  string          `json:"operator,omitempty"`
	FieldType string          `json:"field_type,omitempty"`
	Value     any             `json:"value"`
	Logic     string          `json:"logic,omitempty"`
	Children  []ConditionSpec `json:"children,omitempty"`
}

// IsGroup reports whether the node combines children rather than comparing a field.
func (c ConditionSpec) IsGroup() bool {
	return len(c.Children) > 0 || (c.Field == "" && c.Logic != "")
}

// Modifiers adjust an action's raw delta after it is computed.
type Modifiers struct {
	MinUSD               *float64           `json:"min_usd,omitempty"`
	MaxUSD               *float64           `json:"max_usd,omitempty"`
	ConditionMultipliers map[string]float64 `json:"condition_multipliers,omitempty"`
	OriginalMultiplier   *float64           `json:"original_multiplier,omitempty"`
	Explanation          string             `json:"explanation,omitempty"`
}

// Action types.
const (
	ActionFixedValue = "fixed_value"
	ActionPerUnit    = "per_unit"
	ActionMultiplier = "multiplier"
	ActionFormula    = "formula"
)

// Unit types.
const (
	UnitFixed      = "fixed"
	UnitPerUnit    = "per_unit"
	UnitPercentage = "percentage"
)

// ActionSpec is an action as stored and transmitted. Exactly one of Value
// and Formula is authoritative depending on ActionType.
type ActionSpec struct {
	ActionType string    `json:"action_type"`
	Value      *float64  `json:"value,omitempty"`
	Formula    string    `json:"formula,omitempty"`
	UnitType   string    `json:"unit_type,omitempty"`
	UnitField  string    `json:"unit_field,omitempty"`
	Modifiers  Modifiers `json:"modifiers,omitempty"`
}

// Rule is a condition tree plus the actions applied when it matches.
type Rule struct {
	ID              RuleID         `json:"id"`
	GroupID         GroupID        `json:"group_id"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	Priority        int            `json:"priority"`
	EvaluationOrder int            `json:"evaluation_order"`
	IsActive        bool           `json:"is_active"`
	Conditions      *ConditionSpec `json:"conditions,omitempty"`
	Actions         []ActionSpec   `json:"actions"`
	Metadata        Metadata       `json:"metadata,omitempty"`
}

// IsPlaceholder reports whether the rule is an un-hydrated baseline placeholder.
func (r Rule) IsPlaceholder() bool {
	return r.Metadata.Bool(MetaBaselinePlaceholder) && !r.Metadata.Bool(MetaHydrated)
}

// HydrationSource returns the placeholder a hydrated rule was expanded from.
func (r Rule) HydrationSource() RuleID {
	return RuleID(r.Metadata.String(MetaHydrationSourceRuleID))
}

// GroupTree is a group with its rules.
type GroupTree struct {
	RuleGroup
	Rules []Rule `json:"rules"`
}

// RulesetTree is a ruleset with its full group and rule hierarchy.
type RulesetTree struct {
	Ruleset
	Groups []GroupTree `json:"groups"`
}

// FindRule returns the rule with id and its group, or false.
func (t *RulesetTree) FindRule(id RuleID) (*GroupTree, *Rule, bool) {
	for gi := range t.Groups {
		g := &t.Groups[gi]
		for ri := range g.Rules {
			if g.Rules[ri].ID == id {
				return g, &g.Rules[ri], true
			}
		}
	}
	return nil, nil, false
}

// Context is a listing's attribute snapshot. Keys are either dotted paths
// ("ram_spec.ddr_generation") or nested maps; internal/rules resolves both.
type Context map[string]any

// Reserved context keys populated from Listing fields.
const (
	CtxBasePrice = "base_price"
	CtxCondition = "condition"
	CtxListingID = "listing_id"
)

// Listing is the catalog entry being valued.
type Listing struct {
	ID         ListingID      `json:"id"`
	Title      string         `json:"title"`
	BasePrice  float64        `json:"base_price"`
	Condition  string         `json:"condition"`
	Attributes map[string]any `json:"attributes"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Context builds the evaluation context. Attributes are copied so the
// listing is never mutated by evaluation.
func (l Listing) Context() Context {
	ctx := make(Context, len(l.Attributes)+3)
	for k, v := range l.Attributes {
		ctx[k] = v
	}
	ctx[CtxListingID] = string(l.ID)
	ctx[CtxBasePrice] = l.BasePrice
	if l.Condition != "" {
		ctx[CtxCondition] = l.Condition
	}
	return ctx
}

// Resource limits enforced at compile time to bound evaluation cost.
const (
	// MaxPathDepth prevents deep recursion during field resolution.
	MaxPathDepth = 16

	// MaxNestedWildcards limits fan-out of [*] segments.
	MaxNestedWildcards = 2

	// MaxInOperatorValues bounds in_list/not_in_list comparison cost.
	MaxInOperatorValues = 64

	// MaxConditionDepth bounds nesting of condition groups.
	MaxConditionDepth = 8

	// MaxActionsPerRule bounds per-rule work.
	MaxActionsPerRule = 16
)
