// Package baseline turns reference valuation data into the read-only System
// Baseline ruleset and expands its placeholder rules into editable rules.
//
// Ingest writes one placeholder rule per (entity, field) of the source
// document. Hydration replaces a placeholder with the rules it stands for;
// internal/valuation evaluates an un-hydrated placeholder through the same
// expansion, so hydrating never changes a valuation.
package baseline

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/dealbrain/dealbrain/internal/core/schema"
	"github.com/dealbrain/dealbrain/internal/core/store"
	"github.com/dealbrain/dealbrain/internal/formula"
	"github.com/dealbrain/dealbrain/internal/types"
	"github.com/dealbrain/dealbrain/internal/valuation"
)

//go:embed schema/baseline.schema.json
var baselineSchemaJSON []byte

var sourceSchema = schema.MustCompile("baseline.schema.json", baselineSchemaJSON)

// ListingEntity holds fields that live at the top of the listing context.
const ListingEntity = "listing"

// ingestLockKey serializes ingestion; it names no ruleset.
const ingestLockKey types.RulesetID = "baseline-ingest"

// FieldSpec is one field of the baseline source document. Key names match
// the source format so documents round-trip through diffing unchanged.
type FieldSpec struct {
	FieldType        string             `json:"field_type,omitempty"`
	FieldID          string             `json:"field_id,omitempty"`
	Min              *float64           `json:"min,omitempty"`
	Max              *float64           `json:"max,omitempty"`
	Formula          string             `json:"formula,omitempty"`
	Explanation      string             `json:"explanation,omitempty"`
	Default          *float64           `json:"default,omitempty"`
	Unit             string             `json:"unit,omitempty"`
	ValuationBuckets map[string]float64 `json:"valuation_buckets,omitempty"`
}

// Document is the baseline source: entity -> field -> spec.
type Document map[string]map[string]FieldSpec

// resolvedType infers field_type when the document leaves it out.
func (f FieldSpec) resolvedType() string {
	switch {
	case f.FieldType != "":
		return f.FieldType
	case len(f.ValuationBuckets) > 0:
		return valuation.FieldTypeEnumMultiplier
	case f.Formula != "":
		return valuation.FieldTypeFormula
	default:
		return valuation.FieldTypeFixed
	}
}

// path is the listing context path the field is read from.
func (f FieldSpec) path(entity, field string) string {
	if f.FieldID != "" {
		return f.FieldID
	}
	if entity == ListingEntity {
		return field
	}
	return entity + "." + field
}

// Service ingests baseline documents and hydrates placeholder rules.
type Service struct {
	store  *store.Store
	fc     *formula.Compiler
	logger *slog.Logger
}

// NewService wires a baseline service.
func NewService(st *store.Store, fc *formula.Compiler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, fc: fc, logger: logger}
}

// IngestResult reports what Ingest did.
type IngestResult struct {
	Ruleset *types.Ruleset `json:"ruleset"`
	Created bool           `json:"created"`
	Rules   int            `json:"rules"`
}

// RulesetName is the display name of a baseline version, e.g.
// "System: Baseline v1.2".
func RulesetName(v *semver.Version) string {
	return fmt.Sprintf("System: Baseline v%d.%d", v.Major(), v.Minor())
}

// Ingest validates a baseline source document and stores it as a new,
// active baseline ruleset of placeholder rules, deactivating the previous
// baseline. A document whose canonical hash was already ingested returns
// the existing ruleset unchanged.
func (s *Service) Ingest(ctx context.Context, raw []byte, version string) (*IngestResult, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, types.NewValidationError("version", types.ErrInvalidBundle, "%q is not a semantic version", version)
	}
	if err := sourceSchema.Validate(raw); err != nil {
		return nil, err
	}
	hash, err := schema.CanonicalHash(raw)
	if err != nil {
		return nil, err
	}

	// Fast path; repeated under the lock below.
	existing, err := s.findIngested(ctx, s.store, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &IngestResult{Ruleset: existing}, nil
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidBundle, err)
	}
	tree, err := s.buildTree(doc, v, hash)
	if err != nil {
		return nil, err
	}

	rules := 0
	err = s.store.WithRulesetLock(ctx, ingestLockKey, func(tx *store.Store) error {
		found, err := s.findIngested(ctx, tx, hash)
		if err != nil || found != nil {
			existing = found
			return err
		}
		if err := freeVersion(ctx, tx, &tree.Ruleset); err != nil {
			return err
		}
		if err := tx.CreateRulesetTree(ctx, tree); err != nil {
			return err
		}
		for _, g := range tree.Groups {
			rules += len(g.Rules)
		}
		return tx.ActivateBaseline(ctx, tree.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ingest baseline: %w", err)
	}
	if existing != nil {
		return &IngestResult{Ruleset: existing}, nil
	}

	s.logger.Info("baseline ingested",
		"ruleset_id", tree.ID,
		"name", tree.Name,
		"version", tree.Version,
		"rules", rules,
		"source_hash", hash)
	return &IngestResult{Ruleset: &tree.Ruleset, Created: true, Rules: rules}, nil
}

// findIngested returns the baseline already built from hash, or nil.
func (s *Service) findIngested(ctx context.Context, st *store.Store, hash string) (*types.Ruleset, error) {
	existing, err := st.FindBaselineByHash(ctx, hash)
	switch {
	case err == nil:
		s.logger.Info("baseline already ingested", "ruleset_id", existing.ID, "source_hash", hash)
		return existing, nil
	case errors.Is(err, types.ErrNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

// freeVersion bumps the patch level until (name, version) is unused.
func freeVersion(ctx context.Context, tx *store.Store, rs *types.Ruleset) error {
	v, err := semver.NewVersion(rs.Version)
	if err != nil {
		return err
	}
	for {
		_, err := tx.FindRulesetVersion(ctx, rs.Name, v.String())
		if errors.Is(err, types.ErrNotFound) {
			rs.Version = v.String()
			return nil
		}
		if err != nil {
			return err
		}
		next := v.IncPatch()
		v = &next
	}
}

// buildTree converts a document into a ruleset tree: one group per entity
// and one placeholder rule per field, both in sorted key order.
func (s *Service) buildTree(doc Document, v *semver.Version, hash string) (*types.RulesetTree, error) {
	tree := &types.RulesetTree{
		Ruleset: types.Ruleset{
			Name:        RulesetName(v),
			Description: "System baseline valuation rules",
			Version:     v.String(),
			IsActive:    true,
			SourceHash:  hash,
			Metadata: types.Metadata{
				types.MetaSystemBaseline: true,
				types.MetaSourceVersion:  v.String(),
				types.MetaSourceHash:     hash,
			},
		},
	}

	for gi, entity := range sortedKeys(doc) {
		fields := doc[entity]
		g := types.GroupTree{RuleGroup: types.RuleGroup{
			Name:         entity,
			Category:     types.CategoryComponent,
			DisplayOrder: gi,
			Weight:       types.Ptr(1.0),
			IsActive:     true,
			Metadata:     types.Metadata{types.MetaEntityKey: entity},
		}}
		for ri, name := range sortedKeys(fields) {
			r, err := s.placeholder(entity, name, fields[name], ri)
			if err != nil {
				return nil, err
			}
			g.Rules = append(g.Rules, r)
		}
		tree.Groups = append(tree.Groups, g)
	}
	return tree, nil
}

// placeholder builds the rule for one field and checks that its expansion
// compiles, so a broken formula rejects the whole document.
func (s *Service) placeholder(entity, name string, f FieldSpec, index int) (types.Rule, error) {
	zero := 0.0
	meta := types.Metadata{
		types.MetaBaselinePlaceholder: true,
		types.MetaEntityKey:           entity,
		types.MetaFieldType:           f.resolvedType(),
		types.MetaFieldID:             f.path(entity, name),
	}
	if f.Formula != "" {
		meta[types.MetaFormula] = f.Formula
	}
	if f.Min != nil {
		meta[types.MetaMinUSD] = *f.Min
	}
	if f.Max != nil {
		meta[types.MetaMaxUSD] = *f.Max
	}
	if f.Default != nil {
		meta[types.MetaDefaultValue] = *f.Default
	}
	if f.Explanation != "" {
		meta[types.MetaExplanation] = f.Explanation
	}
	if len(f.ValuationBuckets) > 0 {
		buckets := make(map[string]any, len(f.ValuationBuckets))
		for k, m := range f.ValuationBuckets {
			buckets[k] = m
		}
		meta[types.MetaValuationBuckets] = buckets
	}

	r := types.Rule{
		Name:            entity + "." + name,
		Description:     f.Explanation,
		EvaluationOrder: index * 10,
		IsActive:        true,
		Actions:         []types.ActionSpec{{ActionType: types.ActionFixedValue, Value: &zero, UnitType: types.UnitFixed}},
		Metadata:        meta,
	}

	expanded, err := valuation.ExpandPlaceholder(r)
	if err != nil {
		return types.Rule{}, fmt.Errorf("%s.%s: %w", entity, name, err)
	}
	for _, e := range expanded {
		if _, err := valuation.CompileRule(e, s.fc); err != nil {
			return types.Rule{}, fmt.Errorf("%s.%s: %w", entity, name, err)
		}
	}
	return r, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
