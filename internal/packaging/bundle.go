// Package packaging moves rulesets between installations as self-contained
// bundles and merges selected changes from one version into the next.
//
// A bundle carries names, never store ids: groups are keyed by name and rules
// by name within their group. source_hash is the sha256 of the JCS-canonical
// bundle with source_hash removed, so reformatting or reordering keys leaves
// it unchanged.
package packaging

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dealbrain/dealbrain/internal/core/schema"
	"github.com/dealbrain/dealbrain/internal/types"
)

// Format identifies the bundle layout.
const Format = "dealbrain.ruleset.v1"

//go:embed schema/bundle.schema.json
var bundleSchemaJSON []byte

var bundleSchema = schema.MustCompile("bundle.schema.json", bundleSchemaJSON)

// Encoding selects the bundle serialization.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingYAML Encoding = "yaml"
)

// Bundle is a portable ruleset.
type Bundle struct {
	Format     string        `json:"format"`
	SourceHash string        `json:"source_hash,omitempty"`
	Ruleset    BundleRuleset `json:"ruleset"`
	Groups     []BundleGroup `json:"groups"`
}

// BundleRuleset is the ruleset header.
type BundleRuleset struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Version     string         `json:"version"`
	Metadata    types.Metadata `json:"metadata,omitempty"`
}

// BundleGroup is a group and its rules.
type BundleGroup struct {
	Name         string         `json:"name"`
	Category     string         `json:"category,omitempty"`
	DisplayOrder int            `json:"display_order"`
	Weight       *float64       `json:"weight,omitempty"`
	IsActive     bool           `json:"is_active"`
	Metadata     types.Metadata `json:"metadata,omitempty"`
	Rules        []BundleRule   `json:"rules"`
}

// BundleRule is a rule without its store ids. A hydrated rule's
// hydration_source_rule_id metadata holds the placeholder's rule name.
type BundleRule struct {
	Name            string               `json:"name"`
	Description     string               `json:"description,omitempty"`
	Priority        int                  `json:"priority"`
	EvaluationOrder int                  `json:"evaluation_order"`
	IsActive        bool                 `json:"is_active"`
	Conditions      *types.ConditionSpec `json:"conditions,omitempty"`
	Actions         []types.ActionSpec   `json:"actions"`
	Metadata        types.Metadata       `json:"metadata,omitempty"`
}

// Decode parses a JSON or YAML bundle, validates it against the bundle
// schema and checks source_hash when present. The encoding is detected from
// the first non-space byte.
func Decode(data []byte) (*Bundle, error) {
	raw, err := toJSON(data)
	if err != nil {
		return nil, err
	}
	if err := bundleSchema.Validate(raw); err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidBundle, err)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	if b.SourceHash != "" {
		want, err := b.Hash()
		if err != nil {
			return nil, err
		}
		if want != b.SourceHash {
			return nil, fmt.Errorf("%w: bundle says %s, content hashes to %s", types.ErrHashMismatch, b.SourceHash, want)
		}
	}
	return &b, nil
}

// toJSON converts YAML input to JSON so one schema serves both encodings.
func toJSON(data []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: malformed YAML: %v", types.ErrInvalidBundle, err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidBundle, err)
	}
	return out, nil
}

// Encode serializes the bundle. YAML output mirrors the JSON field names.
func (b *Bundle) Encode(enc Encoding) ([]byte, error) {
	raw, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, err
	}
	switch enc {
	case EncodingJSON, "":
		return append(raw, '\n'), nil
	case EncodingYAML:
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		return yaml.Marshal(doc)
	default:
		return nil, fmt.Errorf("unknown bundle encoding %q", enc)
	}
}

// Hash returns the canonical content hash, ignoring SourceHash itself.
func (b *Bundle) Hash() (string, error) {
	c := *b
	c.SourceHash = ""
	raw, err := json.Marshal(&c)
	if err != nil {
		return "", err
	}
	return schema.CanonicalHash(raw)
}

// Seal stamps SourceHash from the current content.
func (b *Bundle) Seal() error {
	h, err := b.Hash()
	if err != nil {
		return err
	}
	b.SourceHash = h
	return nil
}

// validate enforces the name uniqueness that diffing depends on.
func (b *Bundle) validate() error {
	if b.Format != Format {
		return types.NewValidationError("format", types.ErrInvalidBundle, "unsupported format %q", b.Format)
	}
	groups := make(map[string]bool, len(b.Groups))
	for gi, g := range b.Groups {
		if groups[g.Name] {
			return types.NewValidationError(fmt.Sprintf("groups[%d].name", gi), types.ErrInvalidBundle,
				"duplicate group %q", g.Name)
		}
		groups[g.Name] = true
		rules := make(map[string]bool, len(g.Rules))
		for ri, r := range g.Rules {
			if rules[r.Name] {
				return types.NewValidationError(fmt.Sprintf("groups[%d].rules[%d].name", gi, ri), types.ErrInvalidBundle,
					"duplicate rule %q in group %q", r.Name, g.Name)
			}
			rules[r.Name] = true
		}
	}
	return nil
}

// FromTree converts a stored ruleset into an unsealed bundle.
func FromTree(tree *types.RulesetTree) (*Bundle, error) {
	names := make(map[types.RuleID]string)
	for _, g := range tree.Groups {
		for _, r := range g.Rules {
			names[r.ID] = r.Name
		}
	}

	b := &Bundle{
		Format: Format,
		Ruleset: BundleRuleset{
			Name:        tree.Name,
			Description: tree.Description,
			Version:     tree.Version,
			Metadata:    exportMeta(tree.Metadata),
		},
		Groups: make([]BundleGroup, 0, len(tree.Groups)),
	}
	for _, g := range tree.Groups {
		bg := BundleGroup{
			Name:         g.Name,
			Category:     g.Category,
			DisplayOrder: g.DisplayOrder,
			Weight:       types.Ptr(g.EffectiveWeight()),
			IsActive:     g.IsActive,
			Metadata:     exportMeta(g.Metadata),
			Rules:        make([]BundleRule, 0, len(g.Rules)),
		}
		for _, r := range g.Rules {
			meta := exportMeta(r.Metadata)
			if src := r.HydrationSource(); src != "" {
				name, ok := names[src]
				if !ok {
					return nil, fmt.Errorf("rule %s: hydration source %s is outside the ruleset", r.ID, src)
				}
				meta[types.MetaHydrationSourceRuleID] = name
			}
			bg.Rules = append(bg.Rules, BundleRule{
				Name:            r.Name,
				Description:     r.Description,
				Priority:        r.Priority,
				EvaluationOrder: r.EvaluationOrder,
				IsActive:        r.IsActive,
				Conditions:      r.Conditions,
				Actions:         nonNil(r.Actions),
				Metadata:        meta,
			})
		}
		b.Groups = append(b.Groups, bg)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// ToTree converts a bundle into an unsaved ruleset tree. Rules get
// provisional ids derived from their names so store.CreateRulesetTree can
// remap hydration back-references.
func (b *Bundle) ToTree() *types.RulesetTree {
	meta := b.Ruleset.Metadata.Clone()
	tree := &types.RulesetTree{
		Ruleset: types.Ruleset{
			Name:        b.Ruleset.Name,
			Description: b.Ruleset.Description,
			Version:     b.Ruleset.Version,
			Metadata:    meta,
			SourceHash:  b.SourceHash,
		},
		Groups: make([]types.GroupTree, 0, len(b.Groups)),
	}
	for _, g := range b.Groups {
		// Expansions live in their placeholder's group.
		provisional := make(map[string]types.RuleID, len(g.Rules))
		for _, r := range g.Rules {
			provisional[r.Name] = types.RuleID("bundle:" + g.Name + "/" + r.Name)
		}
		gt := types.GroupTree{RuleGroup: types.RuleGroup{
			Name:         g.Name,
			Category:     g.Category,
			DisplayOrder: g.DisplayOrder,
			Weight:       types.Ptr(derefWeight(g.Weight)),
			IsActive:     g.IsActive,
			Metadata:     g.Metadata.Clone(),
		}}
		for _, r := range g.Rules {
			rm := r.Metadata.Clone()
			if src := rm.String(types.MetaHydrationSourceRuleID); src != "" {
				if id, ok := provisional[src]; ok {
					rm[types.MetaHydrationSourceRuleID] = string(id)
				}
			}
			gt.Rules = append(gt.Rules, types.Rule{
				ID:              provisional[r.Name],
				Name:            r.Name,
				Description:     r.Description,
				Priority:        r.Priority,
				EvaluationOrder: r.EvaluationOrder,
				IsActive:        r.IsActive,
				Conditions:      r.Conditions,
				Actions:         r.Actions,
				Metadata:        rm,
			})
		}
		tree.Groups = append(tree.Groups, gt)
	}
	return tree
}

func nonNil(a []types.ActionSpec) []types.ActionSpec {
	if a == nil {
		return []types.ActionSpec{}
	}
	return a
}

// exportMeta drops keys that describe a particular installation.
func exportMeta(m types.Metadata) types.Metadata {
	out := m.Clone()
	delete(out, types.MetaSourceHash)
	return out
}

// derefWeight reads a bundle weight; an omitted weight is 1.
func derefWeight(w *float64) float64 {
	if w == nil {
		return 1
	}
	return *w
}
