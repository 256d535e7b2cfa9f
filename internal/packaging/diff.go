package packaging

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/dealbrain/dealbrain/internal/types"
)

// ChangeKind classifies a change.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeChanged ChangeKind = "changed"
)

// Change is one difference between two bundles. Path is a JSON pointer into
// the name-keyed form of a bundle: "/groups/<group>/rules/<rule>/...". A
// group or rule present on one side only is a single change at its own path.
type Change struct {
	ID     string     `json:"id"`
	Kind   ChangeKind `json:"kind"`
	Path   string     `json:"path"`
	Group  string     `json:"group,omitempty"`
	Rule   string     `json:"rule,omitempty"`
	Before any        `json:"before,omitempty"`
	After  any        `json:"after,omitempty"`
}

// DiffResult lists the changes that turn the base bundle into the candidate.
type DiffResult struct {
	Name             string   `json:"name"`
	BaseVersion      string   `json:"base_version"`
	BaseHash         string   `json:"base_hash"`
	CandidateVersion string   `json:"candidate_version"`
	CandidateHash    string   `json:"candidate_hash"`
	Changes          []Change `json:"changes"`
	Added            int      `json:"added"`
	Removed          int      `json:"removed"`
	Changed          int      `json:"changed"`
}

// Diff compares two bundles of the same ruleset. Groups match by name, rules
// by name within their group and every other value by path, so each
// valuation bucket or action field is its own change.
func Diff(current, candidate *Bundle) (*DiffResult, error) {
	if current.Ruleset.Name != candidate.Ruleset.Name {
		return nil, types.NewValidationError("ruleset.name", types.ErrInvalidBundle,
			"cannot diff %q against %q", current.Ruleset.Name, candidate.Ruleset.Name)
	}
	baseHash, err := current.Hash()
	if err != nil {
		return nil, err
	}
	candHash, err := candidate.Hash()
	if err != nil {
		return nil, err
	}
	before, err := keyed(current)
	if err != nil {
		return nil, err
	}
	after, err := keyed(candidate)
	if err != nil {
		return nil, err
	}

	res := &DiffResult{
		Name:             current.Ruleset.Name,
		BaseVersion:      current.Ruleset.Version,
		BaseHash:         baseHash,
		CandidateVersion: candidate.Ruleset.Version,
		CandidateHash:    candHash,
		Changes:          []Change{},
	}
	diffValue(nil, before, after, &res.Changes)
	for i := range res.Changes {
		c := &res.Changes[i]
		c.ID = string(c.Kind) + ":" + c.Path
		c.Group, c.Rule = locate(c.Path)
		switch c.Kind {
		case ChangeAdded:
			res.Added++
		case ChangeRemoved:
			res.Removed++
		default:
			res.Changed++
		}
	}
	return res, nil
}

// keyed converts a bundle to nested maps with groups and rules keyed by
// name. Names are dropped from the values since the key carries them.
func keyed(b *Bundle) (map[string]any, error) {
	groups := make(map[string]any, len(b.Groups))
	for _, g := range b.Groups {
		gm, err := toMap(g)
		if err != nil {
			return nil, err
		}
		delete(gm, "name")
		rules := make(map[string]any, len(g.Rules))
		for _, r := range g.Rules {
			rm, err := toMap(r)
			if err != nil {
				return nil, err
			}
			delete(rm, "name")
			rules[r.Name] = rm
		}
		gm["rules"] = rules
		groups[g.Name] = gm
	}
	rs, err := toMap(b.Ruleset)
	if err != nil {
		return nil, err
	}
	delete(rs, "name")
	delete(rs, "version")
	return map[string]any{"ruleset": rs, "groups": groups}, nil
}

// unkeyed reverses keyed. Groups come back in display order, rules in
// evaluation order, with names breaking ties.
func unkeyed(doc map[string]any, name, version string) (*Bundle, error) {
	b := &Bundle{Format: Format, Groups: []BundleGroup{}}
	if err := fromMap(doc["ruleset"], &b.Ruleset); err != nil {
		return nil, err
	}
	b.Ruleset.Name, b.Ruleset.Version = name, version

	groups, _ := doc["groups"].(map[string]any)
	for gname, gv := range groups {
		gm, ok := gv.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: group %q is not an object", types.ErrInvalidBundle, gname)
		}
		rules, _ := gm["rules"].(map[string]any)
		header := make(map[string]any, len(gm))
		for k, v := range gm {
			if k != "rules" {
				header[k] = v
			}
		}
		var g BundleGroup
		if err := fromMap(header, &g); err != nil {
			return nil, err
		}
		g.Name = gname
		g.Rules = make([]BundleRule, 0, len(rules))
		for rname, rv := range rules {
			var r BundleRule
			if err := fromMap(rv, &r); err != nil {
				return nil, err
			}
			r.Name = rname
			r.Actions = nonNil(r.Actions)
			g.Rules = append(g.Rules, r)
		}
		sort.Slice(g.Rules, func(i, j int) bool {
			a, b := g.Rules[i], g.Rules[j]
			if a.EvaluationOrder != b.EvaluationOrder {
				return a.EvaluationOrder < b.EvaluationOrder
			}
			return a.Name < b.Name
		})
		b.Groups = append(b.Groups, g)
	}
	sort.Slice(b.Groups, func(i, j int) bool {
		a, c := b.Groups[i], b.Groups[j]
		if a.DisplayOrder != c.DisplayOrder {
			return a.DisplayOrder < c.DisplayOrder
		}
		return a.Name < c.Name
	})
	return b, nil
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m any, dst any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidBundle, err)
	}
	return nil
}

func diffValue(path []string, a, b any, out *[]Change) {
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		for _, k := range unionKeys(am, bm) {
			av, inA := am[k]
			bv, inB := bm[k]
			p := append(append([]string(nil), path...), k)
			switch {
			case !inA:
				*out = append(*out, Change{Kind: ChangeAdded, Path: pointer(p), After: bv})
			case !inB:
				*out = append(*out, Change{Kind: ChangeRemoved, Path: pointer(p), Before: av})
			default:
				diffValue(p, av, bv, out)
			}
		}
		return
	}

	as, aIsSlice := a.([]any)
	bs, bIsSlice := b.([]any)
	if aIsSlice && bIsSlice {
		n := max(len(as), len(bs))
		for i := 0; i < n; i++ {
			p := append(append([]string(nil), path...), strconv.Itoa(i))
			switch {
			case i >= len(as):
				*out = append(*out, Change{Kind: ChangeAdded, Path: pointer(p), After: bs[i]})
			case i >= len(bs):
				*out = append(*out, Change{Kind: ChangeRemoved, Path: pointer(p), Before: as[i]})
			default:
				diffValue(p, as[i], bs[i], out)
			}
		}
		return
	}

	if !reflect.DeepEqual(a, b) {
		*out = append(*out, Change{Kind: ChangeChanged, Path: pointer(path), Before: a, After: b})
	}
}

func unionKeys(a, b map[string]any) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// pointer renders path segments as an RFC 6901 JSON pointer.
func pointer(segs []string) string {
	var sb strings.Builder
	for _, s := range segs {
		sb.WriteByte('/')
		s = strings.ReplaceAll(s, "~", "~0")
		sb.WriteString(strings.ReplaceAll(s, "/", "~1"))
	}
	return sb.String()
}

func splitPointer(p string) ([]string, error) {
	if p == "" {
		return nil, nil
	}
	if !strings.HasPrefix(p, "/") {
		return nil, fmt.Errorf("%w: pointer %q must start with /", types.ErrInvalidPath, p)
	}
	segs := strings.Split(p[1:], "/")
	for i, s := range segs {
		s = strings.ReplaceAll(s, "~1", "/")
		segs[i] = strings.ReplaceAll(s, "~0", "~")
	}
	return segs, nil
}

// locate extracts the group and rule names a path addresses.
func locate(p string) (group, rule string) {
	segs, err := splitPointer(p)
	if err != nil || len(segs) < 2 || segs[0] != "groups" {
		return "", ""
	}
	group = segs[1]
	if len(segs) >= 4 && segs[2] == "rules" {
		rule = segs[3]
	}
	return group, rule
}
