package packaging

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/Masterminds/semver/v3"

	"github.com/dealbrain/dealbrain/internal/core/store"
	"github.com/dealbrain/dealbrain/internal/types"
)

// Adopt applies the selected changes of diff to the latest version of the
// diffed ruleset and stores the result as the next minor version. If that
// latest version is no longer the diff's base, Adopt returns a
// *types.ConflictError and the caller should diff again.
func (s *Service) Adopt(ctx context.Context, diff *DiffResult, selected []string) (*types.Ruleset, error) {
	changes, err := pick(diff, selected)
	if err != nil {
		return nil, err
	}
	base, err := latestVersion(ctx, s.store, diff.Name)
	if err != nil {
		return nil, err
	}

	var out *types.Ruleset
	err = s.store.WithRulesetLock(ctx, base.ID, func(tx *store.Store) error {
		latest, err := latestVersion(ctx, tx, diff.Name)
		if err != nil {
			return err
		}
		if latest.Version != diff.BaseVersion {
			return types.NewConflict("ruleset %q moved from %s to %s since the diff", diff.Name, diff.BaseVersion, latest.Version)
		}
		tree, err := tx.RulesetTree(ctx, latest.ID)
		if err != nil {
			return err
		}
		current, err := FromTree(tree)
		if err != nil {
			return err
		}
		if h, err := current.Hash(); err != nil {
			return err
		} else if h != diff.BaseHash {
			return types.NewConflict("ruleset %q %s changed since the diff", diff.Name, diff.BaseVersion)
		}

		merged, err := apply(current, changes)
		if err != nil {
			return err
		}
		v, err := semver.NewVersion(latest.Version)
		if err != nil {
			return err
		}
		merged.Ruleset.Version = v.IncMinor().String()
		if err := merged.validate(); err != nil {
			return err
		}
		if err := merged.Seal(); err != nil {
			return err
		}

		next := merged.ToTree()
		if err := s.checkRules(next); err != nil {
			return err
		}
		if err := nextFreeMinor(ctx, tx, &next.Ruleset); err != nil {
			return err
		}
		if err := tx.CreateRulesetTree(ctx, next); err != nil {
			return err
		}
		out = &next.Ruleset
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("changes adopted",
		"ruleset_id", out.ID,
		"name", out.Name,
		"version", out.Version,
		"base_version", diff.BaseVersion,
		"candidate_version", diff.CandidateVersion,
		"changes", len(changes))
	return out, nil
}

// pick resolves change ids against the diff, preserving diff order.
func pick(diff *DiffResult, selected []string) ([]Change, error) {
	if len(selected) == 0 {
		return nil, types.NewValidationError("changes", types.ErrInvalidBundle, "no changes selected")
	}
	want := make(map[string]bool, len(selected))
	for _, id := range selected {
		want[id] = true
	}
	var out []Change
	for _, c := range diff.Changes {
		if want[c.ID] {
			out = append(out, c)
			delete(want, c.ID)
		}
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for id := range want {
			unknown = append(unknown, id)
		}
		sort.Strings(unknown)
		return nil, types.NewValidationError("changes", types.ErrInvalidBundle, "unknown change ids %v", unknown)
	}
	return out, nil
}

// apply writes additions and edits first, then removals deepest and
// highest-index first so array positions stay valid.
func apply(base *Bundle, changes []Change) (*Bundle, error) {
	doc, err := keyed(base)
	if err != nil {
		return nil, err
	}

	var removals [][]string
	var root any = doc
	for _, c := range changes {
		segs, err := splitPointer(c.Path)
		if err != nil {
			return nil, err
		}
		if c.Kind == ChangeRemoved {
			removals = append(removals, segs)
			continue
		}
		if root, err = setAt(root, segs, c.After); err != nil {
			return nil, fmt.Errorf("change %s: %w", c.ID, err)
		}
	}
	sort.Slice(removals, func(i, j int) bool { return comparePaths(removals[i], removals[j]) > 0 })
	for _, segs := range removals {
		if root, err = removeAt(root, segs); err != nil {
			return nil, fmt.Errorf("remove %s: %w", pointer(segs), err)
		}
	}

	m, ok := root.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: merged bundle is not an object", types.ErrInvalidBundle)
	}
	return unkeyed(m, base.Ruleset.Name, base.Ruleset.Version)
}

func setAt(node any, segs []string, v any) (any, error) {
	if len(segs) == 0 {
		return v, nil
	}
	switch n := node.(type) {
	case nil:
		return setAt(map[string]any{}, segs, v)
	case map[string]any:
		child, err := setAt(n[segs[0]], segs[1:], v)
		if err != nil {
			return nil, err
		}
		n[segs[0]] = child
		return n, nil
	case []any:
		i, err := strconv.Atoi(segs[0])
		if err != nil || i < 0 || i > len(n) {
			return nil, fmt.Errorf("%w: index %q out of range", types.ErrInvalidPath, segs[0])
		}
		if i == len(n) {
			if len(segs) > 1 {
				return nil, fmt.Errorf("%w: cannot descend into missing element %d", types.ErrInvalidPath, i)
			}
			return append(n, v), nil
		}
		child, err := setAt(n[i], segs[1:], v)
		if err != nil {
			return nil, err
		}
		n[i] = child
		return n, nil
	default:
		return nil, fmt.Errorf("%w: cannot descend into %T at %q", types.ErrInvalidPath, node, segs[0])
	}
}

func removeAt(node any, segs []string) (any, error) {
	if len(segs) == 0 {
		return nil, nil
	}
	switch n := node.(type) {
	case map[string]any:
		if len(segs) == 1 {
			delete(n, segs[0])
			return n, nil
		}
		child, ok := n[segs[0]]
		if !ok {
			// Already gone with its parent.
			return n, nil
		}
		child, err := removeAt(child, segs[1:])
		if err != nil {
			return nil, err
		}
		n[segs[0]] = child
		return n, nil
	case []any:
		i, err := strconv.Atoi(segs[0])
		if err != nil || i < 0 {
			return nil, fmt.Errorf("%w: bad index %q", types.ErrInvalidPath, segs[0])
		}
		if i >= len(n) {
			return n, nil
		}
		if len(segs) == 1 {
			return append(n[:i], n[i+1:]...), nil
		}
		child, err := removeAt(n[i], segs[1:])
		if err != nil {
			return nil, err
		}
		n[i] = child
		return n, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: cannot descend into %T at %q", types.ErrInvalidPath, node, segs[0])
	}
}

// comparePaths orders paths segment by segment, numerically where both
// segments are indexes.
func comparePaths(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] == b[i] {
			continue
		}
		ai, aErr := strconv.Atoi(a[i])
		bi, bErr := strconv.Atoi(b[i])
		if aErr == nil && bErr == nil {
			if ai < bi {
				return -1
			}
			return 1
		}
		if a[i] < b[i] {
			return -1
		}
		return 1
	}
	return len(a) - len(b)
}
