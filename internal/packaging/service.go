package packaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"

	"github.com/dealbrain/dealbrain/internal/core/store"
	"github.com/dealbrain/dealbrain/internal/formula"
	"github.com/dealbrain/dealbrain/internal/types"
	"github.com/dealbrain/dealbrain/internal/valuation"
)

// Service exports, imports and merges ruleset bundles.
type Service struct {
	store  *store.Store
	fc     *formula.Compiler
	logger *slog.Logger
}

// NewService wires a packaging service.
func NewService(st *store.Store, fc *formula.Compiler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, fc: fc, logger: logger}
}

// Export returns the sealed bundle of a stored ruleset.
func (s *Service) Export(ctx context.Context, id types.RulesetID) (*Bundle, error) {
	tree, err := s.store.RulesetTree(ctx, id)
	if err != nil {
		return nil, err
	}
	b, err := FromTree(tree)
	if err != nil {
		return nil, err
	}
	if err := b.Seal(); err != nil {
		return nil, err
	}
	return b, nil
}

// ImportResult reports what Import did.
type ImportResult struct {
	Ruleset *types.Ruleset `json:"ruleset"`
	Created bool           `json:"created"`
	Bumped  bool           `json:"bumped"` // version already existed
}

// Import stores a bundle as a new ruleset version. Every rule must compile
// before anything is written, and all rows commit in one transaction. A
// bundle whose name and source_hash match an existing version returns that
// version unchanged. When the bundle's version is taken the minor version
// is bumped until it is free.
func (s *Service) Import(ctx context.Context, b *Bundle) (*ImportResult, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	if _, err := semver.NewVersion(b.Ruleset.Version); err != nil {
		return nil, types.NewValidationError("ruleset.version", types.ErrInvalidBundle,
			"%q is not a semantic version", b.Ruleset.Version)
	}
	hash, err := b.Hash()
	if err != nil {
		return nil, err
	}
	if b.SourceHash != "" && b.SourceHash != hash {
		return nil, fmt.Errorf("%w: bundle says %s, content hashes to %s", types.ErrHashMismatch, b.SourceHash, hash)
	}
	sealed := *b
	sealed.SourceHash = hash

	tree := sealed.ToTree()
	if err := s.checkRules(tree); err != nil {
		return nil, err
	}

	res := &ImportResult{}
	err = s.store.InTx(ctx, func(tx *store.Store) error {
		existing, err := findByContent(ctx, tx, tree.Name, hash)
		if err != nil {
			return err
		}
		if existing != nil {
			res.Ruleset = existing
			return nil
		}

		requested := tree.Version
		if err := nextFreeMinor(ctx, tx, &tree.Ruleset); err != nil {
			return err
		}
		res.Bumped = tree.Version != requested
		if err := tx.CreateRulesetTree(ctx, tree); err != nil {
			return err
		}
		res.Ruleset = &tree.Ruleset
		res.Created = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import %q: %w", b.Ruleset.Name, err)
	}

	if res.Created {
		s.logger.Info("bundle imported",
			"ruleset_id", res.Ruleset.ID,
			"name", res.Ruleset.Name,
			"version", res.Ruleset.Version,
			"bumped", res.Bumped,
			"source_hash", hash)
	} else {
		s.logger.Info("bundle already imported", "ruleset_id", res.Ruleset.ID, "source_hash", hash)
	}
	return res, nil
}

// checkRules compiles every rule, expanding placeholders first.
func (s *Service) checkRules(tree *types.RulesetTree) error {
	for gi, g := range tree.Groups {
		for ri, r := range g.Rules {
			where := fmt.Sprintf("groups[%d].rules[%d]", gi, ri)
			candidates := []types.Rule{r}
			if r.IsPlaceholder() {
				expanded, err := valuation.ExpandPlaceholder(r)
				if err != nil {
					return fmt.Errorf("%s (%s): %w", where, r.Name, err)
				}
				candidates = expanded
			}
			for _, c := range candidates {
				if _, err := valuation.CompileRule(c, s.fc); err != nil {
					return fmt.Errorf("%s (%s): %w", where, r.Name, err)
				}
			}
		}
	}
	return nil
}

// findByContent returns the version of name whose bundle hashes to hash,
// or nil. Versions created from a bundle record the hash directly; others,
// such as ingested baselines, are exported and hashed.
func findByContent(ctx context.Context, tx *store.Store, name, hash string) (*types.Ruleset, error) {
	rs, err := tx.FindRulesetByHash(ctx, name, hash)
	if err == nil {
		return rs, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	versions, err := tx.ListVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	for i := range versions {
		tree, err := tx.RulesetTree(ctx, versions[i].ID)
		if err != nil {
			return nil, err
		}
		b, err := FromTree(tree)
		if err != nil {
			continue
		}
		if h, err := b.Hash(); err == nil && h == hash {
			return &versions[i], nil
		}
	}
	return nil, nil
}

// nextFreeMinor bumps the minor version until (name, version) is unused.
func nextFreeMinor(ctx context.Context, tx *store.Store, rs *types.Ruleset) error {
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
		next := v.IncMinor()
		v = &next
	}
}

// latestVersion returns the highest semantic version of name.
func latestVersion(ctx context.Context, st *store.Store, name string) (*types.Ruleset, error) {
	versions, err := st.ListVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	var (
		best    *types.Ruleset
		bestVer *semver.Version
	)
	for i := range versions {
		v, err := semver.NewVersion(versions[i].Version)
		if err != nil {
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			best, bestVer = &versions[i], v
		}
	}
	if best == nil {
		return nil, types.NewNotFound("ruleset", name)
	}
	return best, nil
}
