package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dealbrain/dealbrain/internal/types"
)

type rulesetRow struct {
	ID          string    `db:"ruleset_id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	Version     string    `db:"version"`
	IsActive    bool      `db:"is_active"`
	IsBaseline  bool      `db:"is_baseline"`
	Metadata    string    `db:"metadata"`
	SourceHash  string    `db:"source_hash"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r rulesetRow) toRuleset() (types.Ruleset, error) {
	meta, err := unmarshalMetadata(r.Metadata)
	if err != nil {
		return types.Ruleset{}, fmt.Errorf("ruleset %s: bad metadata: %w", r.ID, err)
	}
	if r.IsBaseline {
		meta[types.MetaSystemBaseline] = true
	}
	return types.Ruleset{
		ID:          types.RulesetID(r.ID),
		Name:        r.Name,
		Description: r.Description,
		Version:     r.Version,
		IsActive:    r.IsActive,
		Metadata:    meta,
		SourceHash:  r.SourceHash,
		CreatedAt:   r.CreatedAt.UTC(),
	}, nil
}

func toRulesets(rows []rulesetRow) ([]types.Ruleset, error) {
	out := make([]types.Ruleset, 0, len(rows))
	for _, r := range rows {
		rs, err := r.toRuleset()
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, nil
}

// CreateRuleset inserts rs, assigning an id and creation time when unset.
func (s *Store) CreateRuleset(ctx context.Context, rs *types.Ruleset) error {
	if rs.ID == "" {
		rs.ID = types.NewRulesetID()
	}
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = s.now()
	}
	if rs.Metadata == nil {
		rs.Metadata = types.Metadata{}
	}
	meta, err := marshalJSON(rs.Metadata)
	if err != nil {
		return fmt.Errorf("ruleset metadata: %w", err)
	}
	_, err = s.q.Exec(ctx, "insert-ruleset",
		string(rs.ID), rs.Name, rs.Description, rs.Version, rs.IsActive, rs.IsBaseline(),
		meta, rs.SourceHash, rs.CreatedAt)
	if err != nil {
		return writeErr(err, fmt.Sprintf("ruleset %q version %s", rs.Name, rs.Version))
	}
	return nil
}

// GetRuleset loads one ruleset without its groups.
func (s *Store) GetRuleset(ctx context.Context, id types.RulesetID) (*types.Ruleset, error) {
	var row rulesetRow
	if err := s.q.Get(ctx, "get-ruleset", &row, string(id)); err != nil {
		return nil, notFound(err, "ruleset", string(id))
	}
	rs, err := row.toRuleset()
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// ListRulesets returns every ruleset version ordered by name then age.
func (s *Store) ListRulesets(ctx context.Context) ([]types.Ruleset, error) {
	var rows []rulesetRow
	if err := s.q.Select(ctx, "list-rulesets", &rows); err != nil {
		return nil, fmt.Errorf("failed to list rulesets: %w", err)
	}
	return toRulesets(rows)
}

// ListVersions returns all versions of the named ruleset, oldest first.
func (s *Store) ListVersions(ctx context.Context, name string) ([]types.Ruleset, error) {
	var rows []rulesetRow
	if err := s.q.Select(ctx, "list-ruleset-versions", &rows, name); err != nil {
		return nil, fmt.Errorf("failed to list versions of %q: %w", name, err)
	}
	return toRulesets(rows)
}

// FindRulesetVersion looks up a ruleset by name and version.
func (s *Store) FindRulesetVersion(ctx context.Context, name, version string) (*types.Ruleset, error) {
	var row rulesetRow
	if err := s.q.Get(ctx, "find-ruleset-by-version", &row, name, version); err != nil {
		return nil, notFound(err, "ruleset", name+"@"+version)
	}
	rs, err := row.toRuleset()
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// FindRulesetByHash returns the oldest version of name with the given
// source hash.
func (s *Store) FindRulesetByHash(ctx context.Context, name, hash string) (*types.Ruleset, error) {
	var row rulesetRow
	if err := s.q.Get(ctx, "find-ruleset-by-hash", &row, name, hash); err != nil {
		return nil, notFound(err, "ruleset", name+"#"+hash)
	}
	rs, err := row.toRuleset()
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// FindBaselineByHash returns the baseline ruleset ingested from a source
// document with the given hash.
func (s *Store) FindBaselineByHash(ctx context.Context, hash string) (*types.Ruleset, error) {
	var row rulesetRow
	if err := s.q.Get(ctx, "find-baseline-by-hash", &row, true, hash); err != nil {
		return nil, notFound(err, "baseline", hash)
	}
	rs, err := row.toRuleset()
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// ActiveBaseline returns the active System Baseline ruleset.
func (s *Store) ActiveBaseline(ctx context.Context) (*types.Ruleset, error) {
	var row rulesetRow
	if err := s.q.Get(ctx, "get-active-baseline", &row, true, true); err != nil {
		return nil, notFound(err, "baseline", "active")
	}
	rs, err := row.toRuleset()
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// ActivateBaseline marks id active and every other baseline inactive.
func (s *Store) ActivateBaseline(ctx context.Context, id types.RulesetID) error {
	if _, err := s.q.Exec(ctx, "deactivate-other-baselines", false, true, string(id)); err != nil {
		return fmt.Errorf("failed to deactivate baselines: %w", err)
	}
	return s.SetRulesetActive(ctx, id, true)
}

// SetRulesetActive sets the is_active flag.
func (s *Store) SetRulesetActive(ctx context.Context, id types.RulesetID, active bool) error {
	res, err := s.q.Exec(ctx, "set-ruleset-active", active, string(id))
	if err != nil {
		return fmt.Errorf("failed to update ruleset %s: %w", id, err)
	}
	return checkAffected(res, "ruleset", string(id))
}

// DeleteRuleset removes a ruleset; groups and rules cascade.
func (s *Store) DeleteRuleset(ctx context.Context, id types.RulesetID) error {
	res, err := s.q.Exec(ctx, "delete-ruleset", string(id))
	if err != nil {
		return fmt.Errorf("failed to delete ruleset %s: %w", id, err)
	}
	return checkAffected(res, "ruleset", string(id))
}

// RulesetTree loads a ruleset with all of its groups and rules. Groups come
// back in display order; rules in stored evaluation order.
func (s *Store) RulesetTree(ctx context.Context, id types.RulesetID) (*types.RulesetTree, error) {
	rs, err := s.GetRuleset(ctx, id)
	if err != nil {
		return nil, err
	}
	groups, err := s.ListGroups(ctx, id)
	if err != nil {
		return nil, err
	}

	var ruleRows []ruleRow
	if err := s.q.Select(ctx, "list-rules-by-ruleset", &ruleRows, string(id)); err != nil {
		return nil, fmt.Errorf("failed to list rules of %s: %w", id, err)
	}
	byGroup := make(map[types.GroupID][]types.Rule, len(groups))
	for _, row := range ruleRows {
		r, err := row.toRule()
		if err != nil {
			return nil, err
		}
		byGroup[r.GroupID] = append(byGroup[r.GroupID], r)
	}

	tree := &types.RulesetTree{Ruleset: *rs, Groups: make([]types.GroupTree, 0, len(groups))}
	for _, g := range groups {
		tree.Groups = append(tree.Groups, types.GroupTree{RuleGroup: g, Rules: byGroup[g.ID]})
	}
	return tree, nil
}

// CreateRulesetTree inserts a ruleset with its groups and rules under fresh
// ids, written back into tree. Hydration back-references are remapped to the
// new rule ids. Call inside InTx so a failure leaves nothing behind.
func (s *Store) CreateRulesetTree(ctx context.Context, tree *types.RulesetTree) error {
	tree.ID = ""
	if err := s.CreateRuleset(ctx, &tree.Ruleset); err != nil {
		return err
	}

	remap := make(map[types.RuleID]types.RuleID)
	for gi := range tree.Groups {
		for ri := range tree.Groups[gi].Rules {
			r := &tree.Groups[gi].Rules[ri]
			newID := types.NewRuleID()
			if r.ID != "" {
				remap[r.ID] = newID
			}
			r.ID = newID
		}
	}

	for gi := range tree.Groups {
		g := &tree.Groups[gi]
		g.ID = ""
		g.RulesetID = tree.ID
		if err := s.CreateGroup(ctx, &g.RuleGroup); err != nil {
			return err
		}
		for ri := range g.Rules {
			r := &g.Rules[ri]
			r.GroupID = g.ID
			if src := r.HydrationSource(); src != "" {
				r.Metadata = r.Metadata.Clone()
				if mapped, ok := remap[src]; ok {
					r.Metadata[types.MetaHydrationSourceRuleID] = string(mapped)
				}
			}
			if err := s.CreateRule(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// TenantRuleset returns the tenant's active customer ruleset.
func (s *Store) TenantRuleset(ctx context.Context, tenant types.TenantID) (types.RulesetID, error) {
	var id string
	err := s.q.Get(ctx, "get-tenant-ruleset", &id, string(tenant))
	if errors.Is(err, sql.ErrNoRows) {
		return "", types.NewNotFound("tenant ruleset", string(tenant))
	}
	if err != nil {
		return "", fmt.Errorf("failed to load ruleset for tenant %s: %w", tenant, err)
	}
	return types.RulesetID(id), nil
}

// SetTenantRuleset makes id the tenant's active customer ruleset. The
// primary key on tenant_id keeps at most one per tenant.
func (s *Store) SetTenantRuleset(ctx context.Context, tenant types.TenantID, id types.RulesetID) error {
	if _, err := s.q.Exec(ctx, "upsert-tenant-ruleset", string(tenant), string(id), s.now()); err != nil {
		return fmt.Errorf("failed to set ruleset for tenant %s: %w", tenant, err)
	}
	return nil
}

// TenantsForRuleset lists tenants whose active ruleset is id.
func (s *Store) TenantsForRuleset(ctx context.Context, id types.RulesetID) ([]types.TenantID, error) {
	var ids []string
	if err := s.q.Select(ctx, "list-tenants-for-ruleset", &ids, string(id)); err != nil {
		return nil, fmt.Errorf("failed to list tenants of %s: %w", id, err)
	}
	out := make([]types.TenantID, len(ids))
	for i, t := range ids {
		out[i] = types.TenantID(t)
	}
	return out, nil
}

// ListTenants returns every tenant with an active customer ruleset.
func (s *Store) ListTenants(ctx context.Context) ([]types.TenantID, error) {
	var ids []string
	if err := s.q.Select(ctx, "list-tenants", &ids); err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	out := make([]types.TenantID, len(ids))
	for i, t := range ids {
		out[i] = types.TenantID(t)
	}
	return out, nil
}
