package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dealbrain/dealbrain/internal/types"
)

type groupRow struct {
	ID           string  `db:"group_id"`
	RulesetID    string  `db:"ruleset_id"`
	Name         string  `db:"name"`
	Category     string  `db:"category"`
	DisplayOrder int     `db:"display_order"`
	Weight       float64 `db:"weight"`
	IsActive     bool    `db:"is_active"`
	Metadata     string  `db:"metadata"`
}

func (r groupRow) toGroup() (types.RuleGroup, error) {
	meta, err := unmarshalMetadata(r.Metadata)
	if err != nil {
		return types.RuleGroup{}, fmt.Errorf("group %s: bad metadata: %w", r.ID, err)
	}
	return types.RuleGroup{
		ID:           types.GroupID(r.ID),
		RulesetID:    types.RulesetID(r.RulesetID),
		Name:         r.Name,
		Category:     r.Category,
		DisplayOrder: r.DisplayOrder,
		Weight:       types.Ptr(r.Weight),
		IsActive:     r.IsActive,
		Metadata:     meta,
	}, nil
}

type ruleRow struct {
	ID              string `db:"rule_id"`
	GroupID         string `db:"group_id"`
	Name            string `db:"name"`
	Description     string `db:"description"`
	Priority        int    `db:"priority"`
	EvaluationOrder int    `db:"evaluation_order"`
	IsActive        bool   `db:"is_active"`
	Conditions      string `db:"conditions"`
	Actions         string `db:"actions"`
	Metadata        string `db:"metadata"`
}

func (r ruleRow) toRule() (types.Rule, error) {
	rule := types.Rule{
		ID:              types.RuleID(r.ID),
		GroupID:         types.GroupID(r.GroupID),
		Name:            r.Name,
		Description:     r.Description,
		Priority:        r.Priority,
		EvaluationOrder: r.EvaluationOrder,
		IsActive:        r.IsActive,
	}
	if r.Conditions != "" && r.Conditions != "null" {
		var c types.ConditionSpec
		if err := json.Unmarshal([]byte(r.Conditions), &c); err != nil {
			return types.Rule{}, fmt.Errorf("rule %s: bad conditions: %w", r.ID, err)
		}
		rule.Conditions = &c
	}
	if err := json.Unmarshal([]byte(r.Actions), &rule.Actions); err != nil {
		return types.Rule{}, fmt.Errorf("rule %s: bad actions: %w", r.ID, err)
	}
	meta, err := unmarshalMetadata(r.Metadata)
	if err != nil {
		return types.Rule{}, fmt.Errorf("rule %s: bad metadata: %w", r.ID, err)
	}
	rule.Metadata = meta
	return rule, nil
}

func toRules(rows []ruleRow) ([]types.Rule, error) {
	out := make([]types.Rule, 0, len(rows))
	for _, row := range rows {
		r, err := row.toRule()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ruleColumns serializes the JSON columns of r.
func ruleColumns(r *types.Rule) (conds, actions, meta string, err error) {
	if conds, err = marshalJSON(r.Conditions); err != nil {
		return "", "", "", fmt.Errorf("rule conditions: %w", err)
	}
	if r.Actions == nil {
		r.Actions = []types.ActionSpec{}
	}
	if actions, err = marshalJSON(r.Actions); err != nil {
		return "", "", "", fmt.Errorf("rule actions: %w", err)
	}
	if r.Metadata == nil {
		r.Metadata = types.Metadata{}
	}
	if meta, err = marshalJSON(r.Metadata); err != nil {
		return "", "", "", fmt.Errorf("rule metadata: %w", err)
	}
	return conds, actions, meta, nil
}

// CreateGroup inserts g, assigning an id when unset. Weight defaults to 1.
func (s *Store) CreateGroup(ctx context.Context, g *types.RuleGroup) error {
	if g.ID == "" {
		g.ID = types.NewGroupID()
	}
	if g.Category == "" {
		g.Category = types.CategoryCustom
	}
	if g.Weight == nil {
		g.Weight = types.Ptr(1.0)
	}
	if g.Metadata == nil {
		g.Metadata = types.Metadata{}
	}
	meta, err := marshalJSON(g.Metadata)
	if err != nil {
		return fmt.Errorf("group metadata: %w", err)
	}
	_, err = s.q.Exec(ctx, "insert-group",
		string(g.ID), string(g.RulesetID), g.Name, g.Category, g.DisplayOrder, *g.Weight, g.IsActive, meta)
	if err != nil {
		return writeErr(err, fmt.Sprintf("group %q", g.Name))
	}
	return nil
}

// GetGroup loads one group.
func (s *Store) GetGroup(ctx context.Context, id types.GroupID) (*types.RuleGroup, error) {
	var row groupRow
	if err := s.q.Get(ctx, "get-group", &row, string(id)); err != nil {
		return nil, notFound(err, "group", string(id))
	}
	g, err := row.toGroup()
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// FindGroup looks up a group by name within a ruleset.
func (s *Store) FindGroup(ctx context.Context, rulesetID types.RulesetID, name string) (*types.RuleGroup, error) {
	var row groupRow
	if err := s.q.Get(ctx, "find-group-by-name", &row, string(rulesetID), name); err != nil {
		return nil, notFound(err, "group", name)
	}
	g, err := row.toGroup()
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListGroups returns a ruleset's groups in display order.
func (s *Store) ListGroups(ctx context.Context, rulesetID types.RulesetID) ([]types.RuleGroup, error) {
	var rows []groupRow
	if err := s.q.Select(ctx, "list-groups", &rows, string(rulesetID)); err != nil {
		return nil, fmt.Errorf("failed to list groups of %s: %w", rulesetID, err)
	}
	out := make([]types.RuleGroup, 0, len(rows))
	for _, row := range rows {
		g, err := row.toGroup()
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// UpdateGroup writes g's mutable columns.
func (s *Store) UpdateGroup(ctx context.Context, g *types.RuleGroup) error {
	meta, err := marshalJSON(g.Metadata)
	if err != nil {
		return fmt.Errorf("group metadata: %w", err)
	}
	res, err := s.q.Exec(ctx, "update-group",
		g.Name, g.Category, g.DisplayOrder, g.EffectiveWeight(), g.IsActive, meta, string(g.ID))
	if err != nil {
		return writeErr(err, fmt.Sprintf("group %q", g.Name))
	}
	return checkAffected(res, "group", string(g.ID))
}

// DeleteGroup removes a group and, by cascade, its rules.
func (s *Store) DeleteGroup(ctx context.Context, id types.GroupID) error {
	res, err := s.q.Exec(ctx, "delete-group", string(id))
	if err != nil {
		return fmt.Errorf("failed to delete group %s: %w", id, err)
	}
	return checkAffected(res, "group", string(id))
}

// CreateRule inserts r, assigning an id when unset.
func (s *Store) CreateRule(ctx context.Context, r *types.Rule) error {
	if r.ID == "" {
		r.ID = types.NewRuleID()
	}
	conds, actions, meta, err := ruleColumns(r)
	if err != nil {
		return err
	}
	now := s.now()
	_, err = s.q.Exec(ctx, "insert-rule",
		string(r.ID), string(r.GroupID), r.Name, r.Description, r.Priority, r.EvaluationOrder, r.IsActive,
		conds, actions, meta, string(r.HydrationSource()), now, now)
	if err != nil {
		return writeErr(err, fmt.Sprintf("rule %q", r.Name))
	}
	return nil
}

// GetRule loads one rule.
func (s *Store) GetRule(ctx context.Context, id types.RuleID) (*types.Rule, error) {
	var row ruleRow
	if err := s.q.Get(ctx, "get-rule", &row, string(id)); err != nil {
		return nil, notFound(err, "rule", string(id))
	}
	r, err := row.toRule()
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRules returns a group's rules in stored evaluation order.
func (s *Store) ListRules(ctx context.Context, groupID types.GroupID) ([]types.Rule, error) {
	var rows []ruleRow
	if err := s.q.Select(ctx, "list-rules-by-group", &rows, string(groupID)); err != nil {
		return nil, fmt.Errorf("failed to list rules of %s: %w", groupID, err)
	}
	return toRules(rows)
}

// ListHydratedFrom returns the rules expanded from placeholder id.
func (s *Store) ListHydratedFrom(ctx context.Context, id types.RuleID) ([]types.Rule, error) {
	var rows []ruleRow
	if err := s.q.Select(ctx, "list-rules-by-hydration-source", &rows, string(id)); err != nil {
		return nil, fmt.Errorf("failed to list expansions of %s: %w", id, err)
	}
	return toRules(rows)
}

// UpdateRule writes every mutable column of r.
func (s *Store) UpdateRule(ctx context.Context, r *types.Rule) error {
	conds, actions, meta, err := ruleColumns(r)
	if err != nil {
		return err
	}
	res, err := s.q.Exec(ctx, "update-rule",
		string(r.GroupID), r.Name, r.Description, r.Priority, r.EvaluationOrder, r.IsActive,
		conds, actions, meta, string(r.HydrationSource()), s.now(), string(r.ID))
	if err != nil {
		return writeErr(err, fmt.Sprintf("rule %q", r.Name))
	}
	return checkAffected(res, "rule", string(r.ID))
}

// DeleteRule removes one rule.
func (s *Store) DeleteRule(ctx context.Context, id types.RuleID) error {
	res, err := s.q.Exec(ctx, "delete-rule", string(id))
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	return checkAffected(res, "rule", string(id))
}

// DeleteHydratedFrom removes every rule expanded from placeholder id and
// returns how many were deleted.
func (s *Store) DeleteHydratedFrom(ctx context.Context, id types.RuleID) (int64, error) {
	res, err := s.q.Exec(ctx, "delete-rules-by-hydration-source", string(id))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expansions of %s: %w", id, err)
	}
	return res.RowsAffected()
}
