package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dealbrain/dealbrain/internal/types"
)

type listingRow struct {
	ID         string    `db:"listing_id"`
	Title      string    `db:"title"`
	BasePrice  float64   `db:"base_price"`
	Condition  string    `db:"condition"`
	Attributes string    `db:"attributes"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Listing implements the listing context provider: one row, attributes
// decoded from JSON. Side-effect free.
func (s *Store) Listing(ctx context.Context, id types.ListingID) (types.Listing, error) {
	var row listingRow
	if err := s.q.Get(ctx, "get-listing", &row, string(id)); err != nil {
		return types.Listing{}, notFound(err, "listing", string(id))
	}
	l := types.Listing{
		ID:        types.ListingID(row.ID),
		Title:     row.Title,
		BasePrice: row.BasePrice,
		Condition: row.Condition,
		UpdatedAt: row.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal([]byte(row.Attributes), &l.Attributes); err != nil {
		return types.Listing{}, fmt.Errorf("listing %s: bad attributes: %w", id, err)
	}
	if l.Attributes == nil {
		l.Attributes = map[string]any{}
	}
	return l, nil
}

// UpsertListing inserts or replaces a listing snapshot.
func (s *Store) UpsertListing(ctx context.Context, l *types.Listing) error {
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = s.now()
	}
	if l.Attributes == nil {
		l.Attributes = map[string]any{}
	}
	attrs, err := marshalJSON(l.Attributes)
	if err != nil {
		return fmt.Errorf("listing attributes: %w", err)
	}
	_, err = s.q.Exec(ctx, "upsert-listing",
		string(l.ID), l.Title, l.BasePrice, l.Condition, attrs, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to write listing %s: %w", l.ID, err)
	}
	return nil
}

// ListListingIDs pages through listing ids in id order.
func (s *Store) ListListingIDs(ctx context.Context, limit, offset int) ([]types.ListingID, error) {
	var ids []string
	if err := s.q.Select(ctx, "list-listing-ids", &ids, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	return toListingIDs(ids), nil
}

// SampleListingIDs returns up to n recently updated listing ids.
func (s *Store) SampleListingIDs(ctx context.Context, n int) ([]types.ListingID, error) {
	var ids []string
	if err := s.q.Select(ctx, "sample-listing-ids", &ids, n); err != nil {
		return nil, fmt.Errorf("failed to sample listings: %w", err)
	}
	return toListingIDs(ids), nil
}

func toListingIDs(ids []string) []types.ListingID {
	out := make([]types.ListingID, len(ids))
	for i, id := range ids {
		out[i] = types.ListingID(id)
	}
	return out
}

// Valuation is a persisted breakdown for one listing and tenant.
type Valuation struct {
	ListingID            types.ListingID `db:"listing_id"`
	TenantID             types.TenantID  `db:"tenant_id"`
	BaselineRulesetID    types.RulesetID `db:"baseline_ruleset_id"`
	CustomerRulesetID    types.RulesetID `db:"customer_ruleset_id"`
	AdjustedPriceCents   int64           `db:"adjusted_price_cents"`
	TotalAdjustmentCents int64           `db:"total_adjustment_cents"`
	ErrorCount           int             `db:"error_count"`
	Breakdown            string          `db:"breakdown"` // JSON
	EvaluatedAt          time.Time       `db:"evaluated_at"`
}

// SaveValuation upserts the latest valuation of a listing for a tenant.
func (s *Store) SaveValuation(ctx context.Context, v *Valuation) error {
	if v.EvaluatedAt.IsZero() {
		v.EvaluatedAt = s.now()
	}
	_, err := s.q.Exec(ctx, "upsert-valuation",
		string(v.ListingID), string(v.TenantID), string(v.BaselineRulesetID), string(v.CustomerRulesetID),
		v.AdjustedPriceCents, v.TotalAdjustmentCents, v.ErrorCount, v.Breakdown, v.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to save valuation of %s: %w", v.ListingID, err)
	}
	return nil
}

// GetValuation loads the stored valuation of a listing for a tenant.
func (s *Store) GetValuation(ctx context.Context, listingID types.ListingID, tenant types.TenantID) (*Valuation, error) {
	var v Valuation
	if err := s.q.Get(ctx, "get-valuation", &v, string(listingID), string(tenant)); err != nil {
		return nil, notFound(err, "valuation", string(listingID))
	}
	v.EvaluatedAt = v.EvaluatedAt.UTC()
	return &v, nil
}
