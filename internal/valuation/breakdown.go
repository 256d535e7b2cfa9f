package valuation

import (
	"math"

	"github.com/dealbrain/dealbrain/internal/types"
)

// LayerResult is the output of one EvaluateLayer pass.
type LayerResult struct {
	Layer         Layer
	Contributions []Contribution
	Subtotal      float64 // running subtotal after the layer
}

// LayerSummary is a per-layer rollup in a Breakdown.
type LayerSummary struct {
	Layer    Layer   `json:"layer"`
	Delta    float64 `json:"delta"`
	Subtotal float64 `json:"subtotal"`
	Rules    int     `json:"rules"`
}

// Breakdown is the full explanation of a listing's adjusted price.
type Breakdown struct {
	ListingID         types.ListingID `json:"listing_id"`
	BaselineRulesetID types.RulesetID `json:"baseline_ruleset_id,omitempty"`
	CustomerRulesetID types.RulesetID `json:"customer_ruleset_id,omitempty"`

	BasePrice       float64        `json:"base_price"`
	Entries         []Contribution `json:"entries"`
	Layers          []LayerSummary `json:"layers"`
	TotalAdjustment float64        `json:"total_adjustment"`
	AdjustedPrice   float64        `json:"adjusted_price"`
	ErrorCount      int            `json:"error_count"`

	BasePriceCents       int64 `json:"base_price_cents"`
	TotalAdjustmentCents int64 `json:"total_adjustment_cents"`
	AdjustedPriceCents   int64 `json:"adjusted_price_cents"`
}

// Cents rounds a dollar amount to cents, half away from zero.
func Cents(v float64) int64 {
	return int64(math.Round(v * 100))
}

// Assemble flattens layer results into one breakdown. The adjusted price is
// rounded once at the end; entry cents are then reconciled so they sum to
// the total adjustment exactly.
func Assemble(listingID types.ListingID, basePrice float64, layers []LayerResult) Breakdown {
	b := Breakdown{
		ListingID: listingID,
		BasePrice: basePrice,
		Entries:   []Contribution{},
		Layers:    make([]LayerSummary, 0, len(layers)),
	}

	final := basePrice
	for _, l := range layers {
		sum := LayerSummary{Layer: l.Layer, Rules: len(l.Contributions)}
		for _, c := range l.Contributions {
			if c.Status == StatusOK {
				sum.Delta += c.Delta
				final += c.Delta
			} else {
				b.ErrorCount++
			}
			b.Entries = append(b.Entries, c)
		}
		sum.Subtotal = final
		b.Layers = append(b.Layers, sum)
	}

	b.BasePriceCents = Cents(basePrice)
	b.AdjustedPriceCents = Cents(final)
	b.TotalAdjustmentCents = b.AdjustedPriceCents - b.BasePriceCents
	b.AdjustedPrice = float64(b.AdjustedPriceCents) / 100
	b.TotalAdjustment = float64(b.TotalAdjustmentCents) / 100

	reconcile(b.Entries, b.TotalAdjustmentCents)
	return b
}

// reconcile assigns per-entry cents and pushes rounding drift onto the ok
// entry with the largest absolute delta (the first one on ties).
func reconcile(entries []Contribution, totalCents int64) {
	var sum int64
	largest := -1
	for i := range entries {
		e := &entries[i]
		if e.Status != StatusOK {
			continue
		}
		e.AmountCents = Cents(e.Delta)
		sum += e.AmountCents
		if largest < 0 || math.Abs(e.Delta) > math.Abs(entries[largest].Delta) {
			largest = i
		}
	}
	if drift := totalCents - sum; drift != 0 && largest >= 0 {
		entries[largest].AmountCents += drift
		entries[largest].ReconciledCents = drift
	}
}
