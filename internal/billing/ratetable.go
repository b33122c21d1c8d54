package billing

import (
	"errors"
	"fmt"

	"github.com/gridpulse/metering-plane/pkg/models"
)

// TierCount is the number of consumption brackets every rate table
// carries. The tariff structure is fixed; regions differ only in the
// numbers, never in the shape.
const TierCount = 4

// ErrInvalidRateTable indicates a rate table that does not satisfy the
// tier invariants. It is a configuration error and is surfaced when a
// table is loaded or stored, never per sample.
var ErrInvalidRateTable = errors.New("invalid rate table")

// ValidateRateTable checks the tier invariants: exactly TierCount
// tiers, strictly ascending upper bounds, non-negative amounts.
func ValidateRateTable(table *models.RateTable) error {
	if table == nil {
		return fmt.Errorf("%w: nil table", ErrInvalidRateTable)
	}
	if len(table.Tiers) != TierCount {
		return fmt.Errorf("%w: expected %d tiers, got %d", ErrInvalidRateTable, TierCount, len(table.Tiers))
	}
	for i, tier := range table.Tiers {
		if tier.UpperBound <= 0 || tier.CostPerUnit < 0 || tier.TaxPerUnit < 0 {
			return fmt.Errorf("%w: tier %d has negative or zero values", ErrInvalidRateTable, i)
		}
		if i > 0 && tier.UpperBound <= table.Tiers[i-1].UpperBound {
			return fmt.Errorf("%w: tier bounds not strictly ascending at index %d", ErrInvalidRateTable, i)
		}
	}
	return nil
}

// selectTier returns the index of the highest tier whose upper bound
// the consumption strictly exceeds, falling back to tier 0 when it
// exceeds none. The comparison is strict, so units exactly on a bound
// do not select that tier, and anything above the last bound stays in
// the top tier.
func selectTier(units float64, tiers []models.RateTier) int {
	for i := len(tiers) - 1; i >= 1; i-- {
		if units > tiers[i].UpperBound {
			return i
		}
	}
	return 0
}
