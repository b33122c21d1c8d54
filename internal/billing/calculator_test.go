package billing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridpulse/metering-plane/pkg/models"
)

// referenceTable is the production tariff the calculator was verified
// against.
func referenceTable() *models.RateTable {
	return &models.RateTable{
		Region:          "MH",
		Base:            138,
		PercentPerUnit:  1.17,
		TotalTaxPercent: 16,
		Tax:             1.52,
		Tiers: []models.RateTier{
			{UpperBound: 100, CostPerUnit: 4.71, TaxPerUnit: 0.45},
			{UpperBound: 300, CostPerUnit: 10.29, TaxPerUnit: 0.8},
			{UpperBound: 500, CostPerUnit: 14.55, TaxPerUnit: 1.1},
			{UpperBound: 1000, CostPerUnit: 16.64, TaxPerUnit: 1.15},
		},
	}
}

func TestComputeReferenceVector(t *testing.T) {
	// 458 kWh exceeds the 300 bound but not the 500 one, so the second
	// tier (10.29/unit, 0.8 tax/unit) applies:
	//   base      = 458*10.29 + 138      = 4850.82
	//   linearTax = 458*1.17             = 535.86
	//   tierTax   = 458*0.8              = 366.40
	//   surcharge = 0.16 * 5753.08       = 920.4928
	//   total     = 5753.08 + 920.4928 + 1.52 = 6675.0928 -> 6675
	cost, err := NewCalculator().Compute(458, referenceTable())
	require.NoError(t, err)
	require.InDelta(t, 4850.82, cost.Base, 1e-9)
	require.Equal(t, int64(6675), cost.Total)
}

func TestComputeTierSelection(t *testing.T) {
	table := referenceTable()
	calc := NewCalculator()

	tests := []struct {
		name     string
		units    float64
		wantTier int
	}{
		{"zero", 0, 0},
		{"below first bound", 50, 0},
		{"exactly first bound", 100, 0},
		{"within tier zero span", 250, 0},
		{"exactly second bound stays below", 300, 0},
		{"just above second bound", 300.001, 1},
		{"exactly third bound stays below", 500, 1},
		{"above third bound", 501, 2},
		{"exactly top bound stays below", 1000, 2},
		{"above top bound catch-all", 1500, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.wantTier, selectTier(tt.units, table.Tiers))

			// The total must agree with pricing the units at the
			// selected tier directly.
			cost, err := calc.Compute(tt.units, table)
			require.NoError(t, err)
			tier := table.Tiers[tt.wantTier]
			require.InDelta(t, tt.units*tier.CostPerUnit+table.Base, cost.Base, 1e-9)
		})
	}
}

func TestComputeMonotonic(t *testing.T) {
	table := referenceTable()
	calc := NewCalculator()

	var prev int64 = -1
	// Sweep across every tier boundary, including the catch-all.
	for units := 0.0; units <= 1200; units += 0.5 {
		cost, err := calc.Compute(units, table)
		require.NoError(t, err)
		require.GreaterOrEqual(t, cost.Total, prev, "total decreased at units=%v", units)
		prev = cost.Total
	}
}

func TestComputeNegativeUnitsClamped(t *testing.T) {
	calc := NewCalculator()
	zero, err := calc.Compute(0, referenceTable())
	require.NoError(t, err)
	neg, err := calc.Compute(-12.5, referenceTable())
	require.NoError(t, err)
	require.Equal(t, zero, neg)
}

func TestComputeRoundingHalfUp(t *testing.T) {
	// A flat tariff with everything zeroed except the per-unit cost
	// makes the pre-rounding total exactly units*1, so fractional
	// units exercise the rounding mode directly.
	table := &models.RateTable{
		Region: "test",
		Tiers: []models.RateTier{
			{UpperBound: 100, CostPerUnit: 1, TaxPerUnit: 0},
			{UpperBound: 200, CostPerUnit: 1, TaxPerUnit: 0},
			{UpperBound: 300, CostPerUnit: 1, TaxPerUnit: 0},
			{UpperBound: 400, CostPerUnit: 1, TaxPerUnit: 0},
		},
	}
	calc := NewCalculator()

	tests := []struct {
		units float64
		want  int64
	}{
		{10.4, 10},
		{10.5, 11}, // ties round up, not to even
		{11.5, 12},
		{10.6, 11},
	}
	for _, tt := range tests {
		cost, err := calc.Compute(tt.units, table)
		require.NoError(t, err)
		require.Equal(t, tt.want, cost.Total, "units=%v", tt.units)
	}
}

func TestValidateRateTable(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, ValidateRateTable(referenceTable()))
	})

	t.Run("nil", func(t *testing.T) {
		require.ErrorIs(t, ValidateRateTable(nil), ErrInvalidRateTable)
	})

	t.Run("too few tiers", func(t *testing.T) {
		table := referenceTable()
		table.Tiers = table.Tiers[:3]
		require.ErrorIs(t, ValidateRateTable(table), ErrInvalidRateTable)
	})

	t.Run("unsorted bounds", func(t *testing.T) {
		table := referenceTable()
		table.Tiers[1].UpperBound = 50
		require.ErrorIs(t, ValidateRateTable(table), ErrInvalidRateTable)
	})

	t.Run("negative cost", func(t *testing.T) {
		table := referenceTable()
		table.Tiers[2].CostPerUnit = -1
		require.ErrorIs(t, ValidateRateTable(table), ErrInvalidRateTable)
	})

	t.Run("compute rejects invalid table", func(t *testing.T) {
		table := referenceTable()
		table.Tiers = table.Tiers[:2]
		_, err := NewCalculator().Compute(100, table)
		require.True(t, errors.Is(err, ErrInvalidRateTable))
	})
}
