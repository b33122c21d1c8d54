package billing

import (
	"github.com/gridpulse/metering-plane/pkg/models"
)

// Cost is the outcome of one tariff computation. Base is the pre-tax
// charge (consumption at the tier rate plus the fixed base charge);
// Total folds in the linear and tier taxes, the percentage surcharge
// and the flat tax, rounded half-up to whole currency units.
type Cost struct {
	Base  float64
	Total int64
}

// Calculator computes tiered, tax-inclusive charges. It is pure: the
// same units and table always produce the same cost.
type Calculator struct{}

func NewCalculator() *Calculator {
	return &Calculator{}
}

// Compute prices cumulative consumption against a rate table.
//
//	base      = units*tier.costPerUnit + table.base
//	linearTax = units*table.percentPerUnit
//	tierTax   = units*tier.taxPerUnit
//	surcharge = table.totalTaxPercent/100 * (base + linearTax + tierTax)
//	total     = base + linearTax + tierTax + surcharge + table.tax
//
// The tier is the highest one whose upper bound the units strictly
// exceed (tier 0 otherwise). Negative units are treated as zero; the
// table must already have passed ValidateRateTable.
func (c *Calculator) Compute(units float64, table *models.RateTable) (Cost, error) {
	if err := ValidateRateTable(table); err != nil {
		return Cost{}, err
	}
	if units < 0 {
		units = 0
	}

	tier := table.Tiers[selectTier(units, table.Tiers)]

	u := decFromFloat(units)
	base := u.Mul(decFromFloat(tier.CostPerUnit)).Add(decFromFloat(table.Base))
	linearTax := u.Mul(decFromFloat(table.PercentPerUnit))
	tierTax := u.Mul(decFromFloat(tier.TaxPerUnit))

	subtotal := base.Add(linearTax).Add(tierTax)
	surcharge := decFromFloat(table.TotalTaxPercent).Div(decFromInt(100)).Mul(subtotal)
	total := subtotal.Add(surcharge).Add(decFromFloat(table.Tax))

	return Cost{
		Base:  base.Float64(),
		Total: total.RoundHalfUp(),
	}, nil
}
