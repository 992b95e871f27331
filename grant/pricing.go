package grant

import (
	"github.com/shopspring/decimal"

	"github.com/unprice/core/types"
)

// Cost computes the price of usage units against this pricing waterfall,
// dispatching on whichever shape is populated: graduated tiers, fixed-size
// packages, or a flat per-unit rate. Exactly one shape is expected to be
// set on any given PricingConfig (spec §9: "pricing waterfall").
func (c PricingConfig) Cost(usage decimal.Decimal) types.Money {
	switch {
	case len(c.Tiers) > 0:
		return tieredCost(c.Tiers, usage)
	case len(c.Packages) > 0:
		return packageCost(c.Packages, usage)
	default:
		return flatCost(c.FlatUnitAmount, usage)
	}
}

// tieredCost walks a graduated tier ladder: usage fills the first tier up
// to its UpTo boundary, then spills into the next, each tier contributing
// its per-unit rate times the units it absorbed plus its one-time flat
// amount once any usage reaches it.
func tieredCost(tiers []PriceTier, usage decimal.Decimal) types.Money {
	currency := tiers[0].UnitAmount.Currency
	total := decimal.Zero
	remaining := usage
	var prevUpTo int64

	for _, tier := range tiers {
		if !remaining.IsPositive() {
			break
		}

		var units decimal.Decimal
		if tier.UpTo == nil {
			units = remaining
		} else {
			tierSize := decimal.NewFromInt(*tier.UpTo - prevUpTo)
			if remaining.GreaterThan(tierSize) {
				units = tierSize
			} else {
				units = remaining
			}
			prevUpTo = *tier.UpTo
		}

		if !units.IsPositive() {
			continue
		}
		total = total.Add(units.Mul(tier.UnitAmount.Decimal())).Add(tier.FlatAmount.Decimal())
		remaining = remaining.Sub(units)
	}

	return types.FromDecimal(total, currency)
}

// packageCost bills usage in whole packages, rounding up to the next
// package boundary (e.g. "1,000 requests for $5": 1,200 requests bills
// two packages).
func packageCost(packages []PricePackage, usage decimal.Decimal) types.Money {
	pkg := packages[0]
	if pkg.Size <= 0 {
		return types.Money{}
	}

	size := decimal.NewFromInt(pkg.Size)
	count := usage.Div(size).Ceil()
	total := count.Mul(pkg.Amount.Decimal())
	return types.FromDecimal(total, pkg.Amount.Currency)
}

func flatCost(flat types.Money, usage decimal.Decimal) types.Money {
	total := usage.Mul(flat.Decimal())
	return types.FromDecimal(total, flat.Currency)
}
