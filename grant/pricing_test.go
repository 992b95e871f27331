package grant

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/unprice/core/types"
)

func TestPricingConfigCostFlat(t *testing.T) {
	cfg := PricingConfig{FlatUnitAmount: types.USD(10)} // $0.10/unit
	got := cfg.Cost(decimal.NewFromInt(50))
	if got.Amount != 500 {
		t.Fatalf("expected 500 cents, got %d", got.Amount)
	}
}

func TestPricingConfigCostTiered(t *testing.T) {
	upTo100 := int64(100)
	cfg := PricingConfig{Tiers: []PriceTier{
		{UpTo: &upTo100, UnitAmount: types.USD(10)}, // first 100 units @ $0.10
		{UpTo: nil, UnitAmount: types.USD(5)},        // remainder @ $0.05
	}}

	got := cfg.Cost(decimal.NewFromInt(150))
	// 100*10 + 50*5 = 1000 + 250 = 1250 cents
	if got.Amount != 1250 {
		t.Fatalf("expected 1250 cents, got %d", got.Amount)
	}
}

func TestPricingConfigCostTieredWithinFirstTier(t *testing.T) {
	upTo100 := int64(100)
	cfg := PricingConfig{Tiers: []PriceTier{
		{UpTo: &upTo100, UnitAmount: types.USD(10)},
		{UpTo: nil, UnitAmount: types.USD(5)},
	}}

	got := cfg.Cost(decimal.NewFromInt(40))
	if got.Amount != 400 {
		t.Fatalf("expected 400 cents, got %d", got.Amount)
	}
}

func TestPricingConfigCostPackageRoundsUp(t *testing.T) {
	cfg := PricingConfig{Packages: []PricePackage{{Size: 1000, Amount: types.USD(500)}}}

	got := cfg.Cost(decimal.NewFromInt(1200))
	if got.Amount != 1000 { // 2 packages * $5.00 = $10.00 = 1000 cents
		t.Fatalf("expected 1000 cents for 2 packages, got %d", got.Amount)
	}
}

func TestPricingConfigCostPackageExactBoundary(t *testing.T) {
	cfg := PricingConfig{Packages: []PricePackage{{Size: 1000, Amount: types.USD(500)}}}

	got := cfg.Cost(decimal.NewFromInt(1000))
	if got.Amount != 500 {
		t.Fatalf("expected 500 cents for exactly one package, got %d", got.Amount)
	}
}
