package core_test

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	core "github.com/unprice/core"
	"github.com/unprice/core/coupon"
	"github.com/unprice/core/entitlement"
	"github.com/unprice/core/entitlementsvc"
	"github.com/unprice/core/grant"
	"github.com/unprice/core/invoice"
	"github.com/unprice/core/plan"
	"github.com/unprice/core/subscription"
	"github.com/unprice/core/types"
)

// TestDocumentationExamples verifies that the examples in doc.go compile.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		grants := grant.NewMemoryStore()
		storage := entitlement.NewMemoryStorage(nil, time.Now)
		svc := entitlementsvc.New(grants, storage, nil, nil)

		eng := core.New(svc, grants,
			plan.NewMemoryStore(),
			subscription.NewMemoryStore(),
			coupon.NewMemoryStore(),
			invoice.NewMemoryStore(),
		)

		ctx := context.Background()
		if err := eng.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer eng.Stop()

		p := &plan.Plan{
			Name:     "Pro Plan",
			Slug:     "pro",
			AppID:    "app_456",
			Currency: "usd",
			Status:   plan.StatusActive,
			Features: []plan.Feature{
				{
					Key:       "api_calls",
					Name:      "API Calls",
					Type:      plan.FeatureMetered,
					Limit:     10000,
					Period:    plan.PeriodMonthly,
					SoftLimit: true, // allow overage
				},
				{
					Key:   "seats",
					Name:  "Team Seats",
					Type:  plan.FeatureSeat,
					Limit: 5,
				},
			},
			Pricing: &plan.Pricing{
				BaseAmount:    types.USD(4900), // $49.00
				BillingPeriod: plan.PeriodMonthly,
				Tiers: []plan.PriceTier{
					{
						FeatureKey: "api_calls",
						Type:       plan.TierGraduated,
						UpTo:       10000,
						UnitAmount: types.Zero("usd"), // included
					},
					{
						FeatureKey: "api_calls",
						Type:       plan.TierGraduated,
						UpTo:       -1,          // unlimited
						UnitAmount: types.USD(1), // $0.01 per call
					},
				},
			},
		}

		if err := eng.CreatePlan(ctx, p); err != nil {
			t.Fatal(err)
		}

		sub, err := eng.CreateSubscription(ctx, "tenant_123", "app_456", p.ID)
		if err != nil {
			t.Fatal(err)
		}

		now := time.Now()
		result, err := eng.Verify(ctx, "tenant_123", "app_456", "api_calls", nil, now)
		if err != nil {
			t.Fatal(err)
		}

		if result.Allowed {
			log.Printf("api_calls allowed, remaining: %v\n", result.Remaining)
			if _, err := eng.ReportUsage(ctx, entitlementsvc.ReportUsageRequest{
				CustomerID:  "tenant_123",
				ProjectID:   "app_456",
				FeatureSlug: "api_calls",
				Usage:       decimal.NewFromInt(100),
				Timestamp:   now,
			}); err != nil {
				t.Fatal(err)
			}
		} else {
			log.Printf("api_calls denied: %s\n", result.Message)
		}

		inv, err := eng.GenerateInvoice(ctx, sub.ID, now)
		if err != nil {
			t.Fatal(err)
		}
		log.Printf("invoice generated: %s\n", inv.Total.String())
	})

	t.Run("MoneyExamples", func(t *testing.T) {
		_ = types.USD(4900)   // $49.00
		_ = types.EUR(9900)   // 99.00 EUR
		_ = types.Zero("usd") // $0.00

		m1 := types.USD(100)
		m2 := types.USD(200)
		_ = m1.Add(m2)
		_ = m1.Multiply(3)
		_ = m1.Divide(2)

		if m1.LessThan(m2) {
			// m1 is less than m2
		}

		_ = m1.String()
		_ = m1.FormatMajor()
	})
}
