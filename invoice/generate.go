package invoice

import (
	"context"
	"fmt"
	"time"

	"github.com/unprice/core/coupon"
	"github.com/unprice/core/entitlementsvc"
	"github.com/unprice/core/id"
	"github.com/unprice/core/subscription"
	"github.com/unprice/core/types"
)

// UsageSource is the subset of the Entitlement Service an invoice
// generator needs: a priced usage breakdown across every feature a
// customer currently has active grants for.
type UsageSource interface {
	GetCurrentUsage(ctx context.Context, customerID, projectID string, now time.Time) (entitlementsvc.CurrentUsage, error)
}

// Generate builds a draft Invoice for sub's current billing period by
// pricing every feature's usage through the Entitlement Service's
// pricing waterfall. This is illustrative rather than a complete billing
// engine: proration, tax, and payment-provider sync are out of scope.
func Generate(ctx context.Context, usage UsageSource, sub *subscription.Subscription, now time.Time) (*Invoice, error) {
	cur, err := usage.GetCurrentUsage(ctx, sub.TenantID, sub.AppID, now)
	if err != nil {
		return nil, fmt.Errorf("invoice: get current usage: %w", err)
	}

	currency := cur.Total.Currency
	if currency == "" {
		currency = "usd"
	}

	inv := &Invoice{
		ID:             id.NewInvoiceID(),
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		Status:         StatusDraft,
		Currency:       currency,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		AppID:          sub.AppID,
	}

	var subtotal types.Money
	for _, f := range cur.Features {
		if f.Cost.IsZero() {
			continue
		}
		lineType := LineItemUsage
		if f.FeatureType == "flat" {
			lineType = LineItemSeat
		}
		inv.LineItems = append(inv.LineItems, LineItem{
			ID:          id.NewLineItemID(),
			InvoiceID:   inv.ID,
			FeatureKey:  f.FeatureSlug,
			Description: f.FeatureSlug,
			Quantity:    f.Usage.IntPart(),
			UnitAmount:  unitAmount(f.Cost, f.Usage.IntPart()),
			Amount:      f.Cost,
			Type:        lineType,
		})
		subtotal = subtotal.Add(f.Cost)
	}

	inv.Subtotal = subtotal
	inv.Total = subtotal.Add(inv.TaxAmount).Subtract(inv.DiscountAmount)
	return inv, nil
}

// ApplyCoupon redeems c against inv at now, setting DiscountAmount and
// recomputing Total. It does not alter LineItems or mark the coupon
// redeemed on the Store; callers persist TimesRedeemed themselves after
// the invoice is accepted.
func ApplyCoupon(inv *Invoice, c *coupon.Coupon, now time.Time) error {
	if !c.IsRedeemable(now) {
		return fmt.Errorf("invoice: coupon %s is not redeemable", c.Code)
	}
	inv.DiscountAmount = c.DiscountAmount(inv.Subtotal)
	inv.Total = inv.Subtotal.Add(inv.TaxAmount).Subtract(inv.DiscountAmount)
	return nil
}

func unitAmount(cost types.Money, qty int64) types.Money {
	if qty <= 0 {
		return cost
	}
	return cost.Divide(qty)
}
