package coupon

import (
	"time"

	"github.com/unprice/core/id"
	"github.com/unprice/core/types"
)

type Coupon struct {
	types.Entity
	ID             id.CouponID       `json:"id"`
	Code           string            `json:"code"`
	Name           string            `json:"name"`
	Type           CouponType        `json:"type"`
	Amount         types.Money       `json:"amount,omitempty"`
	Percentage     int               `json:"percentage,omitempty"`
	Currency       string            `json:"currency"`
	MaxRedemptions int               `json:"max_redemptions"`
	TimesRedeemed  int               `json:"times_redeemed"`
	ValidFrom      *time.Time        `json:"valid_from,omitempty"`
	ValidUntil     *time.Time        `json:"valid_until,omitempty"`
	AppID          string            `json:"app_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type CouponType string

const (
	CouponTypePercentage CouponType = "percentage"
	CouponTypeAmount     CouponType = "amount"
)

// IsRedeemable reports whether the coupon can still be applied at t:
// within its validity window and under its redemption cap (zero means
// unlimited).
func (c *Coupon) IsRedeemable(t time.Time) bool {
	if c.MaxRedemptions > 0 && c.TimesRedeemed >= c.MaxRedemptions {
		return false
	}
	if c.ValidFrom != nil && t.Before(*c.ValidFrom) {
		return false
	}
	if c.ValidUntil != nil && t.After(*c.ValidUntil) {
		return false
	}
	return true
}

// DiscountAmount computes the coupon's discount against subtotal. Coupons
// in this core are a thin amount-off adjustment applied to an invoice's
// DiscountAmount field; they do not alter line-item pricing or stack with
// one another.
func (c *Coupon) DiscountAmount(subtotal types.Money) types.Money {
	switch c.Type {
	case CouponTypePercentage:
		return subtotal.Multiply(int64(c.Percentage)).Divide(100)
	case CouponTypeAmount:
		if c.Amount.GreaterThan(subtotal) {
			return subtotal
		}
		return c.Amount
	default:
		return types.Zero(subtotal.Currency)
	}
}
