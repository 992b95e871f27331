// Package plugin provides an extensible hook system for Core. Plugins
// hook into plan, subscription, entitlement, and invoice lifecycle
// events without Core depending on any particular plugin implementation.
package plugin

import (
	"context"
	"io"
	"time"

	"github.com/unprice/core/coupon"
	"github.com/unprice/core/entitlement"
	"github.com/unprice/core/entitlementsvc"
	"github.com/unprice/core/id"
	"github.com/unprice/core/invoice"
	"github.com/unprice/core/plan"
	"github.com/unprice/core/subscription"
	"github.com/unprice/core/types"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized. eng is the *core.Core
// instance, passed as interface{} since plugin cannot import core
// without creating an import cycle (core imports plugin).
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, eng interface{}) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Plan lifecycle hooks
// ──────────────────────────────────────────────────

// OnPlanCreated is called when a new plan is created.
type OnPlanCreated interface {
	Plugin
	OnPlanCreated(ctx context.Context, p *plan.Plan) error
}

// OnPlanUpdated is called when a plan is updated.
type OnPlanUpdated interface {
	Plugin
	OnPlanUpdated(ctx context.Context, oldPlan, newPlan *plan.Plan) error
}

// OnPlanArchived is called when a plan is archived.
type OnPlanArchived interface {
	Plugin
	OnPlanArchived(ctx context.Context, planID id.PlanID) error
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated is called when a new subscription is created.
type OnSubscriptionCreated interface {
	Plugin
	OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error
}

// OnSubscriptionChanged is called when a subscription changes plans.
type OnSubscriptionChanged interface {
	Plugin
	OnSubscriptionChanged(ctx context.Context, sub *subscription.Subscription, oldPlan, newPlan *plan.Plan) error
}

// OnSubscriptionCanceled is called when a subscription is canceled.
type OnSubscriptionCanceled interface {
	Plugin
	OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) error
}

// OnSubscriptionExpired is called when a subscription expires.
type OnSubscriptionExpired interface {
	Plugin
	OnSubscriptionExpired(ctx context.Context, sub *subscription.Subscription) error
}

// ──────────────────────────────────────────────────
// Usage/Metering hooks
// ──────────────────────────────────────────────────

// OnUsageIngested is called when usage records are ingested into durable
// storage.
type OnUsageIngested interface {
	Plugin
	OnUsageIngested(ctx context.Context, records []entitlement.UsageRecord) error
}

// OnUsageFlushed is called when buffered usage records are flushed to
// analytics storage.
type OnUsageFlushed interface {
	Plugin
	OnUsageFlushed(ctx context.Context, count int, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementChecked is called after every Verify call.
type OnEntitlementChecked interface {
	Plugin
	OnEntitlementChecked(ctx context.Context, result entitlementsvc.VerifyResult) error
}

// OnQuotaExceeded is called when Core.Verify denies a request, whatever
// the deny reason; used and limit are passed as zero.
type OnQuotaExceeded interface {
	Plugin
	OnQuotaExceeded(ctx context.Context, customerID, featureSlug string, used, limit int64) error
}

// OnSoftLimitReached is called when a soft-limit (overage-allowed)
// feature is consumed past its included quantity.
type OnSoftLimitReached interface {
	Plugin
	OnSoftLimitReached(ctx context.Context, customerID, featureSlug string, used, limit int64) error
}

// ──────────────────────────────────────────────────
// Invoice lifecycle hooks
// ──────────────────────────────────────────────────

// OnInvoiceGenerated is called when an invoice is generated.
type OnInvoiceGenerated interface {
	Plugin
	OnInvoiceGenerated(ctx context.Context, inv *invoice.Invoice) error
}

// OnInvoiceFinalized is called when an invoice is finalized.
type OnInvoiceFinalized interface {
	Plugin
	OnInvoiceFinalized(ctx context.Context, inv *invoice.Invoice) error
}

// OnInvoicePaid is called when an invoice is paid.
type OnInvoicePaid interface {
	Plugin
	OnInvoicePaid(ctx context.Context, inv *invoice.Invoice) error
}

// OnInvoiceFailed is called when an invoice payment fails.
type OnInvoiceFailed interface {
	Plugin
	OnInvoiceFailed(ctx context.Context, inv *invoice.Invoice, err error) error
}

// OnInvoiceVoided is called when an invoice is voided.
type OnInvoiceVoided interface {
	Plugin
	OnInvoiceVoided(ctx context.Context, inv *invoice.Invoice, reason string) error
}

// ──────────────────────────────────────────────────
// Payment provider hooks
// ──────────────────────────────────────────────────

// PaymentProviderPlugin provides a payment provider implementation. The
// provider value is left as interface{} since no concrete provider
// package exists in this module; callers type-assert to their own
// provider interface.
type PaymentProviderPlugin interface {
	Plugin
	Provider() interface{}
}

// OnProviderSync is called when syncing with a payment provider.
type OnProviderSync interface {
	Plugin
	OnProviderSync(ctx context.Context, provider string, success bool, err error) error
}

// OnWebhookReceived is called when a webhook is received.
type OnWebhookReceived interface {
	Plugin
	OnWebhookReceived(ctx context.Context, provider string, payload []byte) error
}

// ──────────────────────────────────────────────────
// Pricing strategies
// ──────────────────────────────────────────────────

// PricingStrategy provides a custom pricing calculation over plan price
// tiers, looked up by name through Registry.GetPricingStrategy.
// invoice.Generate does not consult it.
type PricingStrategy interface {
	Plugin
	StrategyName() string
	Compute(tiers []plan.PriceTier, usage, included int64, currency string) types.Money
}

// ──────────────────────────────────────────────────
// Usage aggregators
// ──────────────────────────────────────────────────

// UsageAggregator provides custom usage aggregation logic over a raw
// usage record batch, in place of the aggregation.Method table.
type UsageAggregator interface {
	Plugin
	AggregatorName() string
	Aggregate(ctx context.Context, records []entitlement.UsageRecord) (int64, error)
}

// ──────────────────────────────────────────────────
// Tax calculators
// ──────────────────────────────────────────────────

// TaxCalculator calculates tax for invoices.
type TaxCalculator interface {
	Plugin
	CalculateTax(ctx context.Context, subtotal types.Money, tenantID string) (types.Money, error)
}

// ──────────────────────────────────────────────────
// Invoice formatters
// ──────────────────────────────────────────────────

// InvoiceFormatter formats invoices for export.
type InvoiceFormatter interface {
	Plugin
	Format() string // "pdf", "html", "csv", etc.
	Render(ctx context.Context, inv *invoice.Invoice, w io.Writer) error
}

// ──────────────────────────────────────────────────
// Coupon validators
// ──────────────────────────────────────────────────

// CouponValidator provides custom coupon validation logic beyond
// Coupon.IsRedeemable.
type CouponValidator interface {
	Plugin
	ValidateCoupon(ctx context.Context, c *coupon.Coupon, sub *subscription.Subscription) error
}
