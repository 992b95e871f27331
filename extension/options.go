package extension

import (
	"time"

	core "github.com/unprice/core"
	"github.com/unprice/core/coupon"
	"github.com/unprice/core/entitlement"
	"github.com/unprice/core/entitlementsvc"
	"github.com/unprice/core/grant"
	"github.com/unprice/core/invoice"
	"github.com/unprice/core/plan"
	"github.com/unprice/core/plugin"
	"github.com/unprice/core/reconcile"
	"github.com/unprice/core/subscription"
)

// Option configures the Core Forge extension.
type Option func(*Extension)

// WithGrantStore sets the Grant Store the Entitlement Service resolves
// grants against.
func WithGrantStore(s grant.Store) Option {
	return func(e *Extension) { e.grants = s }
}

// WithEntitlementStorage sets the durable per-actor entitlement storage.
func WithEntitlementStorage(s entitlement.Storage) Option {
	return func(e *Extension) { e.storage = s }
}

// WithAnalyticsCursor sets the cursor the Entitlement Service and
// Reconciler use to seed meters from settled usage.
func WithAnalyticsCursor(c reconcile.AnalyticsCursor) Option {
	return func(e *Extension) { e.analytics = c }
}

// WithACLUpdater sets the closure the Entitlement Service calls to flip
// ACL flags on limit-exceeded/limit-restored transitions.
func WithACLUpdater(u entitlementsvc.ACLUpdater) Option {
	return func(e *Extension) { e.aclUpdate = u }
}

// WithACLReader sets the closure GetAccessControlList calls to fetch the
// customer-service-owned ACL fields (disabled, subscriptionStatus).
func WithACLReader(r entitlementsvc.ACLReader) Option {
	return func(e *Extension) { e.svcOpts = append(e.svcOpts, entitlementsvc.WithACLReader(r)) }
}

// WithPlanStore sets the plan catalog store.
func WithPlanStore(s plan.Store) Option {
	return func(e *Extension) { e.plans = s }
}

// WithSubscriptionStore sets the subscription store.
func WithSubscriptionStore(s subscription.Store) Option {
	return func(e *Extension) { e.subs = s }
}

// WithCouponStore sets the coupon store.
func WithCouponStore(s coupon.Store) Option {
	return func(e *Extension) { e.coupons = s }
}

// WithInvoiceStore sets the invoice store.
func WithInvoiceStore(s invoice.Store) Option {
	return func(e *Extension) { e.invoices = s }
}

// WithServiceOption passes an entitlementsvc.Option through to the
// Entitlement Service constructor.
func WithServiceOption(opt entitlementsvc.Option) Option {
	return func(e *Extension) { e.svcOpts = append(e.svcOpts, opt) }
}

// WithCoreOption passes a core.Option through to the underlying engine.
func WithCoreOption(opt core.Option) Option {
	return func(e *Extension) { e.coreOpts = append(e.coreOpts, opt) }
}

// WithPlugin registers a core plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) { e.coreOpts = append(e.coreOpts, core.WithPlugin(p)) }
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents HTTP route registration.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for core routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithRevalidateAfter sets how far ahead a fresh entitlement's next
// revalidation is scheduled.
func WithRevalidateAfter(d time.Duration) Option {
	return func(e *Extension) { e.config.RevalidateAfter = d }
}
