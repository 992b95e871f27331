package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/unprice/core/coupon"
	"github.com/unprice/core/entitlementsvc"
	"github.com/unprice/core/grant"
	"github.com/unprice/core/id"
	"github.com/unprice/core/invoice"
	"github.com/unprice/core/plan"
	"github.com/unprice/core/plugin"
	"github.com/unprice/core/subscription"
	"github.com/unprice/core/types"
)

// Core is the billing engine: it wires the Grant Resolver / Entitlement
// Service to the peripheral Plan, Subscription, Coupon, and Invoice
// stores, and emits plugin lifecycle hooks around every mutation.
type Core struct {
	entitlements *entitlementsvc.Service
	grants       grant.Store

	plans     plan.Store
	subs      subscription.Store
	coupons   coupon.Store
	invoices  invoice.Store

	plugins *plugin.Registry
	logger  *slog.Logger
}

// New creates a Core instance. svc is the shared Entitlement Service
// every Meter Actor in the process also reads from; grants is the same
// Grant Store svc was built against, since Core issues and revokes
// grants directly on subscription lifecycle events.
func New(svc *entitlementsvc.Service, grants grant.Store, plans plan.Store, subs subscription.Store, coupons coupon.Store, invoices invoice.Store, opts ...Option) *Core {
	c := &Core{
		entitlements: svc,
		grants:       grants,
		plans:        plans,
		subs:         subs,
		coupons:      coupons,
		invoices:     invoices,
		plugins:      plugin.NewRegistry(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures a Core instance.
type Option func(*Core)

// WithLogger sets the logger used by Core and its plugin registry.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Core) {
		c.logger = logger
		c.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin against Core's registry.
func WithPlugin(p plugin.Plugin) Option {
	return func(c *Core) {
		_ = c.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// Start runs plugin OnInit hooks. Core itself has no background workers
// of its own; the Meter Actor (one per (customer, project)) and the
// Reconciler (run per (customer, project, feature)) run independently
// and are started by their owners.
func (c *Core) Start(ctx context.Context) error {
	c.plugins.EmitInit(ctx, c)
	return nil
}

// Stop runs plugin OnShutdown hooks.
func (c *Core) Stop() error {
	c.plugins.EmitShutdown(context.Background())
	return nil
}

// ──────────────────────────────────────────────────
// Plan Management
// ──────────────────────────────────────────────────

// CreatePlan creates a new billing plan.
func (c *Core) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if p.ID.IsNil() {
		p.ID = id.NewPlanID()
	}
	p.Entity = types.NewEntity()

	if err := c.plans.Create(ctx, p); err != nil {
		return err
	}
	c.plugins.EmitPlanCreated(ctx, p)
	return nil
}

// GetPlan retrieves a plan by ID.
func (c *Core) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	return c.plans.Get(ctx, planID)
}

// GetPlanBySlug retrieves a plan by slug.
func (c *Core) GetPlanBySlug(ctx context.Context, slug, appID string) (*plan.Plan, error) {
	return c.plans.GetBySlug(ctx, slug, appID)
}

// ──────────────────────────────────────────────────
// Subscription Management
// ──────────────────────────────────────────────────

// CreateSubscription creates a subscription against planID and issues
// one subscription-type Grant per feature on the plan, anchored at the
// subscription's current period start.
func (c *Core) CreateSubscription(ctx context.Context, tenantID, appID string, planID id.PlanID) (*subscription.Subscription, error) {
	p, err := c.plans.Get(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("core: create subscription: %w", err)
	}

	now := time.Now().UTC()
	sub := &subscription.Subscription{
		Entity:             types.NewEntity(),
		ID:                 id.NewSubscriptionID(),
		TenantID:           tenantID,
		PlanID:             planID,
		Status:             subscription.StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		AppID:              appID,
	}

	if err := c.subs.Create(ctx, sub); err != nil {
		return nil, err
	}

	for _, g := range sub.GrantsForPlan(p) {
		if err := c.grants.Insert(ctx, g); err != nil {
			return nil, fmt.Errorf("core: issue grant for feature %q: %w", g.FeatureSlug(), err)
		}
	}

	c.plugins.EmitSubscriptionCreated(ctx, sub)
	return sub, nil
}

// GetSubscription retrieves a subscription by ID.
func (c *Core) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return c.subs.Get(ctx, subID)
}

// GetActiveSubscription retrieves the active subscription for a tenant.
func (c *Core) GetActiveSubscription(ctx context.Context, tenantID, appID string) (*subscription.Subscription, error) {
	return c.subs.GetActive(ctx, tenantID, appID)
}

// CancelSubscription cancels a subscription, either immediately or at the
// end of the current period. An immediate cancellation also soft-deletes
// the tenant's active subscription-type grants; a period-end cancellation
// leaves the grants already issued untouched.
func (c *Core) CancelSubscription(ctx context.Context, subID id.SubscriptionID, immediately bool) error {
	sub, err := c.subs.Get(ctx, subID)
	if err != nil {
		return err
	}

	cancelAt := sub.CurrentPeriodEnd
	if immediately {
		cancelAt = time.Now().UTC()
	}

	if err := c.subs.Cancel(ctx, subID, cancelAt); err != nil {
		return err
	}

	if immediately {
		grants, err := c.grants.ListActiveForSubjects(ctx, sub.AppID, []grant.Subject{{Kind: grant.SubjectCustomer, ID: sub.TenantID}}, grant.TimeRange{At: cancelAt})
		if err == nil {
			ids := make([]id.GrantID, 0, len(grants))
			for _, g := range grants {
				if g.Type == grant.TypeSubscription {
					ids = append(ids, g.ID)
				}
			}
			if len(ids) > 0 {
				_ = c.grants.SoftDelete(ctx, ids, sub.AppID, grant.SubjectCustomer, sub.TenantID, cancelAt) //nolint:errcheck // best-effort revocation
			}
		}
	}

	c.plugins.EmitSubscriptionCanceled(ctx, sub)
	return nil
}

// ──────────────────────────────────────────────────
// Entitlements
// ──────────────────────────────────────────────────

// Verify checks and records one unit (or proposedUsage, if non-nil) of
// consumption against a feature's current entitlement (spec §4.I
// "verify").
func (c *Core) Verify(ctx context.Context, customerID, projectID, featureSlug string, proposedUsage *decimal.Decimal, now time.Time) (entitlementsvc.VerifyResult, error) {
	result, err := c.entitlements.Verify(ctx, entitlementsvc.VerifyRequest{
		CustomerID:  customerID,
		ProjectID:   projectID,
		FeatureSlug: featureSlug,
		Timestamp:   now,
		Usage:       proposedUsage,
	})
	if err == nil && !result.Allowed {
		c.plugins.EmitQuotaExceeded(ctx, customerID, featureSlug, 0, 0)
	}
	return result, err
}

// ReportUsage records metered usage out-of-band from a verify call (spec
// §4.I "reportUsage").
func (c *Core) ReportUsage(ctx context.Context, req entitlementsvc.ReportUsageRequest) (entitlementsvc.ReportUsageResult, error) {
	return c.entitlements.ReportUsage(ctx, req)
}

// GetCurrentUsage reports a priced usage breakdown across every feature
// the customer currently has active grants for.
func (c *Core) GetCurrentUsage(ctx context.Context, customerID, projectID string, now time.Time) (entitlementsvc.CurrentUsage, error) {
	return c.entitlements.GetCurrentUsage(ctx, customerID, projectID, now)
}

// GetAccessControlList reports the customer's current access-control
// flags (spec §4.I "getAccessControlList").
func (c *Core) GetAccessControlList(ctx context.Context, customerID, projectID string) (entitlementsvc.ACL, error) {
	return c.entitlements.GetAccessControlList(ctx, customerID, projectID)
}

// ──────────────────────────────────────────────────
// Invoice Generation
// ──────────────────────────────────────────────────

// GenerateInvoice prices a subscription's current billing period through
// the Entitlement Service and persists a draft invoice.
func (c *Core) GenerateInvoice(ctx context.Context, subID id.SubscriptionID, now time.Time) (*invoice.Invoice, error) {
	sub, err := c.subs.Get(ctx, subID)
	if err != nil {
		return nil, err
	}

	inv, err := invoice.Generate(ctx, c.entitlements, sub, now)
	if err != nil {
		return nil, err
	}
	inv.Entity = types.NewEntity()

	if err := c.invoices.Create(ctx, inv); err != nil {
		return nil, err
	}

	c.plugins.EmitInvoiceGenerated(ctx, inv)
	return inv, nil
}

// RedeemCoupon applies coupon code against a draft invoice's subtotal
// and persists the updated invoice.
func (c *Core) RedeemCoupon(ctx context.Context, invID id.InvoiceID, code, appID string, now time.Time) (*invoice.Invoice, error) {
	inv, err := c.invoices.Get(ctx, invID)
	if err != nil {
		return nil, err
	}
	cp, err := c.coupons.Get(ctx, code, appID)
	if err != nil {
		return nil, err
	}
	if err := invoice.ApplyCoupon(inv, cp, now); err != nil {
		return nil, err
	}
	if err := c.invoices.Update(ctx, inv); err != nil {
		return nil, err
	}
	cp.TimesRedeemed++
	_ = c.coupons.Update(ctx, cp) //nolint:errcheck // best-effort redemption count
	return inv, nil
}
