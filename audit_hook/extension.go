// Package audithook bridges Core lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import
// any particular audit backend directly. Callers inject a RecorderFunc
// adapter that bridges to their own audit sink at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/unprice/core/entitlementsvc"
	"github.com/unprice/core/id"
	"github.com/unprice/core/invoice"
	"github.com/unprice/core/plan"
	"github.com/unprice/core/plugin"
	"github.com/unprice/core/subscription"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnPlanCreated          = (*Extension)(nil)
	_ plugin.OnPlanUpdated          = (*Extension)(nil)
	_ plugin.OnPlanArchived         = (*Extension)(nil)
	_ plugin.OnSubscriptionCreated  = (*Extension)(nil)
	_ plugin.OnSubscriptionChanged  = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled = (*Extension)(nil)
	_ plugin.OnInvoiceGenerated     = (*Extension)(nil)
	_ plugin.OnInvoiceFinalized     = (*Extension)(nil)
	_ plugin.OnInvoicePaid          = (*Extension)(nil)
	_ plugin.OnInvoiceFailed        = (*Extension)(nil)
	_ plugin.OnInvoiceVoided        = (*Extension)(nil)
	_ plugin.OnQuotaExceeded        = (*Extension)(nil)
	_ plugin.OnEntitlementChecked   = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event, kept free of
// any particular audit backend's own event type.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Core lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Plan lifecycle hooks
// ──────────────────────────────────────────────────

func (e *Extension) OnPlanCreated(ctx context.Context, p *plan.Plan) error {
	return e.record(ctx, ActionPlanCreated, SeverityInfo, OutcomeSuccess,
		ResourcePlan, p.ID.String(), CategoryBilling, nil,
		"slug", p.Slug,
	)
}

func (e *Extension) OnPlanUpdated(ctx context.Context, oldPlan, newPlan *plan.Plan) error {
	return e.record(ctx, ActionPlanUpdated, SeverityInfo, OutcomeSuccess,
		ResourcePlan, newPlan.ID.String(), CategoryBilling, nil,
		"old_status", oldPlan.Status,
		"new_status", newPlan.Status,
	)
}

func (e *Extension) OnPlanArchived(ctx context.Context, planID id.PlanID) error {
	return e.record(ctx, ActionPlanArchived, SeverityInfo, OutcomeSuccess,
		ResourcePlan, planID.String(), CategoryBilling, nil,
		"plan_id", planID.String(),
	)
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

func (e *Extension) OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionCreated, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"tenant_id", sub.TenantID,
		"plan_id", sub.PlanID.String(),
	)
}

func (e *Extension) OnSubscriptionChanged(ctx context.Context, sub *subscription.Subscription, oldPlan, newPlan *plan.Plan) error {
	action := ActionSubscriptionUpgraded
	if newPlan.Pricing != nil && oldPlan.Pricing != nil && newPlan.Pricing.BaseAmount.LessThan(oldPlan.Pricing.BaseAmount) {
		action = ActionSubscriptionDowngraded
	}

	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"old_plan", oldPlan.Slug,
		"new_plan", newPlan.Slug,
	)
}

func (e *Extension) OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionCanceled, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"tenant_id", sub.TenantID,
	)
}

// ──────────────────────────────────────────────────
// Invoice lifecycle hooks
// ──────────────────────────────────────────────────

func (e *Extension) OnInvoiceGenerated(ctx context.Context, inv *invoice.Invoice) error {
	return e.record(ctx, ActionInvoiceGenerated, SeverityInfo, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), CategoryPayment, nil,
		"total", inv.Total.String(),
	)
}

func (e *Extension) OnInvoiceFinalized(ctx context.Context, inv *invoice.Invoice) error {
	return e.record(ctx, ActionInvoiceFinalized, SeverityInfo, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), CategoryPayment, nil,
		"total", inv.Total.String(),
	)
}

func (e *Extension) OnInvoicePaid(ctx context.Context, inv *invoice.Invoice) error {
	return e.record(ctx, ActionInvoicePaid, SeverityInfo, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), CategoryPayment, nil,
		"payment_ref", inv.PaymentRef,
	)
}

func (e *Extension) OnInvoiceFailed(ctx context.Context, inv *invoice.Invoice, err error) error {
	return e.record(ctx, ActionInvoiceFailed, SeverityCritical, OutcomeFailure,
		ResourceInvoice, inv.ID.String(), CategoryPayment, err,
	)
}

func (e *Extension) OnInvoiceVoided(ctx context.Context, inv *invoice.Invoice, reason string) error {
	return e.record(ctx, ActionInvoiceVoided, SeverityWarning, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), CategoryPayment, nil,
		"void_reason", reason,
	)
}

// ──────────────────────────────────────────────────
// Entitlement lifecycle hooks
// ──────────────────────────────────────────────────

func (e *Extension) OnQuotaExceeded(ctx context.Context, customerID, featureSlug string, used, limit int64) error {
	return e.record(ctx, ActionQuotaExceeded, SeverityWarning, OutcomeFailure,
		ResourceEntitlement, featureSlug, CategoryAccess, nil,
		"customer_id", customerID,
		"feature", featureSlug,
		"used", used,
		"limit", limit,
	)
}

// OnEntitlementChecked only audits denied checks, to keep the trail
// focused on access decisions rather than every successful call.
func (e *Extension) OnEntitlementChecked(ctx context.Context, result entitlementsvc.VerifyResult) error {
	if result.Allowed {
		return nil
	}
	return e.record(ctx, ActionQuotaExceeded, SeverityWarning, OutcomeFailure,
		ResourceEntitlement, "", CategoryAccess, nil,
		"reason", result.Message,
		"denied_reason", result.DeniedReason,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
