// Package observability provides a metrics extension for Core that
// records lifecycle event counts and latencies via prometheus client_golang.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unprice/core/entitlement"
	"github.com/unprice/core/entitlementsvc"
	"github.com/unprice/core/id"
	"github.com/unprice/core/invoice"
	"github.com/unprice/core/plan"
	"github.com/unprice/core/plugin"
	"github.com/unprice/core/subscription"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnInit                 = (*MetricsExtension)(nil)
	_ plugin.OnPlanCreated          = (*MetricsExtension)(nil)
	_ plugin.OnPlanUpdated          = (*MetricsExtension)(nil)
	_ plugin.OnPlanArchived         = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCreated  = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionChanged  = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCanceled = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionExpired  = (*MetricsExtension)(nil)
	_ plugin.OnUsageIngested        = (*MetricsExtension)(nil)
	_ plugin.OnUsageFlushed         = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementChecked   = (*MetricsExtension)(nil)
	_ plugin.OnQuotaExceeded        = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceGenerated     = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceFinalized     = (*MetricsExtension)(nil)
	_ plugin.OnInvoicePaid          = (*MetricsExtension)(nil)
	_ plugin.OnProviderSync         = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics. Register it as
// a Core plugin to automatically track billing metrics.
type MetricsExtension struct {
	// Plan metrics
	planCreated  prometheus.Counter
	planUpdated  prometheus.Counter
	planArchived prometheus.Counter

	// Subscription metrics
	subscriptionCreated  prometheus.Counter
	subscriptionUpgraded prometheus.Counter
	subscriptionCanceled prometheus.Counter
	subscriptionExpired  prometheus.Counter

	// Usage metrics
	usageRecordsIngested prometheus.Counter
	usageBatchSize       prometheus.Histogram
	usageFlushLatency    prometheus.Histogram

	// Entitlement metrics
	entitlementChecks  prometheus.Counter
	entitlementDenied  prometheus.Counter
	entitlementLatency prometheus.Histogram

	// Invoice metrics
	invoiceGenerated prometheus.Counter
	invoiceFinalized prometheus.Counter
	invoicePaid      prometheus.Counter
	invoiceTotal     prometheus.Histogram

	// Provider metrics
	providerSyncSuccess prometheus.Counter
	providerSyncFailure prometheus.Counter
}

// NewMetricsExtension registers the extension's metrics against reg and
// returns the extension ready to plug into core.WithPlugin.
func NewMetricsExtension(reg prometheus.Registerer) *MetricsExtension {
	m := &MetricsExtension{
		planCreated:  counter(reg, "core_plan_created_total", "Plans created."),
		planUpdated:  counter(reg, "core_plan_updated_total", "Plans updated."),
		planArchived: counter(reg, "core_plan_archived_total", "Plans archived."),

		subscriptionCreated:  counter(reg, "core_subscription_created_total", "Subscriptions created."),
		subscriptionUpgraded: counter(reg, "core_subscription_changed_total", "Subscriptions moved to a new plan."),
		subscriptionCanceled: counter(reg, "core_subscription_canceled_total", "Subscriptions canceled."),
		subscriptionExpired:  counter(reg, "core_subscription_expired_total", "Subscriptions expired."),

		usageRecordsIngested: counter(reg, "core_usage_records_ingested_total", "Usage records ingested into durable storage."),
		usageBatchSize:       histogram(reg, "core_usage_flush_batch_size", "Usage records per flush.", prometheus.ExponentialBuckets(1, 2, 12)),
		usageFlushLatency:    histogram(reg, "core_usage_flush_latency_ms", "Flush latency in milliseconds.", prometheus.DefBuckets),

		entitlementChecks:  counter(reg, "core_entitlement_checks_total", "Verify calls."),
		entitlementDenied:  counter(reg, "core_entitlement_denied_total", "Verify calls denied."),
		entitlementLatency: histogram(reg, "core_entitlement_latency_ms", "Verify latency in milliseconds.", prometheus.DefBuckets),

		invoiceGenerated: counter(reg, "core_invoice_generated_total", "Invoices generated."),
		invoiceFinalized: counter(reg, "core_invoice_finalized_total", "Invoices finalized."),
		invoicePaid:      counter(reg, "core_invoice_paid_total", "Invoices paid."),
		invoiceTotal:     histogram(reg, "core_invoice_total_amount", "Invoice total, in minor currency units.", prometheus.ExponentialBuckets(100, 2, 16)),

		providerSyncSuccess: counter(reg, "core_provider_sync_success_total", "Successful payment provider syncs."),
		providerSyncFailure: counter(reg, "core_provider_sync_failure_total", "Failed payment provider syncs."),
	}
	return m
}

func counter(reg prometheus.Registerer, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	if reg != nil {
		reg.MustRegister(c)
	}
	return c
}

func histogram(reg prometheus.Registerer, name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
	if reg != nil {
		reg.MustRegister(h)
	}
	return h
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error { return nil }

// ──────────────────────────────────────────────────
// Plan lifecycle hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnPlanCreated(_ context.Context, _ *plan.Plan) error {
	m.planCreated.Inc()
	return nil
}

func (m *MetricsExtension) OnPlanUpdated(_ context.Context, _, _ *plan.Plan) error {
	m.planUpdated.Inc()
	return nil
}

func (m *MetricsExtension) OnPlanArchived(_ context.Context, _ id.PlanID) error {
	m.planArchived.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnSubscriptionCreated(_ context.Context, _ *subscription.Subscription) error {
	m.subscriptionCreated.Inc()
	return nil
}

func (m *MetricsExtension) OnSubscriptionChanged(_ context.Context, _ *subscription.Subscription, _, _ *plan.Plan) error {
	m.subscriptionUpgraded.Inc()
	return nil
}

func (m *MetricsExtension) OnSubscriptionCanceled(_ context.Context, _ *subscription.Subscription) error {
	m.subscriptionCanceled.Inc()
	return nil
}

func (m *MetricsExtension) OnSubscriptionExpired(_ context.Context, _ *subscription.Subscription) error {
	m.subscriptionExpired.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Usage lifecycle hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnUsageIngested(_ context.Context, records []entitlement.UsageRecord) error {
	count := float64(len(records))
	m.usageRecordsIngested.Add(count)
	m.usageBatchSize.Observe(count)
	return nil
}

func (m *MetricsExtension) OnUsageFlushed(_ context.Context, _ int, elapsed time.Duration) error {
	m.usageFlushLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// ──────────────────────────────────────────────────
// Entitlement lifecycle hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnEntitlementChecked(_ context.Context, result entitlementsvc.VerifyResult) error {
	m.entitlementChecks.Inc()
	m.entitlementLatency.Observe(float64(result.Latency.Microseconds()) / 1000)
	if !result.Allowed {
		m.entitlementDenied.Inc()
	}
	return nil
}

func (m *MetricsExtension) OnQuotaExceeded(_ context.Context, _, _ string, _, _ int64) error {
	m.entitlementDenied.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Invoice lifecycle hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnInvoiceGenerated(_ context.Context, inv *invoice.Invoice) error {
	m.invoiceGenerated.Inc()
	m.invoiceTotal.Observe(float64(inv.Total.Amount))
	return nil
}

func (m *MetricsExtension) OnInvoiceFinalized(_ context.Context, _ *invoice.Invoice) error {
	m.invoiceFinalized.Inc()
	return nil
}

func (m *MetricsExtension) OnInvoicePaid(_ context.Context, _ *invoice.Invoice) error {
	m.invoicePaid.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Provider lifecycle hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnProviderSync(_ context.Context, _ string, success bool, _ error) error {
	if success {
		m.providerSyncSuccess.Inc()
	} else {
		m.providerSyncFailure.Inc()
	}
	return nil
}
