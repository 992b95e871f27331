// Package core is an entitlement and usage-metering engine for
// usage-based SaaS billing.
//
// Core is designed as a library, not a service: embed it directly in
// your application. It provides:
//
//   - Layered entitlement grants (customer / project / plan / plan
//     version) merged by the Grant Resolver into one effective limit
//   - Sub-millisecond usage verification with an in-process meter per
//     active (customer, project, feature), reconciled against settled
//     analytics on a schedule
//   - Entitlement storage with write-behind batching to analytics; the
//     SQLite-backed storage keeps unflushed batches across a process
//     restart, the in-memory storage does not
//   - Flexible per-feature pricing (flat, tiered, packaged)
//   - Invoice generation priced through the same waterfall entitlement
//     checks use, so invoices and live quota decisions never disagree
//   - Pluggable lifecycle hooks for audit trails and metrics
//
// # Quick Start
//
//	grants := grant.NewMemoryStore()
//	storage := entitlement.NewMemoryStorage(analyticsClient, time.Now)
//	svc := entitlementsvc.New(grants, storage, analyticsClient, nil)
//
//	c := core.New(svc, grants, planStore, subStore, couponStore, invoiceStore)
//
//	sub, err := c.CreateSubscription(ctx, tenantID, appID, planID)
//	result, err := c.Verify(ctx, tenantID, projectID, "api_calls", nil, time.Now())
//	if result.Allowed {
//	    // process the call
//	}
//
// # Core Concepts
//
// Plans define what features are available and at what limits. Creating
// a subscription compiles a plan's features into grant.FeaturePlanVersion
// configurations and issues one subscription-type Grant per feature;
// canceling a subscription immediately soft-deletes those grants rather
// than deleting the subscription's history.
//
// All monetary calculations use integer arithmetic to avoid
// floating-point precision issues. The Money type represents amounts in
// the smallest currency unit (cents for USD, pence for GBP, etc).
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe, K-sortable
// identifiers:
//
//	plan_01h2xcejqtf2nbrexx3vqjhp41  // Plan ID
//	sub_01h2xcejqtf2nbrexx3vqjhp41   // Subscription ID
//	inv_01h455vb4pex5vsknk084sn02q   // Invoice ID
package core
