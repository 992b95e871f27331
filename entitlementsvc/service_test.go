package entitlementsvc

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/unprice/core/aggregation"
	"github.com/unprice/core/entitlement"
	"github.com/unprice/core/grant"
	"github.com/unprice/core/id"
	"github.com/unprice/core/reconcile"
	"github.com/unprice/core/types"
)

type fakeAnalytics struct {
	usage decimal.Decimal
}

func (f *fakeAnalytics) FetchUsageCursor(_ context.Context, _ reconcile.CursorRequest) (reconcile.Cursor, error) {
	return reconcile.Cursor{Usage: f.usage, LastRecordID: id.New(id.PrefixUsageRecord)}, nil
}

type fakeSink struct{}

func (fakeSink) IngestUsageRecords(context.Context, []entitlement.UsageRecord) error   { return nil }
func (fakeSink) IngestVerifications(context.Context, []entitlement.Verification) error { return nil }

func newTestService(t *testing.T, limit *int64) (*Service, grant.Store, time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	store := grant.NewMemoryStore()
	g := grant.Grant{
		ID:          id.New(id.PrefixGrant),
		SubjectType: "plan",
		SubjectKind: grant.SubjectCustomer,
		SubjectID:   "cust_1",
		ProjectID:   "proj_1",
		Type:        grant.TypeSubscription,
		Limit:       limit,
		EffectiveAt: now.Add(-24 * time.Hour),
		FeaturePlanVersion: grant.FeaturePlanVersion{
			ID:                id.New(id.PrefixFeature),
			FeatureSlug:       "api-calls",
			FeatureType:       grant.FeatureUsage,
			AggregationMethod: aggregation.MethodSum,
			Metadata:          grant.Metadata{OverageStrategy: grant.OverageNone},
			Config:            grant.PricingConfig{FlatUnitAmount: types.USD(1)},
		},
	}
	if err := store.Insert(context.Background(), g); err != nil {
		t.Fatalf("insert grant: %v", err)
	}

	storage := entitlement.NewMemoryStorage(fakeSink{}, func() time.Time { return now })
	analytics := &fakeAnalytics{usage: decimal.Zero}

	svc := New(store, storage, analytics, nil)
	return svc, store, now
}

func TestServiceVerifyAllowsWithinLimit(t *testing.T) {
	limit := int64(100)
	svc, _, now := newTestService(t, &limit)

	res, err := svc.Verify(context.Background(), VerifyRequest{
		CustomerID:  "cust_1",
		ProjectID:   "proj_1",
		FeatureSlug: "api-calls",
		Timestamp:   now,
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected allowed, got denied: %s", res.DeniedReason)
	}
}

func TestServiceVerifyDeniedWhenEntitlementMissing(t *testing.T) {
	svc, _, now := newTestService(t, nil)

	res, err := svc.Verify(context.Background(), VerifyRequest{
		CustomerID:  "cust_1",
		ProjectID:   "proj_1",
		FeatureSlug: "does-not-exist",
		Timestamp:   now,
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Allowed || res.DeniedReason != "ENTITLEMENT_NOT_FOUND" {
		t.Fatalf("expected ENTITLEMENT_NOT_FOUND, got allowed=%v reason=%s", res.Allowed, res.DeniedReason)
	}
}

func TestServiceReportUsageAccumulatesAndReturnsCost(t *testing.T) {
	limit := int64(100)
	svc, _, now := newTestService(t, &limit)

	res, err := svc.ReportUsage(context.Background(), ReportUsageRequest{
		CustomerID:     "cust_1",
		ProjectID:      "proj_1",
		FeatureSlug:    "api-calls",
		Usage:          decimal.NewFromInt(10),
		Timestamp:      now,
		IdempotenceKey: "req-1",
	})
	if err != nil {
		t.Fatalf("reportUsage: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected allowed, got denied: %s", res.DeniedReason)
	}
	if !res.Usage.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected usage 10, got %s", res.Usage)
	}
	if res.Cost.IsZero() {
		t.Fatalf("expected non-zero cost for flat-priced usage")
	}
}

func TestServiceReportUsageIsIdempotent(t *testing.T) {
	limit := int64(100)
	svc, _, now := newTestService(t, &limit)

	req := ReportUsageRequest{
		CustomerID:     "cust_1",
		ProjectID:      "proj_1",
		FeatureSlug:    "api-calls",
		Usage:          decimal.NewFromInt(10),
		Timestamp:      now,
		IdempotenceKey: "req-1",
	}

	first, err := svc.ReportUsage(context.Background(), req)
	if err != nil {
		t.Fatalf("reportUsage: %v", err)
	}

	second, err := svc.ReportUsage(context.Background(), req)
	if err != nil {
		t.Fatalf("reportUsage repeat: %v", err)
	}

	if !second.Usage.Equal(first.Usage) {
		t.Fatalf("expected idempotent replay to return unchanged usage, got %s vs %s", second.Usage, first.Usage)
	}
}

func TestServiceReportUsageDeniesOverLimit(t *testing.T) {
	limit := int64(5)
	svc, _, now := newTestService(t, &limit)

	res, err := svc.ReportUsage(context.Background(), ReportUsageRequest{
		CustomerID:     "cust_1",
		ProjectID:      "proj_1",
		FeatureSlug:    "api-calls",
		Usage:          decimal.NewFromInt(10),
		Timestamp:      now,
		IdempotenceKey: "req-over",
	})
	if err != nil {
		t.Fatalf("reportUsage: %v", err)
	}
	if res.Allowed || res.DeniedReason != "LIMIT_EXCEEDED" {
		t.Fatalf("expected LIMIT_EXCEEDED, got allowed=%v reason=%s", res.Allowed, res.DeniedReason)
	}
}

func TestServiceGetCurrentUsageSummarizesActiveFeature(t *testing.T) {
	limit := int64(100)
	svc, _, now := newTestService(t, &limit)

	if _, err := svc.ReportUsage(context.Background(), ReportUsageRequest{
		CustomerID:     "cust_1",
		ProjectID:      "proj_1",
		FeatureSlug:    "api-calls",
		Usage:          decimal.NewFromInt(20),
		Timestamp:      now,
		IdempotenceKey: "seed",
	}); err != nil {
		t.Fatalf("reportUsage: %v", err)
	}

	summary, err := svc.GetCurrentUsage(context.Background(), "cust_1", "proj_1", now)
	if err != nil {
		t.Fatalf("getCurrentUsage: %v", err)
	}
	if len(summary.Features) != 1 {
		t.Fatalf("expected 1 feature, got %d", len(summary.Features))
	}
	if !summary.Features[0].Usage.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected usage 20, got %s", summary.Features[0].Usage)
	}
}

func TestServiceResetEntitlementsClearsStorage(t *testing.T) {
	limit := int64(100)
	svc, _, now := newTestService(t, &limit)

	if _, err := svc.ReportUsage(context.Background(), ReportUsageRequest{
		CustomerID:     "cust_1",
		ProjectID:      "proj_1",
		FeatureSlug:    "api-calls",
		Usage:          decimal.NewFromInt(20),
		Timestamp:      now,
		IdempotenceKey: "seed",
	}); err != nil {
		t.Fatalf("reportUsage: %v", err)
	}

	if err := svc.ResetEntitlements(context.Background(), "cust_1", "proj_1", now); err != nil {
		t.Fatalf("resetEntitlements: %v", err)
	}

	res, err := svc.Verify(context.Background(), VerifyRequest{
		CustomerID:  "cust_1",
		ProjectID:   "proj_1",
		FeatureSlug: "api-calls",
		Timestamp:   now,
	})
	if err != nil {
		t.Fatalf("verify after reset: %v", err)
	}
	if !res.Allowed || !res.Usage.IsZero() {
		t.Fatalf("expected a fresh zero-usage entitlement after reset, got allowed=%v usage=%s", res.Allowed, res.Usage)
	}
}
