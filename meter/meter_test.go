package meter

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/unprice/core/aggregation"
	"github.com/unprice/core/grant"
	"github.com/unprice/core/id"
)

func idForTest(t *testing.T) id.ID {
	t.Helper()
	return id.New(id.PrefixUsageRecord)
}

func newSumMeter(limit int64, overage grant.OverageStrategy) *Meter {
	l := limit
	return New(aggregation.BehaviorSum, grant.FeatureUsage, &l, time.Unix(0, 0).UTC(), nil, overage, 0, MeterState{})
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestBasicSumUsageUnderLimit(t *testing.T) {
	m := newSumMeter(100, grant.OverageLastCall)

	if _, err := m.Consume(d(10), time.Unix(1, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Consume(d(5), time.Unix(2, 0)); err != nil {
		t.Fatal(err)
	}

	dec, err := m.Verify(time.Unix(3, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Fatalf("expected allowed, got denied: %s", dec.DeniedReason)
	}
	if !m.ToPersist().Usage.Equal(d(15)) {
		t.Fatalf("expected usage=15, got %s", m.ToPersist().Usage)
	}
	if dec.Remaining == nil || !dec.Remaining.Equal(d(85)) {
		t.Fatalf("expected remaining=85, got %v", dec.Remaining)
	}
}

func TestLimitCrossedOverageNone(t *testing.T) {
	m := newSumMeter(10, grant.OverageNone)

	dec1, err := m.Consume(d(7), time.Unix(1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !dec1.Allowed {
		t.Fatal("expected first consume to be allowed")
	}

	dec2, err := m.Consume(d(5), time.Unix(2, 0))
	if err != nil {
		t.Fatal(err)
	}
	if dec2.Allowed {
		t.Fatal("expected second consume to be denied")
	}
	if dec2.DeniedReason != DeniedLimitExceeded {
		t.Fatalf("expected LIMIT_EXCEEDED, got %s", dec2.DeniedReason)
	}
	if !m.ToPersist().Usage.Equal(d(7)) {
		t.Fatalf("expected usage to remain 7 after denial, got %s", m.ToPersist().Usage)
	}
}

func TestLastCallOverage(t *testing.T) {
	m := newSumMeter(10, grant.OverageLastCall)

	dec1, err := m.Consume(d(6), time.Unix(1, 0))
	if err != nil || !dec1.Allowed {
		t.Fatalf("expected first consume allowed, got %+v err=%v", dec1, err)
	}

	dec2, err := m.Consume(d(6), time.Unix(2, 0)) // usage 6 -> 12, crosses limit, still allowed
	if err != nil || !dec2.Allowed {
		t.Fatalf("expected crossing consume allowed, got %+v err=%v", dec2, err)
	}

	dec3, err := m.Consume(d(1), time.Unix(3, 0)) // already over limit, denied
	if err != nil {
		t.Fatal(err)
	}
	if dec3.Allowed {
		t.Fatal("expected consume after crossing to be denied")
	}

	if !m.ToPersist().Usage.Equal(d(12)) {
		t.Fatalf("expected final usage=12, got %s", m.ToPersist().Usage)
	}
}

func TestConsumeTwiceDoubleAppliesWithoutIdempotencyGate(t *testing.T) {
	// The meter itself has no idempotency concept (that lives in the
	// entitlement storage's hasIdempotenceKey); this test asserts that
	// calling Consume with the same delta twice without an intervening
	// idempotency short-circuit would double-apply, which is exactly why
	// the caller (entitlementsvc) must gate on hasIdempotenceKey before
	// ever reaching Consume.
	m := newSumMeter(100, grant.OverageAlways)
	if _, err := m.Consume(d(5), time.Unix(1, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Consume(d(5), time.Unix(2, 0)); err != nil {
		t.Fatal(err)
	}
	if !m.ToPersist().Usage.Equal(d(10)) {
		t.Fatalf("expected naive double-consume to reach 10, got %s", m.ToPersist().Usage)
	}
}

func TestOverageAlwaysNeverDenies(t *testing.T) {
	m := newSumMeter(10, grant.OverageAlways)
	dec, err := m.Consume(d(50), time.Unix(1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Fatal("overage=always must never deny")
	}
	if !dec.OverThreshold {
		t.Fatal("expected over-threshold flag once usage exceeds the default 95% notify threshold")
	}
}

func TestFlatFeatureNeverConsumes(t *testing.T) {
	limit := int64(1)
	m := New(aggregation.BehaviorNone, grant.FeatureFlat, &limit, time.Unix(0, 0).UTC(), nil, grant.OverageNone, 0, MeterState{})
	if _, err := m.Consume(d(1), time.Unix(1, 0)); err != ErrFlatFeatureDoesNotConsume {
		t.Fatalf("expected ErrFlatFeatureDoesNotConsume, got %v", err)
	}

	dec, err := m.Verify(time.Unix(1, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Fatal("expected flat feature with limit=1 to verify as allowed")
	}
}

func TestFlatFeatureRespectsEffectiveWindow(t *testing.T) {
	limit := int64(1)
	effectiveAt := time.Unix(100, 0).UTC()
	m := New(aggregation.BehaviorNone, grant.FeatureFlat, &limit, effectiveAt, nil, grant.OverageNone, 0, MeterState{})

	dec, err := m.Verify(time.Unix(1, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed || dec.DeniedReason != DeniedNotActive {
		t.Fatalf("expected NOT_ACTIVE before effectiveAt, got %+v", dec)
	}
}

func TestApplyReconciliationAdvancesCursor(t *testing.T) {
	m := newSumMeter(1000, grant.OverageAlways)
	if _, err := m.Consume(d(5), time.Unix(1, 0)); err != nil {
		t.Fatal(err)
	}

	drift := d(2000)
	snapshot := d(2005)
	cursor := idForTest(t)
	m.ApplyReconciliation(drift, snapshot, cursor)

	if !m.ToPersist().Usage.Equal(snapshot) {
		t.Fatalf("expected usage to end at snapshotCurrentUsage=%s, got %s", snapshot, m.ToPersist().Usage)
	}
	if !m.ToPersist().SnapshotUsage.Equal(snapshot) {
		t.Fatalf("expected snapshotUsage updated, got %s", m.ToPersist().SnapshotUsage)
	}
	if m.ToPersist().LastReconciledID != cursor {
		t.Fatal("expected lastReconciledId to advance to the given cursor")
	}
}
