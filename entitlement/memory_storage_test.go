package entitlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/unprice/core/id"
	"github.com/unprice/core/meter"
)

type fakeSink struct {
	usage         [][]UsageRecord
	verifications [][]Verification
	failNext      bool
}

func (f *fakeSink) IngestUsageRecords(_ context.Context, records []UsageRecord) error {
	if f.failNext {
		f.failNext = false
		return errors.New("sink unavailable")
	}
	f.usage = append(f.usage, records)
	return nil
}

func (f *fakeSink) IngestVerifications(_ context.Context, verifications []Verification) error {
	f.verifications = append(f.verifications, verifications)
	return nil
}

func testKey() Key {
	return Key{CustomerID: "cust_1", ProjectID: "proj_1", FeatureSlug: "seats"}
}

func TestMemoryStorageGetSetDeleteReset(t *testing.T) {
	s := NewMemoryStorage(nil, nil)
	ctx := context.Background()
	key := testKey()

	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before Set, got %v", err)
	}

	st := State{
		Entitlement: Entitlement{FeatureSlug: "seats"},
		Meter:       meter.MeterState{Usage: decimal.NewFromInt(3)},
	}
	if err := s.Set(ctx, key, st); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Meter.Usage.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected usage=3, got %s", got.Meter.Usage)
	}

	if err := s.Reset(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after Reset, got %v", err)
	}

	if err := s.Set(ctx, key, st); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after Delete, got %v", err)
	}
}

func TestMemoryStorageHasIdempotenceKeyFloorsTTL(t *testing.T) {
	now := time.Unix(0, 0).UTC()
	s := NewMemoryStorage(nil, func() time.Time { return now })
	ctx := context.Background()

	seen, err := s.HasIdempotenceKey(ctx, "cust_1", "seats", "req-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("expected first observation to report unseen")
	}

	// Advance past the requested 1-minute TTL but short of the enforced
	// one-hour floor: the key must still be considered seen.
	now = now.Add(2 * time.Minute)
	seen, err = s.HasIdempotenceKey(ctx, "cust_1", "seats", "req-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Fatal("expected key to still be seen within the floored one-hour TTL")
	}

	now = now.Add(2 * time.Hour)
	seen, err = s.HasIdempotenceKey(ctx, "cust_1", "seats", "req-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("expected key to be unseen again after the floored TTL elapsed")
	}
}

func TestMemoryStorageHasIdempotenceKeyScopedPerFeatureAndCustomer(t *testing.T) {
	s := NewMemoryStorage(nil, nil)
	ctx := context.Background()

	if seen, _ := s.HasIdempotenceKey(ctx, "cust_1", "seats", "req-1", time.Hour); seen {
		t.Fatal("expected unseen for cust_1/seats")
	}
	if seen, _ := s.HasIdempotenceKey(ctx, "cust_2", "seats", "req-1", time.Hour); seen {
		t.Fatal("expected unseen for a different customer with the same request id")
	}
	if seen, _ := s.HasIdempotenceKey(ctx, "cust_1", "api_calls", "req-1", time.Hour); seen {
		t.Fatal("expected unseen for a different feature with the same request id")
	}
	if seen, _ := s.HasIdempotenceKey(ctx, "cust_1", "seats", "req-1", time.Hour); !seen {
		t.Fatal("expected seen on repeat of the exact (customer,feature,key) tuple")
	}
}

func TestMemoryStorageFlushDrainsBuffersOnSuccess(t *testing.T) {
	sink := &fakeSink{}
	s := NewMemoryStorage(sink, nil)
	ctx := context.Background()

	rec := UsageRecord{ID: id.New(id.PrefixUsageRecord), CustomerID: "cust_1", FeatureSlug: "seats", Usage: decimal.NewFromInt(1)}
	ver := Verification{CustomerID: "cust_1", FeatureSlug: "seats", Allowed: true}

	if err := s.InsertUsageRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertVerification(ctx, ver); err != nil {
		t.Fatal(err)
	}

	usageCount, verCount := s.PendingCounts()
	if usageCount != 1 || verCount != 1 {
		t.Fatalf("expected 1 pending of each, got usage=%d verifications=%d", usageCount, verCount)
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	usageCount, verCount = s.PendingCounts()
	if usageCount != 0 || verCount != 0 {
		t.Fatalf("expected buffers drained after successful flush, got usage=%d verifications=%d", usageCount, verCount)
	}
	if len(sink.usage) != 1 || len(sink.usage[0]) != 1 {
		t.Fatalf("expected sink to receive exactly one batch of one usage record, got %+v", sink.usage)
	}
}

func TestMemoryStorageFlushRetainsBufferOnSinkFailure(t *testing.T) {
	sink := &fakeSink{failNext: true}
	s := NewMemoryStorage(sink, nil)
	ctx := context.Background()

	rec := UsageRecord{ID: id.New(id.PrefixUsageRecord), CustomerID: "cust_1", FeatureSlug: "seats", Usage: decimal.NewFromInt(1)}
	if err := s.InsertUsageRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := s.Flush(ctx); err == nil {
		t.Fatal("expected Flush to surface the sink error")
	}

	usageCount, _ := s.PendingCounts()
	if usageCount != 1 {
		t.Fatalf("expected the failed batch to remain buffered for retry, got %d", usageCount)
	}

	// Retry succeeds once the sink recovers, and the same record is replayed.
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	usageCount, _ = s.PendingCounts()
	if usageCount != 0 {
		t.Fatalf("expected buffer drained after retry succeeded, got %d", usageCount)
	}
}

func TestMemoryStorageFlushSendsLaterAppendsInNextBatch(t *testing.T) {
	sink := &fakeSink{}
	s := NewMemoryStorage(sink, nil)
	ctx := context.Background()

	rec1 := UsageRecord{ID: id.New(id.PrefixUsageRecord), CustomerID: "cust_1", FeatureSlug: "seats", Usage: decimal.NewFromInt(1)}
	if err := s.InsertUsageRecord(ctx, rec1); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	rec2 := UsageRecord{ID: id.New(id.PrefixUsageRecord), CustomerID: "cust_1", FeatureSlug: "seats", Usage: decimal.NewFromInt(2)}
	if err := s.InsertUsageRecord(ctx, rec2); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	if len(sink.usage) != 2 {
		t.Fatalf("expected two separate flush batches, got %d", len(sink.usage))
	}
}

func TestMemoryStorageGC(t *testing.T) {
	now := time.Unix(0, 0).UTC()
	s := NewMemoryStorage(nil, func() time.Time { return now })
	ctx := context.Background()

	if _, err := s.HasIdempotenceKey(ctx, "cust_1", "seats", "req-1", time.Hour); err != nil {
		t.Fatal(err)
	}

	now = now.Add(30 * time.Minute)
	s.GC()
	if seen, _ := s.HasIdempotenceKey(ctx, "cust_1", "seats", "req-1", time.Hour); !seen {
		t.Fatal("expected key to survive GC before its TTL elapsed")
	}

	now = now.Add(2 * time.Hour)
	s.GC()
	if seen, _ := s.HasIdempotenceKey(ctx, "cust_1", "seats", "req-1", time.Hour); seen {
		t.Fatal("expected key to be collected after its TTL elapsed")
	}
}
