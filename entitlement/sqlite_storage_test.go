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

func openTestSQLite(t *testing.T, sink AnalyticsSink) *SQLiteStorage {
	t.Helper()
	s, err := OpenSQLiteStorage(context.Background(), ":memory:", sink)
	if err != nil {
		t.Fatalf("OpenSQLiteStorage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStorageGetSetDeleteReset(t *testing.T) {
	s := openTestSQLite(t, nil)
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

	// Set again with a different value to exercise the upsert path.
	st.Meter.Usage = decimal.NewFromInt(5)
	if err := s.Set(ctx, key, st); err != nil {
		t.Fatal(err)
	}
	got, err = s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Meter.Usage.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected usage=5 after upsert, got %s", got.Meter.Usage)
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

func TestSQLiteStorageHasIdempotenceKeyFloorsTTL(t *testing.T) {
	s := openTestSQLite(t, nil)
	ctx := context.Background()

	seen, err := s.HasIdempotenceKey(ctx, "cust_1", "seats", "req-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("expected first observation to report unseen")
	}

	seen, err = s.HasIdempotenceKey(ctx, "cust_1", "seats", "req-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Fatal("expected second observation within TTL to report seen")
	}

	var ttlSecs int64
	if err := s.db.QueryRowContext(ctx, `SELECT ttl_secs FROM idempotency_keys`).Scan(&ttlSecs); err != nil {
		t.Fatal(err)
	}
	if ttlSecs != int64(MinIdempotenceTTL.Seconds()) {
		t.Fatalf("expected the 1-minute TTL to be floored to %d seconds, got %d", int64(MinIdempotenceTTL.Seconds()), ttlSecs)
	}
}

func TestSQLiteStorageFlushReplaysAndClearsPending(t *testing.T) {
	sink := &fakeSink{}
	s := openTestSQLite(t, sink)
	ctx := context.Background()

	rec := UsageRecord{
		ID:          id.New(id.PrefixUsageRecord),
		CustomerID:  "cust_1",
		ProjectID:   "proj_1",
		FeatureSlug: "seats",
		Usage:       decimal.NewFromInt(1),
		Timestamp:   time.Unix(0, 0).UTC(),
	}
	if err := s.InsertUsageRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	v := Verification{
		CustomerID:  "cust_1",
		ProjectID:   "proj_1",
		FeatureSlug: "seats",
		Timestamp:   time.Unix(0, 0).UTC(),
		Allowed:     true,
	}
	if err := s.InsertVerification(ctx, v); err != nil {
		t.Fatal(err)
	}

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(sink.usage) != 1 || len(sink.usage[0]) != 1 {
		t.Fatalf("expected one flushed usage batch of one record, got %v", sink.usage)
	}
	if len(sink.verifications) != 1 || len(sink.verifications[0]) != 1 {
		t.Fatalf("expected one flushed verification batch of one record, got %v", sink.verifications)
	}

	// A second flush with nothing pending must be a safe no-op.
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if len(sink.usage) != 1 || len(sink.verifications) != 1 {
		t.Fatal("expected flushed rows to be cleared after the first flush")
	}
}

func TestSQLiteStorageFlushSurvivesSinkFailure(t *testing.T) {
	sink := &fakeSink{failNext: true}
	s := openTestSQLite(t, sink)
	ctx := context.Background()

	rec := UsageRecord{
		ID:          id.New(id.PrefixUsageRecord),
		CustomerID:  "cust_1",
		ProjectID:   "proj_1",
		FeatureSlug: "seats",
		Usage:       decimal.NewFromInt(1),
		Timestamp:   time.Unix(0, 0).UTC(),
	}
	if err := s.InsertUsageRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := s.Flush(ctx); err == nil {
		t.Fatal("expected Flush to surface the sink failure")
	}

	// The pending row must still be there for a retry, since flushUsageRecords
	// only deletes rows once the sink ack succeeds.
	sink.failNext = false
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("retry Flush: %v", err)
	}
	if len(sink.usage) != 1 {
		t.Fatalf("expected the retried flush to deliver the surviving row, got %v", sink.usage)
	}
}
