package entitlement

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no State exists for a Key.
var ErrNotFound = errors.New("entitlement: not found")

// MinIdempotenceTTL is the floor on the idempotency-key TTL regardless of
// cycle length (spec §4.F: "TTL matching two cycle lengths (min one
// hour)").
const MinIdempotenceTTL = time.Hour

// Storage is the durable per-actor persistent surface (spec component F).
// One Storage instance backs one Meter Actor (one customer).
type Storage interface {
	// Get returns the persisted State for key, or ErrNotFound.
	Get(ctx context.Context, key Key) (State, error)
	// Set persists state for key, creating or overwriting the record.
	Set(ctx context.Context, key Key, state State) error
	// Delete removes the record for key entirely.
	Delete(ctx context.Context, key Key) error
	// Reset clears the record for key, used by resetEntitlements.
	Reset(ctx context.Context, key Key) error

	// HasIdempotenceKey reports whether (key.FeatureSlug, idempotenceKey)
	// has been observed before, for the given customer. On first
	// observation it atomically records the key with ttl and returns
	// false. Subsequent calls before ttl elapses return true.
	HasIdempotenceKey(ctx context.Context, customerID, featureSlug, idempotenceKey string, ttl time.Duration) (bool, error)

	// InsertUsageRecord appends r to the pending usage-record buffer.
	InsertUsageRecord(ctx context.Context, r UsageRecord) error
	// InsertVerification appends v to the pending verification buffer.
	InsertVerification(ctx context.Context, v Verification) error

	// Flush batch-writes pending usage records and verifications to the
	// analytics sink. Must be safe to call repeatedly and safe to resume
	// after a crash (pending batches survive restart and are replayed).
	Flush(ctx context.Context) error
}

// AnalyticsSink is the subset of the analytics ingestion surface Storage
// needs to flush pending batches (spec §6: "Ingest endpoints for
// unprice_feature_usage_records, unprice_feature_verifications").
type AnalyticsSink interface {
	IngestUsageRecords(ctx context.Context, records []UsageRecord) error
	IngestVerifications(ctx context.Context, verifications []Verification) error
}
