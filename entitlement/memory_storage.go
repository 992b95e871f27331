package entitlement

import (
	"context"
	"sync"
	"time"
)

type idempotenceEntry struct {
	seenAt time.Time
	ttl    time.Duration
}

// MemoryStorage is an in-process Storage implementation backed by mutex-
// guarded maps. It is the reference implementation for tests; production
// per-actor storage is backed by SQLiteStorage.
type MemoryStorage struct {
	mu sync.Mutex

	states map[string]State
	idem   map[string]idempotenceEntry

	pendingUsage         []UsageRecord
	pendingVerifications []Verification

	sink AnalyticsSink
	now  func() time.Time
}

// NewMemoryStorage returns a MemoryStorage that flushes through sink.
// nowFn defaults to time.Now when nil; tests may override it.
func NewMemoryStorage(sink AnalyticsSink, nowFn func() time.Time) *MemoryStorage {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryStorage{
		states: make(map[string]State),
		idem:   make(map[string]idempotenceEntry),
		sink:   sink,
		now:    nowFn,
	}
}

func (s *MemoryStorage) Get(_ context.Context, key Key) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key.String()]
	if !ok {
		return State{}, ErrNotFound
	}
	return st, nil
}

func (s *MemoryStorage) Set(_ context.Context, key Key, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[key.String()] = state
	return nil
}

func (s *MemoryStorage) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, key.String())
	return nil
}

func (s *MemoryStorage) Reset(ctx context.Context, key Key) error {
	return s.Delete(ctx, key)
}

func (s *MemoryStorage) HasIdempotenceKey(_ context.Context, customerID, featureSlug, idempotenceKey string, ttl time.Duration) (bool, error) {
	if ttl < MinIdempotenceTTL {
		ttl = MinIdempotenceTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := customerID + ":" + featureSlug + ":" + idempotenceKey
	now := s.now()

	entry, ok := s.idem[k]
	if ok && now.Sub(entry.seenAt) < entry.ttl {
		return true, nil
	}

	s.idem[k] = idempotenceEntry{seenAt: now, ttl: ttl}
	return false, nil
}

func (s *MemoryStorage) InsertUsageRecord(_ context.Context, r UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingUsage = append(s.pendingUsage, r)
	return nil
}

func (s *MemoryStorage) InsertVerification(_ context.Context, v Verification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingVerifications = append(s.pendingVerifications, v)
	return nil
}

// Flush drains the pending buffers to the sink. On sink failure the
// buffers are left intact so a subsequent Flush (or restart replay)
// retries the same batch.
func (s *MemoryStorage) Flush(ctx context.Context) error {
	s.mu.Lock()
	usage := s.pendingUsage
	verifications := s.pendingVerifications
	s.mu.Unlock()

	if s.sink == nil {
		return nil
	}

	if len(usage) > 0 {
		if err := s.sink.IngestUsageRecords(ctx, usage); err != nil {
			return err
		}
	}
	if len(verifications) > 0 {
		if err := s.sink.IngestVerifications(ctx, verifications); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.pendingUsage = s.pendingUsage[len(usage):]
	s.pendingVerifications = s.pendingVerifications[len(verifications):]
	s.mu.Unlock()
	return nil
}

// PendingCounts returns the number of buffered usage records and
// verifications awaiting flush, for tests and observability.
func (s *MemoryStorage) PendingCounts() (usage, verifications int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingUsage), len(s.pendingVerifications)
}

// GC removes idempotency keys whose TTL has elapsed (spec §8: "keys older
// than 2×cycle are garbage-collected").
func (s *MemoryStorage) GC() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, entry := range s.idem {
		if now.Sub(entry.seenAt) >= entry.ttl {
			delete(s.idem, k)
		}
	}
}

var _ Storage = (*MemoryStorage)(nil)
