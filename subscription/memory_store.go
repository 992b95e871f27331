package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/unprice/core/id"
)

// ErrNotFound is returned when a subscription lookup finds nothing.
var ErrNotFound = errors.New("subscription: not found")

// ErrAlreadyExists is returned when Create collides with an existing ID.
var ErrAlreadyExists = errors.New("subscription: already exists")

// ErrNoActiveSubscription is returned by GetActive when the tenant has
// no subscription in StatusActive/StatusTrialing.
var ErrNoActiveSubscription = errors.New("subscription: no active subscription")

// MemoryStore is an in-process reference Store, used by tests and
// single-process deployments with no external subscription ledger.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore returns an empty in-process Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[sub.ID.String()]; exists {
		return ErrAlreadyExists
	}
	s.subs[sub.ID.String()] = sub
	return nil
}

func (s *MemoryStore) Get(_ context.Context, subID id.SubscriptionID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sub, ok := s.subs[subID.String()]; ok {
		return sub, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetActive(_ context.Context, tenantID, appID string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.TenantID == tenantID && sub.AppID == appID &&
			(sub.Status == StatusActive || sub.Status == StatusTrialing) {
			return sub, nil
		}
	}
	return nil, ErrNoActiveSubscription
}

func (s *MemoryStore) List(_ context.Context, tenantID, appID string, opts ListOpts) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Subscription, 0)
	for _, sub := range s.subs {
		if sub.TenantID == tenantID && sub.AppID == appID && (opts.Status == "" || sub.Status == opts.Status) {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[sub.ID.String()]; !exists {
		return ErrNotFound
	}
	s.subs[sub.ID.String()] = sub
	return nil
}

func (s *MemoryStore) Cancel(_ context.Context, subID id.SubscriptionID, cancelAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, exists := s.subs[subID.String()]
	if !exists {
		return ErrNotFound
	}
	sub.CancelAt = &cancelAt
	if !time.Now().Before(cancelAt) {
		sub.Status = StatusCanceled
		now := time.Now().UTC()
		sub.CanceledAt = &now
	}
	return nil
}
