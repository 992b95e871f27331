package coupon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/unprice/core/id"
)

// ErrNotFound is returned when a coupon lookup finds nothing.
var ErrNotFound = errors.New("coupon: not found")

// MemoryStore is an in-process reference Store, used by tests and
// single-process deployments with no external coupon catalog.
type MemoryStore struct {
	mu      sync.RWMutex
	coupons map[string]*Coupon
}

// NewMemoryStore returns an empty in-process Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{coupons: make(map[string]*Coupon)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, c *Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coupons[c.ID.String()] = c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, code, appID string) (*Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.coupons {
		if c.Code == code && c.AppID == appID {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetByID(_ context.Context, couponID id.CouponID) (*Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.coupons[couponID.String()]; ok {
		return c, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) List(_ context.Context, appID string, opts ListOpts) ([]*Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	result := make([]*Coupon, 0)
	for _, c := range s.coupons {
		if c.AppID != appID {
			continue
		}
		if opts.Active && !c.IsRedeemable(now) {
			continue
		}
		result = append(result, c)
	}
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, c *Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coupons[c.ID.String()] = c
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, couponID id.CouponID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.coupons, couponID.String())
	return nil
}
