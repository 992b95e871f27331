package invoice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/unprice/core/id"
)

// ErrNotFound is returned when an invoice lookup finds nothing.
var ErrNotFound = errors.New("invoice: not found")

// MemoryStore is an in-process reference Store, used by tests and
// single-process deployments with no external invoice ledger.
type MemoryStore struct {
	mu       sync.RWMutex
	invoices map[string]*Invoice
}

// NewMemoryStore returns an empty in-process Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{invoices: make(map[string]*Invoice)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID.String()] = inv
	return nil
}

func (s *MemoryStore) Get(_ context.Context, invID id.InvoiceID) (*Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if inv, ok := s.invoices[invID.String()]; ok {
		return inv, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) List(_ context.Context, tenantID, appID string, opts ListOpts) ([]*Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Invoice, 0)
	for _, inv := range s.invoices {
		if inv.TenantID != tenantID || inv.AppID != appID {
			continue
		}
		if opts.Status != "" && inv.Status != opts.Status {
			continue
		}
		if !opts.Start.IsZero() && inv.PeriodStart.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && inv.PeriodEnd.After(opts.End) {
			continue
		}
		result = append(result, inv)
	}
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID.String()] = inv
	return nil
}

func (s *MemoryStore) GetByPeriod(_ context.Context, tenantID, appID string, periodStart, periodEnd time.Time) (*Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, inv := range s.invoices {
		if inv.TenantID == tenantID && inv.AppID == appID &&
			inv.PeriodStart.Equal(periodStart) && inv.PeriodEnd.Equal(periodEnd) {
			return inv, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListPending(_ context.Context, appID string) ([]*Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Invoice, 0)
	for _, inv := range s.invoices {
		if inv.AppID == appID && inv.Status == StatusPending {
			result = append(result, inv)
		}
	}
	return result, nil
}

func (s *MemoryStore) MarkPaid(_ context.Context, invID id.InvoiceID, paidAt time.Time, paymentRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[invID.String()]
	if !ok {
		return ErrNotFound
	}
	inv.Status = StatusPaid
	inv.PaidAt = &paidAt
	inv.PaymentRef = paymentRef
	return nil
}

func (s *MemoryStore) MarkVoided(_ context.Context, invID id.InvoiceID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[invID.String()]
	if !ok {
		return ErrNotFound
	}
	inv.Status = StatusVoided
	now := time.Now().UTC()
	inv.VoidedAt = &now
	inv.VoidReason = reason
	return nil
}
