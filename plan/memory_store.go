package plan

import (
	"context"
	"errors"
	"sync"

	"github.com/unprice/core/id"
)

// ErrNotFound is returned when a plan lookup finds nothing.
var ErrNotFound = errors.New("plan: not found")

// ErrAlreadyExists is returned when Create collides with an existing ID.
var ErrAlreadyExists = errors.New("plan: already exists")

// MemoryStore is an in-process reference Store, used by tests and
// single-process deployments with no external plan catalog.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewMemoryStore returns an empty in-process Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string]*Plan)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, p *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[p.ID.String()]; exists {
		return ErrAlreadyExists
	}
	s.plans[p.ID.String()] = p
	return nil
}

func (s *MemoryStore) Get(_ context.Context, planID id.PlanID) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.plans[planID.String()]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetBySlug(_ context.Context, slug, appID string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.plans {
		if p.Slug == slug && p.AppID == appID {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) List(_ context.Context, appID string, opts ListOpts) ([]*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Plan, 0)
	for _, p := range s.plans {
		if p.AppID == appID && (opts.Status == "" || p.Status == opts.Status) {
			result = append(result, p)
		}
	}

	start := min(opts.Offset, len(result))
	end := len(result)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return result[start:end], nil
}

func (s *MemoryStore) Update(_ context.Context, p *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[p.ID.String()]; !exists {
		return ErrNotFound
	}
	s.plans[p.ID.String()] = p
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, planID id.PlanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plans, planID.String())
	return nil
}

func (s *MemoryStore) Archive(_ context.Context, planID id.PlanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, exists := s.plans[planID.String()]
	if !exists {
		return ErrNotFound
	}
	p.Status = StatusArchived
	return nil
}
