package grant

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/unprice/core/id"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound = errors.New("grant: not found")
)

// Subject identifies one layer to pull active grants for: a customer, a
// project, a plan, or a plan version.
type Subject struct {
	Kind SubjectKind
	ID   string
}

// TimeRange optionally narrows listActiveForSubjects to grants whose
// effective window intersects [StartAt, EndAt) instead of the instant At.
type TimeRange struct {
	At      time.Time
	StartAt *time.Time
	EndAt   *time.Time
}

// Store is the persistent, append-only backing store for grants (spec
// component C). Implementations must treat inserts as idempotent on the
// uniqueness key (ProjectID, SubjectID, SubjectKind, Type, EffectiveAt,
// ExpiresAt, FeaturePlanVersion.ID): a conflicting insert is a silent
// no-op, not an error.
type Store interface {
	// ListActiveForSubjects returns all live grants (Deleted=false and
	// effective at the given time/range) across the given subjects,
	// scoped to projectID.
	ListActiveForSubjects(ctx context.Context, projectID string, subjects []Subject, when TimeRange) ([]Grant, error)

	// Insert appends a new grant. On a uniqueness-key conflict it does
	// nothing and returns nil (not an error).
	Insert(ctx context.Context, g Grant) error

	// SoftDelete marks the given grant ids as deleted for the given
	// subject, setting DeletedAt to now.
	SoftDelete(ctx context.Context, ids []id.GrantID, projectID string, subjectKind SubjectKind, subjectID string, now time.Time) error
}

// memoryStore is an in-process Store backed by a mutex-guarded map. It
// is the reference implementation used by tests and by single-process
// deployments, and the only Store implementation this package ships.
type memoryStore struct {
	mu     sync.RWMutex
	grants map[id.GrantID]Grant
}

// NewMemoryStore returns an in-memory Store implementation.
func NewMemoryStore() Store {
	return &memoryStore{grants: make(map[id.GrantID]Grant)}
}

func (s *memoryStore) ListActiveForSubjects(_ context.Context, projectID string, subjects []Subject, when TimeRange) ([]Grant, error) {
	want := make(map[SubjectKind]map[string]bool, len(subjects))
	for _, subj := range subjects {
		m, ok := want[subj.Kind]
		if !ok {
			m = make(map[string]bool)
			want[subj.Kind] = m
		}
		m[subj.ID] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Grant
	for _, g := range s.grants {
		if g.ProjectID != projectID || g.Deleted {
			continue
		}
		if m, ok := want[g.SubjectKind]; !ok || !m[g.SubjectID] {
			continue
		}
		if !grantIntersects(g, when) {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func grantIntersects(g Grant, when TimeRange) bool {
	if when.StartAt == nil && when.EndAt == nil {
		return g.IsLive(when.At)
	}
	start := g.EffectiveAt
	end := g.ExpiresAt
	if when.StartAt != nil && end != nil && !end.After(*when.StartAt) {
		return false
	}
	if when.EndAt != nil && !start.Before(*when.EndAt) {
		return false
	}
	return true
}

func (s *memoryStore) Insert(_ context.Context, g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.grants {
		if sameUniquenessKey(existing, g) {
			return nil
		}
	}
	s.grants[g.ID] = g
	return nil
}

func sameUniquenessKey(a, b Grant) bool {
	if a.ProjectID != b.ProjectID || a.SubjectID != b.SubjectID || a.SubjectKind != b.SubjectKind {
		return false
	}
	if a.Type != b.Type || a.FeaturePlanVersion.ID != b.FeaturePlanVersion.ID {
		return false
	}
	if !a.EffectiveAt.Equal(b.EffectiveAt) {
		return false
	}
	return equalTimePtr(a.ExpiresAt, b.ExpiresAt)
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (s *memoryStore) SoftDelete(_ context.Context, ids []id.GrantID, projectID string, subjectKind SubjectKind, subjectID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := make(map[id.GrantID]bool, len(ids))
	for _, gid := range ids {
		target[gid] = true
	}

	for gid, g := range s.grants {
		if !target[gid] {
			continue
		}
		if g.ProjectID != projectID || g.SubjectKind != subjectKind || g.SubjectID != subjectID {
			continue
		}
		g.Deleted = true
		deletedAt := now
		g.DeletedAt = &deletedAt
		g.Touch()
		s.grants[gid] = g
	}
	return nil
}
