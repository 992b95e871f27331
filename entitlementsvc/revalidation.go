package entitlementsvc

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/unprice/core/cache"
	"github.com/unprice/core/cycle"
	"github.com/unprice/core/entitlement"
	"github.com/unprice/core/grant"
	"github.com/unprice/core/id"
	"github.com/unprice/core/meter"
	"github.com/unprice/core/reconcile"
)

const negativeKeyPrefix = "neg:"

// getStateWithRevalidation implements the three-tier lookup of spec §4.I:
// a cache hit with a storage-backed meter is returned as-is; a full miss
// lazily computes the entitlement from active grants; an expired hit
// recomputes from grants and always reinitializes the meter (or deletes
// the entitlement when no grants remain); a hit due for revalidation
// recomputes and reinitializes the meter only when the resolved version
// actually changed.
func (s *Service) getStateWithRevalidation(ctx context.Context, key entitlement.Key, now time.Time) (entitlement.State, bool, error) {
	if s.negativeHit(ctx, key) {
		return entitlement.State{}, false, nil
	}

	cachedEnt, cacheErr := s.cacheGetEntitlement(ctx, key)
	state, storageErr := s.storage.Get(ctx, key)
	haveStorage := storageErr == nil
	if storageErr != nil && storageErr != entitlement.ErrNotFound {
		return entitlement.State{}, false, storageErr
	}

	switch {
	case cacheErr != nil && !haveStorage:
		return s.computeAndPersist(ctx, key, now)

	case !haveStorage:
		meterState, err := s.initializeUsageMeter(ctx, cachedEnt, now)
		if err != nil {
			return entitlement.State{}, false, err
		}
		state = entitlement.State{Entitlement: cachedEnt, Meter: meterState}
		if err := s.storage.Set(ctx, key, state); err != nil {
			return entitlement.State{}, false, err
		}
		return state, true, nil
	}

	if state.Entitlement.IsExpired(now) {
		return s.recomputeOrForget(ctx, key, now)
	}

	if state.Entitlement.NeedsRevalidation(now) || state.Meter.LastUpdated.IsZero() {
		return s.revalidateAgainstGrants(ctx, key, state, now)
	}

	return state, true, nil
}

func (s *Service) computeAndPersist(ctx context.Context, key entitlement.Key, now time.Time) (entitlement.State, bool, error) {
	resolved, err := s.computeFromGrants(ctx, key, now)
	if err != nil {
		if err == grant.ErrNoGrants {
			s.setNegative(ctx, key)
			return entitlement.State{}, false, nil
		}
		return entitlement.State{}, false, err
	}

	meterState, err := s.initializeUsageMeter(ctx, resolved, now)
	if err != nil {
		return entitlement.State{}, false, err
	}
	state := entitlement.State{Entitlement: resolved, Meter: meterState}
	if err := s.storage.Set(ctx, key, state); err != nil {
		return entitlement.State{}, false, err
	}
	s.cacheSetEntitlement(ctx, key, resolved)
	return state, true, nil
}

func (s *Service) recomputeOrForget(ctx context.Context, key entitlement.Key, now time.Time) (entitlement.State, bool, error) {
	resolved, err := s.computeFromGrants(ctx, key, now)
	if err != nil {
		if err == grant.ErrNoGrants {
			_ = s.storage.Delete(ctx, key)
			if s.cache != nil {
				_ = s.cache.Remove(ctx, cache.NamespaceCustomerEntitlement, key.String())
			}
			return entitlement.State{}, false, nil
		}
		return entitlement.State{}, false, err
	}

	meterState, err := s.initializeUsageMeter(ctx, resolved, now)
	if err != nil {
		return entitlement.State{}, false, err
	}
	state := entitlement.State{Entitlement: resolved, Meter: meterState}
	if err := s.storage.Set(ctx, key, state); err != nil {
		return entitlement.State{}, false, err
	}
	s.cacheSetEntitlement(ctx, key, resolved)
	return state, true, nil
}

func (s *Service) revalidateAgainstGrants(ctx context.Context, key entitlement.Key, state entitlement.State, now time.Time) (entitlement.State, bool, error) {
	resolved, err := s.computeFromGrants(ctx, key, now)
	if err != nil {
		if err == grant.ErrNoGrants {
			_ = s.storage.Delete(ctx, key)
			return entitlement.State{}, false, nil
		}
		return entitlement.State{}, false, err
	}

	if resolved.Version != state.Entitlement.Version {
		meterState, err := s.initializeUsageMeter(ctx, resolved, now)
		if err != nil {
			return entitlement.State{}, false, err
		}
		state = entitlement.State{Entitlement: resolved, Meter: meterState}
	} else {
		state.Entitlement = resolved
		state.Entitlement.NextRevalidateAt = now.Add(s.revalidateAfter)
	}

	if err := s.storage.Set(ctx, key, state); err != nil {
		return entitlement.State{}, false, err
	}
	s.cacheSetEntitlement(ctx, key, state.Entitlement)
	s.reconcileInBackground(key, now)
	return state, true, nil
}

// computeFromGrants re-resolves the active grant set for key from the
// Grant Store, matching spec §4.D.
func (s *Service) computeFromGrants(ctx context.Context, key entitlement.Key, now time.Time) (entitlement.Entitlement, error) {
	subjects := []grant.Subject{{Kind: grant.SubjectCustomer, ID: key.CustomerID}}
	grants, err := s.grants.ListActiveForSubjects(ctx, key.ProjectID, subjects, grant.TimeRange{At: now})
	if err != nil {
		return entitlement.Entitlement{}, err
	}

	matching := make([]grant.Grant, 0, len(grants))
	for _, g := range grants {
		if g.FeatureSlug() == key.FeatureSlug {
			matching = append(matching, g)
		}
	}
	if len(matching) == 0 {
		return entitlement.Entitlement{}, grant.ErrNoGrants
	}

	resolved, err := grant.Resolve(matching)
	if err != nil {
		return entitlement.Entitlement{}, err
	}
	return entitlement.FromResolved(resolved, key.ProjectID, key.CustomerID, now, s.revalidateAfter), nil
}

// initializeUsageMeter seeds a fresh MeterState for e by asking the
// analytics cursor for usage since the start of the current billing
// cycle (or since EffectiveAt when there is no reset config), watermarked
// five minutes behind now (spec §4.G "watermark").
func (s *Service) initializeUsageMeter(ctx context.Context, e entitlement.Entitlement, now time.Time) (meter.MeterState, error) {
	watermark := now.Add(-reconcile.DefaultWatermarkOffset)
	afterBase := e.EffectiveAt
	var cycleStart *time.Time
	if e.ResetConfig != nil {
		if w, ok := cycle.CycleWindow(e.EffectiveAt, e.ExpiresAt, watermark, *e.ResetConfig, nil); ok {
			cycleStart = &w.Start
			afterBase = w.Start
		}
	}

	beforeID := id.NewAt(id.PrefixUsageRecord, watermark)

	if s.analytics == nil {
		return meter.MeterState{
			Usage:            decimal.Zero,
			SnapshotUsage:    decimal.Zero,
			LastReconciledID: beforeID,
			LastUpdated:      watermark,
			LastCycleStart:   cycleStart,
		}, nil
	}

	cursor, err := s.analytics.FetchUsageCursor(ctx, reconcile.CursorRequest{
		CustomerID:      e.CustomerID,
		ProjectID:       e.ProjectID,
		FeatureSlug:     e.FeatureSlug,
		AggregationMeth: e.AggregationMethod,
		FeatureType:     e.FeatureType,
		AfterRecordID:   id.NewAt(id.PrefixUsageRecord, afterBase),
		BeforeRecordID:  beforeID,
		StartAt:         afterBase,
	})
	if err != nil {
		return meter.MeterState{}, err
	}

	lastID := cursor.LastRecordID
	if lastID.IsNil() {
		lastID = beforeID
	}
	return meter.MeterState{
		Usage:            cursor.Usage,
		SnapshotUsage:    cursor.Usage,
		LastReconciledID: lastID,
		LastUpdated:      watermark,
		LastCycleStart:   cycleStart,
	}, nil
}

func (s *Service) negativeHit(ctx context.Context, key entitlement.Key) bool {
	if s.cache == nil {
		return false
	}
	var neg bool
	if err := s.cache.Get(ctx, cache.NamespaceNegativeEntitlements, negativeKeyPrefix+key.String(), &neg); err != nil {
		return false
	}
	return neg
}

func (s *Service) setNegative(ctx context.Context, key entitlement.Key) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Set(ctx, cache.NamespaceNegativeEntitlements, negativeKeyPrefix+key.String(), true)
}

func (s *Service) cacheGetEntitlement(ctx context.Context, key entitlement.Key) (entitlement.Entitlement, error) {
	if s.cache == nil {
		return entitlement.Entitlement{}, cache.ErrMiss
	}
	var e entitlement.Entitlement
	if err := s.cache.Get(ctx, cache.NamespaceCustomerEntitlement, key.String(), &e); err != nil {
		return entitlement.Entitlement{}, err
	}
	return e, nil
}

func (s *Service) cacheSetEntitlement(ctx context.Context, key entitlement.Key, e entitlement.Entitlement) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Set(ctx, cache.NamespaceCustomerEntitlement, key.String(), e)
}
