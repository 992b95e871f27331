package meter

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/unprice/core/aggregation"
	"github.com/unprice/core/grant"
	"github.com/unprice/core/id"
)

// ErrFlatFeatureDoesNotConsume is returned by Consume when called against
// a flat feature; flat features are gates, not counters, and never accept
// usage (spec §4.E: "featureType=flat never consumes").
var ErrFlatFeatureDoesNotConsume = errors.New("meter: flat features do not consume usage")

// Meter is the usage counter for one (customer, project, feature) tuple,
// constructed from the resolved entitlement and its persisted MeterState.
type Meter struct {
	Behavior        aggregation.Behavior
	FeatureType     grant.FeatureType
	Limit           *int64 // nil = unlimited
	EffectiveAt     time.Time
	ExpiresAt       *time.Time
	OverageStrategy grant.OverageStrategy
	NotifyThreshold float64

	state MeterState
}

// New constructs a Meter over the given state.
func New(behavior aggregation.Behavior, featureType grant.FeatureType, limit *int64, effectiveAt time.Time, expiresAt *time.Time, overage grant.OverageStrategy, notifyThreshold float64, state MeterState) *Meter {
	return &Meter{
		Behavior:        behavior,
		FeatureType:     featureType,
		Limit:           limit,
		EffectiveAt:     effectiveAt,
		ExpiresAt:       expiresAt,
		OverageStrategy: overage,
		NotifyThreshold: notifyThreshold,
		state:           state,
	}
}

// Verify performs a dry-run check: would a transaction of size proposed
// be allowed right now? It never mutates the meter. proposed defaults to
// zero (checking only the current counter against the limit) when nil.
func (m *Meter) Verify(now time.Time, proposed *decimal.Decimal) (Decision, error) {
	if m.FeatureType == grant.FeatureFlat {
		return m.verifyFlat(now), nil
	}

	delta := decimal.Zero
	if proposed != nil {
		delta = *proposed
	}

	newUsage := applyBehavior(m.Behavior, m.state.Usage, delta)
	return m.decide(newUsage, m.state.Usage), nil
}

// Consume applies delta to the meter and returns the resulting decision.
// If the decision is a denial, the meter is left unchanged.
func (m *Meter) Consume(delta decimal.Decimal, now time.Time) (Decision, error) {
	if m.FeatureType == grant.FeatureFlat {
		return Decision{}, ErrFlatFeatureDoesNotConsume
	}

	newUsage := applyBehavior(m.Behavior, m.state.Usage, delta)
	dec := m.decide(newUsage, m.state.Usage)
	if dec.Allowed {
		m.state.Usage = newUsage
		m.state.LastUpdated = now
	}
	return dec, nil
}

// ToPersist returns the meter's current MeterState for storage.
func (m *Meter) ToPersist() MeterState { return m.state }

// ApplyReconciliation is the dedicated reconciliation write path (spec
// §4.G step 7): it updates usage, snapshotUsage, and lastReconciledId
// atomically and never evaluates the allow/deny decision path. drift is
// applied to usage and then immediately overwritten by
// snapshotCurrentUsage; this mirrors the source behavior exactly — see
// DESIGN.md Open Question #1 — the net effect on usage is just
// snapshotCurrentUsage, but computing drift first keeps the code's intent
// legible to a reviewer rather than collapsing it to an assignment.
func (m *Meter) ApplyReconciliation(drift, snapshotCurrentUsage decimal.Decimal, lastReconciledID id.ID) {
	m.state.Usage = m.state.Usage.Add(drift)
	m.state.Usage = snapshotCurrentUsage
	m.state.SnapshotUsage = snapshotCurrentUsage
	m.state.LastReconciledID = lastReconciledID
}

// ResetForNewCycle re-initializes the meter at a cycle boundary: usage and
// snapshot reset to the analytics-derived starting value for the new
// cycle and the cursor advances to mark that starting point.
func (m *Meter) ResetForNewCycle(usage decimal.Decimal, lastReconciledID id.ID, now time.Time, cycleStart time.Time) {
	m.state = MeterState{
		Usage:            usage,
		SnapshotUsage:    usage,
		LastReconciledID: lastReconciledID,
		LastUpdated:      now,
		LastCycleStart:   &cycleStart,
	}
}

func (m *Meter) verifyFlat(now time.Time) Decision {
	if now.Before(m.EffectiveAt) {
		return Decision{Allowed: false, DeniedReason: DeniedNotActive}
	}
	if m.ExpiresAt != nil && !now.Before(*m.ExpiresAt) {
		return Decision{Allowed: false, DeniedReason: DeniedExpired}
	}
	allowed := m.Limit != nil && *m.Limit > 0
	if !allowed {
		return Decision{Allowed: false, DeniedReason: DeniedFeatureDisabled}
	}
	return Decision{Allowed: true}
}

// decide evaluates the overage policy for a candidate newUsage against the
// meter's limit, given the pre-transaction usage currentUsage.
func (m *Meter) decide(newUsage, currentUsage decimal.Decimal) Decision {
	if m.Limit == nil {
		return Decision{Allowed: true}
	}

	limit := decimal.NewFromInt(*m.Limit)

	switch m.OverageStrategy {
	case grant.OverageNone:
		if newUsage.GreaterThan(limit) {
			rem := limit.Sub(currentUsage)
			return Decision{Allowed: false, DeniedReason: DeniedLimitExceeded, Remaining: &rem}
		}
		rem := limit.Sub(newUsage)
		return Decision{Allowed: true, Remaining: &rem, OverThreshold: m.overThreshold(newUsage, limit)}

	case grant.OverageLastCall:
		if currentUsage.GreaterThanOrEqual(limit) {
			rem := limit.Sub(currentUsage)
			return Decision{Allowed: false, DeniedReason: DeniedLimitExceeded, Remaining: &rem, OverThreshold: true}
		}
		rem := limit.Sub(newUsage)
		return Decision{Allowed: true, Remaining: &rem, OverThreshold: m.overThreshold(newUsage, limit)}

	case grant.OverageAlways:
		rem := limit.Sub(newUsage)
		return Decision{Allowed: true, Remaining: &rem, OverThreshold: m.overThreshold(newUsage, limit)}

	default:
		rem := limit.Sub(newUsage)
		return Decision{Allowed: true, Remaining: &rem}
	}
}

func (m *Meter) overThreshold(newUsage, limit decimal.Decimal) bool {
	if limit.IsZero() {
		return false
	}
	threshold := m.NotifyThreshold
	if threshold == 0 {
		threshold = grant.DefaultNotifyThreshold
	}
	ratio, _ := newUsage.Div(limit).Float64()
	return ratio >= threshold
}

// applyBehavior folds delta into current according to the aggregation
// behavior (spec §4.E).
func applyBehavior(behavior aggregation.Behavior, current, delta decimal.Decimal) decimal.Decimal {
	switch behavior {
	case aggregation.BehaviorSum:
		return current.Add(delta)
	case aggregation.BehaviorMax:
		if delta.GreaterThan(current) {
			return delta
		}
		return current
	case aggregation.BehaviorLast:
		return delta
	default:
		return current
	}
}
