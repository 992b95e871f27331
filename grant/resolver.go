package grant

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// Resolver errors (spec §4.D).
var (
	// ErrNoGrants is returned when Resolve is called with an empty grant set.
	ErrNoGrants = errors.New("grant: no grants")
	// ErrFeatureMismatch is returned when the grant set spans more than
	// one feature slug.
	ErrFeatureMismatch = errors.New("grant: feature mismatch")
)

// snapshot is the immutable, JSON-canonical view of one winning grant
// embedded in a Resolved result, matching the version-hash input fields.
type snapshot struct {
	ID          string      `json:"id"`
	Type        Type        `json:"type"`
	Name        string      `json:"name"`
	EffectiveAt time.Time   `json:"effective_at"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	Limit       *int64      `json:"limit,omitempty"`
	Priority    int         `json:"priority"`
	Config      PricingConfig `json:"config"`
}

// Resolved is the merged view of one or more grants for a single
// (customer, project, feature) tuple — the input the entitlement package
// turns into a persisted Entitlement.
type Resolved struct {
	FeatureSlug       string
	FeatureType       FeatureType
	AggregationMethod string
	UsageMode         UsageMode
	MergingPolicy     MergingPolicy
	OverageStrategy   OverageStrategy
	Limit             *int64
	EffectiveAt       time.Time
	ExpiresAt         *time.Time
	ResetConfig       *FeaturePlanVersion // carries BillingConfig/ResetConfig from the winner
	Winner            Grant               // highest-priority retained grant; pricing config source
	Grants            []Grant             // retained grants snapshot, winner first
	Version           string              // sha256 hex of the canonical grants snapshot
}

// DerivePolicy returns the merging policy for a feature, derived from its
// type (and usage mode for usage features), per spec §4.D.
func DerivePolicy(featureType FeatureType, usageMode UsageMode) MergingPolicy {
	switch featureType {
	case FeatureUsage:
		if usageMode == UsageModeTier {
			return PolicyMax
		}
		return PolicySum
	case FeatureTier, FeaturePackage:
		return PolicyMax
	default: // flat and anything unrecognized
		return PolicyReplace
	}
}

// Resolve merges a set of live grants for one feature into a single
// effective view, per the spec §4.D merge algorithm. grants need not be
// pre-sorted; Resolve sorts them by priority descending itself.
func Resolve(grants []Grant) (Resolved, error) {
	if len(grants) == 0 {
		return Resolved{}, ErrNoGrants
	}

	slug := grants[0].FeatureSlug()
	for _, g := range grants[1:] {
		if g.FeatureSlug() != slug {
			return Resolved{}, ErrFeatureMismatch
		}
	}

	sorted := make([]Grant, len(grants))
	copy(sorted, grants)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})

	winner := sorted[0]
	policy := DerivePolicy(winner.FeaturePlanVersion.FeatureType, winner.FeaturePlanVersion.UsageMode)

	var retained []Grant
	var limit *int64
	var effectiveAt time.Time
	var expiresAt *time.Time
	openEnded := false

	switch policy {
	case PolicySum:
		retained = sorted
		var sum int64
		effectiveAt = sorted[0].EffectiveAt
		anyExpiry := false
		for _, g := range sorted {
			if g.Limit != nil {
				sum += *g.Limit
			}
			if g.EffectiveAt.Before(effectiveAt) {
				effectiveAt = g.EffectiveAt
			}
			if g.ExpiresAt != nil {
				anyExpiry = true
				if expiresAt == nil || g.ExpiresAt.After(*expiresAt) {
					expiresAt = g.ExpiresAt
				}
			}
		}
		limit = &sum
		openEnded = !anyExpiry

	case PolicyMax:
		best := pickExtremum(sorted, true)
		retained = []Grant{best}
		limit = best.Limit
		effectiveAt = best.EffectiveAt
		expiresAt = best.ExpiresAt
		openEnded = best.ExpiresAt == nil

	case PolicyMin:
		best := pickExtremum(sorted, false)
		retained = []Grant{best}
		limit = best.Limit
		effectiveAt = best.EffectiveAt
		expiresAt = best.ExpiresAt
		openEnded = best.ExpiresAt == nil

	case PolicyReplace:
		retained = []Grant{winner}
		limit = winner.Limit
		effectiveAt = winner.EffectiveAt
		expiresAt = winner.ExpiresAt
		openEnded = winner.ExpiresAt == nil

	default:
		retained = []Grant{winner}
		limit = winner.Limit
		effectiveAt = winner.EffectiveAt
		expiresAt = winner.ExpiresAt
		openEnded = winner.ExpiresAt == nil
	}

	if openEnded {
		expiresAt = nil
	}

	retainedWinner := retained[0]
	for _, g := range retained {
		if g.ID == winner.ID {
			retainedWinner = g
			break
		}
	}

	overage := mergeOverageStrategy(policy, retained, retainedWinner)

	version, err := versionHash(retained)
	if err != nil {
		return Resolved{}, err
	}

	fpv := retainedWinner.FeaturePlanVersion

	return Resolved{
		FeatureSlug:       slug,
		FeatureType:       fpv.FeatureType,
		AggregationMethod: string(fpv.AggregationMethod),
		UsageMode:         fpv.UsageMode,
		MergingPolicy:     policy,
		OverageStrategy:   overage,
		Limit:             limit,
		EffectiveAt:       effectiveAt,
		ExpiresAt:         expiresAt,
		ResetConfig:       &fpv,
		Winner:            retainedWinner,
		Grants:            retained,
		Version:           version,
	}, nil
}

// pickExtremum returns the grant with the max (max=true) or min (max=false)
// non-nil Limit, ties broken by priority descending. Grants with a nil
// Limit (unlimited) are treated as the strongest possible value for max
// and the weakest for min.
func pickExtremum(sorted []Grant, max bool) Grant {
	best := sorted[0]
	bestSet := false

	for _, g := range sorted {
		if g.Limit == nil {
			if max {
				// Unlimited wins outright for max; highest priority unlimited grant wins.
				return g
			}
			continue // unlimited never wins min
		}
		if !bestSet || best.Limit == nil {
			best = g
			bestSet = true
			continue
		}
		if max && *g.Limit > *best.Limit {
			best = g
		} else if !max && *g.Limit < *best.Limit {
			best = g
		}
	}
	return best
}

// mergeOverageStrategy merges overage strategies across retained grants
// per spec §4.D.
func mergeOverageStrategy(policy MergingPolicy, retained []Grant, winner Grant) OverageStrategy {
	if policy == PolicyReplace {
		return winner.FeaturePlanVersion.Metadata.OverageStrategy
	}

	hasAlways, hasLastCall, hasNone := false, false, false
	for _, g := range retained {
		switch g.FeaturePlanVersion.Metadata.OverageStrategy {
		case OverageAlways:
			hasAlways = true
		case OverageLastCall:
			hasLastCall = true
		case OverageNone:
			hasNone = true
		}
	}

	if policy == PolicyMin {
		if hasNone {
			return OverageNone
		}
		if hasLastCall {
			return OverageLastCall
		}
		return OverageAlways
	}

	// sum or max
	if hasAlways {
		return OverageAlways
	}
	if hasLastCall {
		return OverageLastCall
	}
	return winner.FeaturePlanVersion.Metadata.OverageStrategy
}

// versionHash computes SHA-256 over the canonical JSON of the retained
// grants snapshot (id, type, name, effectiveAt, expiresAt, limit,
// priority, config), per spec §4.D. Any grant mutation changes the hash.
func versionHash(grants []Grant) (string, error) {
	snapshots := make([]snapshot, len(grants))
	for i, g := range grants {
		snapshots[i] = snapshot{
			ID:          g.ID.String(),
			Type:        g.Type,
			Name:        g.SubjectType,
			EffectiveAt: g.EffectiveAt,
			ExpiresAt:   g.ExpiresAt,
			Limit:       g.Limit,
			Priority:    g.Priority(),
			Config:      g.FeaturePlanVersion.Config,
		}
	}

	b, err := json.Marshal(snapshots)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
