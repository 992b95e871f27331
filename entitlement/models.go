// Package entitlement implements the computed Entitlement model and the
// durable per-actor Entitlement Storage (spec component F): the record
// that merges a feature's config, its live usage meter, idempotency
// bookkeeping, and the append-only usage/verification log.
package entitlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/unprice/core/aggregation"
	"github.com/unprice/core/cycle"
	"github.com/unprice/core/grant"
	"github.com/unprice/core/id"
	"github.com/unprice/core/meter"
)

// GrantSnapshot is the reduced, immutable view of one retained grant
// embedded in an Entitlement (spec §3: "grants (immutable snapshot of
// winning grants, each with {id,type,name,effectiveAt,expiresAt,limit,
// priority,config})").
type GrantSnapshot struct {
	ID          id.GrantID          `json:"id"`
	Type        grant.Type          `json:"type"`
	Name        string              `json:"name"`
	EffectiveAt time.Time           `json:"effective_at"`
	ExpiresAt   *time.Time          `json:"expires_at,omitempty"`
	Limit       *int64              `json:"limit,omitempty"`
	Priority    int                 `json:"priority"`
	Config      grant.PricingConfig `json:"config"`
}

// Entitlement is the computed, per-(customer, project, featureSlug) merged
// view of active grants (spec §3).
type Entitlement struct {
	ID                id.EntitlementID
	ProjectID         string
	CustomerID        string
	FeatureSlug       string
	FeatureType       grant.FeatureType
	Limit             *int64
	AggregationMethod aggregation.Method
	BillingConfig     cycle.Config
	ResetConfig       *cycle.Config
	MergingPolicy     grant.MergingPolicy
	OverageStrategy   grant.OverageStrategy
	NotifyThreshold   float64
	BlockCustomer     bool
	Grants            []GrantSnapshot
	Version           string
	EffectiveAt       time.Time
	ExpiresAt         *time.Time
	NextRevalidateAt  time.Time
	ComputedAt        time.Time
	UpdatedAt         time.Time
	Metadata          map[string]string
}

// FromResolved builds an Entitlement from a grant.Resolved result. now is
// used to stamp ComputedAt/UpdatedAt; revalidateAfter sets how far in the
// future NextRevalidateAt is scheduled.
func FromResolved(resolved grant.Resolved, projectID, customerID string, now time.Time, revalidateAfter time.Duration) Entitlement {
	snapshots := make([]GrantSnapshot, len(resolved.Grants))
	for i, g := range resolved.Grants {
		snapshots[i] = GrantSnapshot{
			ID:          g.ID,
			Type:        g.Type,
			Name:        g.SubjectType,
			EffectiveAt: g.EffectiveAt,
			ExpiresAt:   g.ExpiresAt,
			Limit:       g.Limit,
			Priority:    g.Priority(),
			Config:      g.FeaturePlanVersion.Config,
		}
	}

	var resetCfg *cycle.Config
	var billingConfig cycle.Config
	notifyThreshold := grant.DefaultNotifyThreshold
	if resolved.ResetConfig != nil {
		resetCfg = resolved.ResetConfig.ResetConfig
		billingConfig = resolved.ResetConfig.BillingConfig
		if resolved.ResetConfig.Metadata.NotifyUsageThreshold > 0 {
			notifyThreshold = resolved.ResetConfig.Metadata.NotifyUsageThreshold
		}
	}
	blockCustomer := resolved.ResetConfig != nil && resolved.ResetConfig.Metadata.BlockCustomer

	return Entitlement{
		ID:                id.New(id.PrefixEntitlement),
		ProjectID:         projectID,
		CustomerID:        customerID,
		FeatureSlug:       resolved.FeatureSlug,
		FeatureType:       resolved.FeatureType,
		Limit:             resolved.Limit,
		AggregationMethod: aggregation.Method(resolved.AggregationMethod),
		BillingConfig:     billingConfig,
		ResetConfig:       resetCfg,
		MergingPolicy:     resolved.MergingPolicy,
		OverageStrategy:   resolved.OverageStrategy,
		NotifyThreshold:   notifyThreshold,
		BlockCustomer:     blockCustomer,
		Grants:            snapshots,
		Version:           resolved.Version,
		EffectiveAt:       resolved.EffectiveAt,
		ExpiresAt:         resolved.ExpiresAt,
		NextRevalidateAt:  now.Add(revalidateAfter),
		ComputedAt:        now,
		UpdatedAt:         now,
	}
}

// HasActiveGrant reports whether the entitlement still has at least one
// retained grant snapshot.
func (e Entitlement) HasActiveGrant() bool { return len(e.Grants) > 0 }

// IsExpired reports whether now is at or past ExpiresAt.
func (e Entitlement) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// NeedsRevalidation reports whether now has reached NextRevalidateAt.
func (e Entitlement) NeedsRevalidation(now time.Time) bool {
	return !now.Before(e.NextRevalidateAt)
}

// Key identifies one per-(customer,project,feature) entitlement record.
type Key struct {
	CustomerID  string
	ProjectID   string
	FeatureSlug string
}

// String renders the key in the "proj:cust:feat" form used by the cache
// layer's namespaces (spec §4.H).
func (k Key) String() string {
	return k.ProjectID + ":" + k.CustomerID + ":" + k.FeatureSlug
}

// State is the live EntitlementState held by the actor: the computed
// Entitlement plus its runtime MeterState (spec §3:
// "EntitlementState = Entitlement ⊕ MeterState").
type State struct {
	Entitlement Entitlement
	Meter       meter.MeterState
}

// UsageRecord is an append-only record of one reported usage delta.
type UsageRecord struct {
	ID             id.UsageRecordID
	CustomerID     string
	ProjectID      string
	FeatureSlug    string
	Usage          decimal.Decimal // signed delta
	Timestamp      time.Time
	IdempotenceKey string
	RequestID      string
	CreatedAt      time.Time
	Metadata       UsageRecordMetadata
	Deleted        bool
}

// UsageRecordMetadata is the structured metadata attached to a UsageRecord.
type UsageRecordMetadata struct {
	Cost         decimal.Decimal `json:"cost,omitempty"`
	Rate         decimal.Decimal `json:"rate,omitempty"`
	RateAmount   decimal.Decimal `json:"rate_amount,omitempty"`
	RateCurrency string          `json:"rate_currency,omitempty"`
}

// Verification is an append-only record of one verify/consume decision.
type Verification struct {
	CustomerID   string
	ProjectID    string
	FeatureSlug  string
	Timestamp    time.Time
	Allowed      bool
	DeniedReason meter.DeniedReason
	Metadata     VerificationMetadata
	Latency      time.Duration
	RequestID    string
	CreatedAt    time.Time
}

// VerificationMetadata is the structured metadata attached to a Verification.
type VerificationMetadata struct {
	Usage     decimal.Decimal `json:"usage"`
	Remaining decimal.Decimal `json:"remaining,omitempty"`
}
