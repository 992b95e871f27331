// Package grant implements the Grant store and the Grant Resolver: it
// composes layered grants (customer / project / plan / plan-version) into
// a single merged view of limit, effective range, and pricing
// configuration for one (customer, project, feature) tuple.
package grant

import (
	"time"

	"github.com/unprice/core/aggregation"
	"github.com/unprice/core/cycle"
	"github.com/unprice/core/id"
	"github.com/unprice/core/types"
)

// SubjectKind is the layer a Grant is issued against.
type SubjectKind string

const (
	SubjectCustomer    SubjectKind = "customer"
	SubjectProject     SubjectKind = "project"
	SubjectPlan        SubjectKind = "plan"
	SubjectPlanVersion SubjectKind = "plan_version"
)

// Type is the kind of entitlement grant. Priority is derived from Type
// and never stored independently, so there is no way for a grant to carry
// a priority inconsistent with its type.
type Type string

const (
	TypeSubscription Type = "subscription"
	TypeAddon        Type = "addon"
	TypeTrial        Type = "trial"
	TypePromotion    Type = "promotion"
	TypeManual       Type = "manual"
)

// Priority returns the grant type's fixed precedence. Higher wins.
func (t Type) Priority() int {
	switch t {
	case TypeSubscription:
		return 10
	case TypeAddon:
		return 20
	case TypeTrial:
		return 60
	case TypePromotion:
		return 70
	case TypeManual:
		return 80
	default:
		return 0
	}
}

// FeatureType is the pricing shape of a feature.
type FeatureType string

const (
	FeatureFlat    FeatureType = "flat"
	FeatureTier    FeatureType = "tier"
	FeaturePackage FeatureType = "package"
	FeatureUsage   FeatureType = "usage"
)

// UsageMode further qualifies FeatureUsage features.
type UsageMode string

const (
	UsageModeTier    UsageMode = "tier"
	UsageModeUnit    UsageMode = "unit"
	UsageModePackage UsageMode = "package"
)

// OverageStrategy governs what happens once usage crosses the limit.
type OverageStrategy string

const (
	OverageNone     OverageStrategy = "none"
	OverageLastCall OverageStrategy = "last-call"
	OverageAlways   OverageStrategy = "always"
)

// MergingPolicy is how multiple active grants for the same feature
// combine into one effective limit.
type MergingPolicy string

const (
	PolicySum     MergingPolicy = "sum"
	PolicyMax     MergingPolicy = "max"
	PolicyMin     MergingPolicy = "min"
	PolicyReplace MergingPolicy = "replace"
)

// PriceTier is one step of a graduated/volume pricing waterfall.
type PriceTier struct {
	UpTo       *int64      `json:"up_to,omitempty"` // nil means unbounded (last tier)
	UnitAmount types.Money `json:"unit_amount"`
	FlatAmount types.Money `json:"flat_amount"`
}

// PricePackage is a fixed bundle of units sold at a flat price (e.g.
// "1,000 requests for $5").
type PricePackage struct {
	Size   int64       `json:"size"`
	Amount types.Money `json:"amount"`
}

// PricingConfig is the pricing waterfall attached to a FeaturePlanVersion,
// interpreted according to FeatureType/UsageMode.
type PricingConfig struct {
	FlatUnitAmount types.Money    `json:"flat_unit_amount,omitzero"`
	Tiers          []PriceTier    `json:"tiers,omitempty"`
	Packages       []PricePackage `json:"packages,omitempty"`
}

// Metadata carries the non-limit behavioral flags of a FeaturePlanVersion.
type Metadata struct {
	OverageStrategy      OverageStrategy `json:"overage_strategy"`
	NotifyUsageThreshold float64         `json:"notify_usage_threshold"` // percent, e.g. 0.95
	BlockCustomer        bool            `json:"block_customer"`
	Hidden               bool            `json:"hidden"`
	Realtime             bool            `json:"realtime"`
}

// DefaultNotifyThreshold is used when Metadata.NotifyUsageThreshold is unset.
const DefaultNotifyThreshold = 0.95

// FeaturePlanVersion is the per-grant configuration embedded in a Grant:
// what the feature is, how usage aggregates, and how it bills/resets.
type FeaturePlanVersion struct {
	ID                id.FeatureID        `json:"id"`
	FeatureSlug       string              `json:"feature_slug"`
	FeatureType       FeatureType         `json:"feature_type"`
	AggregationMethod aggregation.Method  `json:"aggregation_method"`
	UsageMode         UsageMode           `json:"usage_mode,omitempty"`
	BillingConfig     cycle.Config        `json:"billing_config"`
	ResetConfig       *cycle.Config       `json:"reset_config,omitempty"`
	Metadata          Metadata            `json:"metadata"`
	Config            PricingConfig       `json:"config"`
}

// Grant is a unit of entitlement issued to a subject. Grants are
// append-only: removal is a soft delete, never a row delete.
type Grant struct {
	types.Entity
	ID                   id.GrantID          `json:"id"`
	SubjectType          string              `json:"subject_type"` // free-form label, e.g. tenant name
	SubjectKind          SubjectKind         `json:"subject_kind"`
	SubjectID            string              `json:"subject_id"`
	ProjectID            string              `json:"project_id"`
	FeaturePlanVersion   FeaturePlanVersion  `json:"feature_plan_version"`
	Type                 Type                `json:"type"`
	Limit                *int64              `json:"limit,omitempty"` // nil = unlimited
	Anchor               time.Time           `json:"anchor"`
	EffectiveAt          time.Time           `json:"effective_at"`
	ExpiresAt            *time.Time          `json:"expires_at,omitempty"` // nil = open-ended
	AutoRenew            bool                `json:"auto_renew"`
	Deleted              bool                `json:"deleted"`
	DeletedAt            *time.Time          `json:"deleted_at,omitempty"`
}

// Priority returns the grant's precedence, derived from its Type.
func (g Grant) Priority() int { return g.Type.Priority() }

// IsLive reports whether the grant is currently in effect at t.
func (g Grant) IsLive(t time.Time) bool {
	if g.Deleted {
		return false
	}
	if t.Before(g.EffectiveAt) {
		return false
	}
	if g.ExpiresAt != nil && !t.Before(*g.ExpiresAt) {
		return false
	}
	return true
}

// FeatureSlug is a convenience accessor used by callers that only need
// the slug and not the full embedded config.
func (g Grant) FeatureSlug() string { return g.FeaturePlanVersion.FeatureSlug }
