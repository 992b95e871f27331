package plan

import (
	"time"

	"github.com/unprice/core/aggregation"
	"github.com/unprice/core/cycle"
	"github.com/unprice/core/grant"
	"github.com/unprice/core/id"
	"github.com/unprice/core/types"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDraft    Status = "draft"
)

type Plan struct {
	types.Entity
	ID          id.PlanID         `json:"id"`
	Name        string            `json:"name"`
	Slug        string            `json:"slug"`
	Description string            `json:"description"`
	Currency    string            `json:"currency"`
	Status      Status            `json:"status"`
	TrialDays   int               `json:"trial_days"`
	Features    []Feature         `json:"features"`
	Pricing     *Pricing          `json:"pricing,omitempty"`
	AppID       string            `json:"app_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type Feature struct {
	types.Entity
	ID        id.FeatureID      `json:"id"`
	Key       string            `json:"key"`
	Name      string            `json:"name"`
	Type      FeatureType       `json:"type"`
	Limit     int64             `json:"limit"`
	Period    Period            `json:"period"`
	SoftLimit bool              `json:"soft_limit"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type FeatureType string

const (
	FeatureMetered FeatureType = "metered"
	FeatureBoolean FeatureType = "boolean"
	FeatureSeat    FeatureType = "seat"
)

type Period string

const (
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
	PeriodNone    Period = "none"
)

type Pricing struct {
	types.Entity
	ID            id.PriceID  `json:"id"`
	PlanID        id.PlanID   `json:"plan_id"`
	BaseAmount    types.Money `json:"base_amount"`
	BillingPeriod Period      `json:"billing_period"`
	Tiers         []PriceTier `json:"tiers,omitempty"`
}

type TierType string

const (
	TierGraduated TierType = "graduated"
	TierVolume    TierType = "volume"
	TierFlat      TierType = "flat"
)

type PriceTier struct {
	FeatureKey string      `json:"feature_key"`
	Type       TierType    `json:"type"`
	UpTo       int64       `json:"up_to"`
	UnitAmount types.Money `json:"unit_amount"`
	FlatAmount types.Money `json:"flat_amount"`
	Priority   int         `json:"priority"`
}

func (p *Plan) FindFeature(key string) *Feature {
	for i := range p.Features {
		if p.Features[i].Key == key {
			return &p.Features[i]
		}
	}
	return nil
}

func (p *Plan) Allows(featureKey string, currentUsage int64) bool {
	f := p.FindFeature(featureKey)
	if f == nil {
		return false
	}
	if f.Type == FeatureBoolean {
		return f.Limit > 0
	}
	if f.Limit == -1 {
		return true
	}
	if currentUsage < f.Limit {
		return true
	}
	return f.SoftLimit
}

// grantFeatureType maps a Feature's pricing shape onto the grant package's
// FeatureType. Boolean and seat features carry a flat entitlement; metered
// features accumulate usage against a limit.
func (ft FeatureType) grantFeatureType() grant.FeatureType {
	if ft == FeatureMetered {
		return grant.FeatureUsage
	}
	return grant.FeatureFlat
}

func (pd Period) billingConfig(anchor time.Time) cycle.Config {
	switch pd {
	case PeriodMonthly:
		return cycle.Config{Name: string(pd), Interval: cycle.IntervalMonth, IntervalCount: 1, PlanType: cycle.PlanTypeRecurring, Anchor: anchor}
	case PeriodYearly:
		return cycle.Config{Name: string(pd), Interval: cycle.IntervalYear, IntervalCount: 1, PlanType: cycle.PlanTypeRecurring, Anchor: anchor}
	default:
		return cycle.Config{Name: string(pd), PlanType: cycle.PlanTypeOnetime, Anchor: anchor}
	}
}

// ToFeaturePlanVersion compiles one plan Feature into the grant package's
// FeaturePlanVersion, the shape the Grant Resolver merges across layers.
// anchor is the instant billing cycles for this plan are aligned to,
// typically the subscription's CurrentPeriodStart.
func (f *Feature) ToFeaturePlanVersion(anchor time.Time) grant.FeaturePlanVersion {
	fpv := grant.FeaturePlanVersion{
		ID:                f.ID,
		FeatureSlug:       f.Key,
		FeatureType:       f.Type.grantFeatureType(),
		AggregationMethod: aggregation.MethodSum,
		BillingConfig:     f.Period.billingConfig(anchor),
		Metadata: grant.Metadata{
			NotifyUsageThreshold: grant.DefaultNotifyThreshold,
		},
	}
	if f.Type == FeatureSeat {
		fpv.FeatureType = grant.FeatureFlat
	}
	return fpv
}

// ToFeaturePlanVersions compiles every Feature on the plan into its
// grant.FeaturePlanVersion form, anchored at anchor.
func (p *Plan) ToFeaturePlanVersions(anchor time.Time) []grant.FeaturePlanVersion {
	out := make([]grant.FeaturePlanVersion, len(p.Features))
	for i := range p.Features {
		out[i] = p.Features[i].ToFeaturePlanVersion(anchor)
	}
	return out
}
