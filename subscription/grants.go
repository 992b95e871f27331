package subscription

import (
	"time"

	"github.com/unprice/core/grant"
	"github.com/unprice/core/id"
	"github.com/unprice/core/plan"
)

// GrantsForPlan compiles the Grant set a newly created (or renewed)
// subscription issues: one subscription-type grant per feature on p,
// anchored at the subscription's current period start and expiring at
// CancelAt/EndedAt if the subscription is already scheduled to end.
//
// AppID is treated as the grant's ProjectID and TenantID as its
// SubjectID, matching how the rest of the core scopes grants per
// (customer, project) pair.
func (s *Subscription) GrantsForPlan(p *plan.Plan) []grant.Grant {
	fpvs := p.ToFeaturePlanVersions(s.CurrentPeriodStart)
	grants := make([]grant.Grant, len(fpvs))
	for i, fpv := range fpvs {
		limit := limitFor(p, fpv.FeatureSlug)
		grants[i] = grant.Grant{
			ID:                 id.NewGrantID(),
			SubjectType:        s.TenantID,
			SubjectKind:        grant.SubjectCustomer,
			SubjectID:          s.TenantID,
			ProjectID:          s.AppID,
			FeaturePlanVersion: fpv,
			Type:               grant.TypeSubscription,
			Limit:              limit,
			Anchor:             s.CurrentPeriodStart,
			EffectiveAt:        s.CurrentPeriodStart,
			ExpiresAt:          s.ExpiresAt(),
			AutoRenew:          s.Status == StatusActive || s.Status == StatusTrialing,
		}
	}
	return grants
}

// ExpiresAt reports when the subscription's issued grants stop being
// live, derived from whichever of CancelAt/EndedAt is already set.
func (s *Subscription) ExpiresAt() *time.Time {
	if s.EndedAt != nil {
		return s.EndedAt
	}
	return s.CancelAt
}

func limitFor(p *plan.Plan, featureKey string) *int64 {
	f := p.FindFeature(featureKey)
	if f == nil || f.Limit == -1 {
		return nil
	}
	limit := f.Limit
	return &limit
}
