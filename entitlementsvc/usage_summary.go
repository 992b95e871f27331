package entitlementsvc

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/unprice/core/cache"
	"github.com/unprice/core/entitlement"
	"github.com/unprice/core/grant"
	"github.com/unprice/core/types"
)

// bulkCacheKey is the "proj:cust" key shape spec §4.H uses for every
// customer-wide (as opposed to per-feature) cache namespace.
func bulkCacheKey(customerID, projectID string) string {
	return projectID + ":" + customerID
}

// FeatureUsage is the per-feature line in a CurrentUsage summary.
type FeatureUsage struct {
	FeatureSlug string
	FeatureType grant.FeatureType
	Usage       decimal.Decimal
	Limit       *int64
	Cost        types.Money
	Hot         bool // true when served from a live (actor-held) meter
}

// CurrentUsage is the result of GetCurrentUsage: a per-feature usage
// breakdown plus the aggregate price it implies (spec §4.I
// "getCurrentUsage").
type CurrentUsage struct {
	CustomerID string
	ProjectID  string
	Features   []FeatureUsage
	Total      types.Money
}

// GetCurrentUsage assembles a usage/price summary across every feature the
// customer currently has active grants for, combining the live meter for
// features with a durable record (hot) with an analytics-derived estimate
// for features that have never been verified/reported against (idle). The
// result is served through the getCurrentUsage cache namespace (spec
// §4.H) with stale-while-revalidate semantics, so a genuinely empty usage
// summary is returned straight from cache instead of recomputing on every
// call.
func (s *Service) GetCurrentUsage(ctx context.Context, customerID, projectID string, now time.Time) (CurrentUsage, error) {
	if s.cache == nil {
		return s.computeCurrentUsage(ctx, customerID, projectID, now)
	}

	var out CurrentUsage
	_, err := s.cache.SWR(ctx, cache.NamespaceCurrentUsage, bulkCacheKey(customerID, projectID), &out, func(ctx context.Context) (any, error) {
		return s.computeCurrentUsage(ctx, customerID, projectID, now)
	})
	if err != nil {
		return CurrentUsage{}, err
	}
	return out, nil
}

func (s *Service) computeCurrentUsage(ctx context.Context, customerID, projectID string, now time.Time) (CurrentUsage, error) {
	grouped, err := s.groupActiveGrantsBySlug(ctx, customerID, projectID, now)
	if err != nil {
		return CurrentUsage{}, err
	}

	out := CurrentUsage{CustomerID: customerID, ProjectID: projectID}
	var totalCents int64
	var currency string

	for slug, grants := range grouped {
		resolved, err := grant.Resolve(grants)
		if err != nil {
			continue
		}
		e := entitlement.FromResolved(resolved, projectID, customerID, now, s.revalidateAfter)
		key := entitlement.Key{CustomerID: customerID, ProjectID: projectID, FeatureSlug: slug}

		var usage decimal.Decimal
		hot := true
		if state, err := s.storage.Get(ctx, key); err == nil {
			usage = state.Meter.Usage
		} else {
			hot = false
			meterState, err := s.initializeUsageMeter(ctx, e, now)
			if err != nil {
				return CurrentUsage{}, err
			}
			usage = meterState.Usage
		}

		cost := costFor(e, usage)
		if cost.Currency != "" {
			currency = cost.Currency
		}
		out.Features = append(out.Features, FeatureUsage{
			FeatureSlug: slug,
			FeatureType: e.FeatureType,
			Usage:       usage,
			Limit:       e.Limit,
			Cost:        cost,
			Hot:         hot,
		})
		totalCents += cost.Amount
	}

	out.Total = types.Money{Amount: totalCents, Currency: currency}
	return out, nil
}

// GetActiveEntitlements returns the computed Entitlement for every feature
// the customer currently has active grants for (spec §4.I
// "getActiveEntitlements"), served through the customerEntitlements bulk
// cache namespace so a real empty result (no active grants at all) is
// distinguishable from a cache miss: a cached empty slice is returned
// as-is, while only an actual miss or stale entry invokes the loader.
func (s *Service) GetActiveEntitlements(ctx context.Context, customerID, projectID string, now time.Time) ([]entitlement.Entitlement, error) {
	if s.cache == nil {
		return s.computeActiveEntitlements(ctx, customerID, projectID, now)
	}

	var out []entitlement.Entitlement
	_, err := s.cache.SWR(ctx, cache.NamespaceCustomerEntitlements, bulkCacheKey(customerID, projectID), &out, func(ctx context.Context) (any, error) {
		return s.computeActiveEntitlements(ctx, customerID, projectID, now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) computeActiveEntitlements(ctx context.Context, customerID, projectID string, now time.Time) ([]entitlement.Entitlement, error) {
	grouped, err := s.groupActiveGrantsBySlug(ctx, customerID, projectID, now)
	if err != nil {
		return nil, err
	}

	out := make([]entitlement.Entitlement, 0, len(grouped))
	for _, grants := range grouped {
		resolved, err := grant.Resolve(grants)
		if err != nil {
			continue
		}
		out = append(out, entitlement.FromResolved(resolved, projectID, customerID, now, s.revalidateAfter))
	}
	return out, nil
}

// ResetEntitlements clears all persisted state and cached entries for
// every feature the customer currently has, and lifts any ACL block,
// used after a plan change or a manual support reset (spec §4.I
// "resetEntitlements").
func (s *Service) ResetEntitlements(ctx context.Context, customerID, projectID string, now time.Time) error {
	grouped, err := s.groupActiveGrantsBySlug(ctx, customerID, projectID, now)
	if err != nil {
		return err
	}

	for slug := range grouped {
		key := entitlement.Key{CustomerID: customerID, ProjectID: projectID, FeatureSlug: slug}
		if err := s.storage.Reset(ctx, key); err != nil {
			return err
		}
		if s.cache != nil {
			_ = s.cache.RemoveAllNamespaces(ctx, key.String())
		}
	}

	if s.cache != nil {
		bulkKey := bulkCacheKey(customerID, projectID)
		_ = s.cache.Remove(ctx, cache.NamespaceCustomerEntitlements, bulkKey)
		_ = s.cache.Remove(ctx, cache.NamespaceCurrentUsage, bulkKey)
		_ = s.cache.Remove(ctx, cache.NamespaceAccessControlList, bulkKey)
	}

	s.updateACL(ctx, customerID, projectID, ACLPatch{UsageLimitReached: boolPtr(false)})
	return nil
}

func (s *Service) groupActiveGrantsBySlug(ctx context.Context, customerID, projectID string, now time.Time) (map[string][]grant.Grant, error) {
	subjects := []grant.Subject{{Kind: grant.SubjectCustomer, ID: customerID}}
	grants, err := s.grants.ListActiveForSubjects(ctx, projectID, subjects, grant.TimeRange{At: now})
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]grant.Grant)
	for _, g := range grants {
		grouped[g.FeatureSlug()] = append(grouped[g.FeatureSlug()], g)
	}
	return grouped, nil
}
