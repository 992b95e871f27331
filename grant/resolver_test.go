package grant

import (
	"testing"
	"time"

	"github.com/unprice/core/aggregation"
	"github.com/unprice/core/id"
)

func ptr[T any](v T) *T { return &v }

func usageGrant(t *testing.T, priority Type, limit int64, featureSlug string) Grant {
	t.Helper()
	return Grant{
		ID:          id.NewGrantID(),
		ProjectID:   "proj_1",
		SubjectKind: SubjectCustomer,
		SubjectID:   "cust_1",
		Type:        priority,
		Limit:       &limit,
		EffectiveAt: time.Unix(0, 0).UTC(),
		FeaturePlanVersion: FeaturePlanVersion{
			FeatureSlug:       featureSlug,
			FeatureType:       FeatureUsage,
			AggregationMethod: aggregation.MethodSum,
			Metadata:          Metadata{OverageStrategy: OverageLastCall},
		},
	}
}

func TestResolveSumPolicy(t *testing.T) {
	a := usageGrant(t, TypeSubscription, 1000, "api_calls")
	b := usageGrant(t, TypePromotion, 500, "api_calls")

	resolved, err := Resolve([]Grant{a, b})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.MergingPolicy != PolicySum {
		t.Fatalf("expected sum policy, got %s", resolved.MergingPolicy)
	}
	if resolved.Limit == nil || *resolved.Limit != 1500 {
		t.Fatalf("expected limit=1500, got %v", resolved.Limit)
	}
	if resolved.Winner.ID != b.ID {
		t.Fatalf("expected promotion grant (priority 70) to win pricing, got %s", resolved.Winner.ID)
	}
	if len(resolved.Grants) != 2 {
		t.Fatalf("expected both grants retained, got %d", len(resolved.Grants))
	}
}

func TestResolveSumPolicyMixedExpiry(t *testing.T) {
	a := usageGrant(t, TypeSubscription, 1000, "api_calls")
	a.ExpiresAt = nil // open-ended

	b := usageGrant(t, TypePromotion, 500, "api_calls")
	expires := time.Unix(0, 0).UTC().AddDate(0, 1, 0)
	b.ExpiresAt = &expires

	resolved, err := Resolve([]Grant{a, b})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.MergingPolicy != PolicySum {
		t.Fatalf("expected sum policy, got %s", resolved.MergingPolicy)
	}
	if resolved.ExpiresAt == nil {
		t.Fatal("expected expiresAt to take the one real expiry present, got nil")
	}
	if !resolved.ExpiresAt.Equal(expires) {
		t.Fatalf("expected expiresAt=%s, got %s", expires, resolved.ExpiresAt)
	}
}

func TestResolveSumPolicyAllOpenEnded(t *testing.T) {
	a := usageGrant(t, TypeSubscription, 1000, "api_calls")
	b := usageGrant(t, TypePromotion, 500, "api_calls")

	resolved, err := Resolve([]Grant{a, b})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.ExpiresAt != nil {
		t.Fatalf("expected expiresAt=nil when no grant sets one, got %s", resolved.ExpiresAt)
	}
}

func TestResolveMaxPolicyTier(t *testing.T) {
	a := Grant{
		ID: id.NewGrantID(), ProjectID: "proj_1", SubjectKind: SubjectCustomer, SubjectID: "cust_1",
		Type: TypeSubscription, Limit: ptr(int64(10)), EffectiveAt: time.Unix(0, 0).UTC(),
		FeaturePlanVersion: FeaturePlanVersion{FeatureSlug: "seats", FeatureType: FeatureTier},
	}
	b := Grant{
		ID: id.NewGrantID(), ProjectID: "proj_1", SubjectKind: SubjectCustomer, SubjectID: "cust_1",
		Type: TypeAddon, Limit: ptr(int64(50)), EffectiveAt: time.Unix(0, 0).UTC(),
		FeaturePlanVersion: FeaturePlanVersion{FeatureSlug: "seats", FeatureType: FeatureTier},
	}

	resolved, err := Resolve([]Grant{a, b})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.MergingPolicy != PolicyMax {
		t.Fatalf("expected max policy, got %s", resolved.MergingPolicy)
	}
	if resolved.Limit == nil || *resolved.Limit != 50 {
		t.Fatalf("expected limit=50, got %v", resolved.Limit)
	}
	if len(resolved.Grants) != 1 || resolved.Grants[0].ID != b.ID {
		t.Fatalf("expected only the 50-limit grant retained")
	}
}

func TestResolveEmptyGrants(t *testing.T) {
	if _, err := Resolve(nil); err != ErrNoGrants {
		t.Fatalf("expected ErrNoGrants, got %v", err)
	}
}

func TestResolveFeatureMismatch(t *testing.T) {
	a := usageGrant(t, TypeSubscription, 10, "api_calls")
	b := usageGrant(t, TypeSubscription, 10, "seats")

	if _, err := Resolve([]Grant{a, b}); err != ErrFeatureMismatch {
		t.Fatalf("expected ErrFeatureMismatch, got %v", err)
	}
}

func TestResolveIsFixedPoint(t *testing.T) {
	a := usageGrant(t, TypeSubscription, 1000, "api_calls")
	b := usageGrant(t, TypePromotion, 500, "api_calls")

	first, err := Resolve([]Grant{a, b})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := Resolve(first.Grants)
	if err != nil {
		t.Fatalf("Resolve(Resolve(...).Grants): %v", err)
	}
	if first.Version != second.Version || *first.Limit != *second.Limit {
		t.Fatal("resolver is not a fixed point over its own retained grants")
	}
}

func TestResolveOverageAlwaysWins(t *testing.T) {
	a := usageGrant(t, TypeSubscription, 1000, "api_calls")
	a.FeaturePlanVersion.Metadata.OverageStrategy = OverageNone
	b := usageGrant(t, TypePromotion, 500, "api_calls")
	b.FeaturePlanVersion.Metadata.OverageStrategy = OverageAlways

	resolved, err := Resolve([]Grant{a, b})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.OverageStrategy != OverageAlways {
		t.Fatalf("expected overage=always to dominate under sum policy, got %s", resolved.OverageStrategy)
	}
}

func TestVersionChangesOnGrantMutation(t *testing.T) {
	a := usageGrant(t, TypeSubscription, 1000, "api_calls")
	resolvedBefore, err := Resolve([]Grant{a})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	a.Limit = ptr(int64(2000))
	resolvedAfter, err := Resolve([]Grant{a})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if resolvedBefore.Version == resolvedAfter.Version {
		t.Fatal("expected version hash to change after grant mutation")
	}
}
