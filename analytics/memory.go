package analytics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/unprice/core/aggregation"
	"github.com/unprice/core/entitlement"
	"github.com/unprice/core/id"
	"github.com/unprice/core/reconcile"
)

// MemoryClient is an in-process reference Client, the analytics
// equivalent of entitlement.MemoryStorage: used by tests and by
// single-process deployments that have no external analytics store.
type MemoryClient struct {
	mu            sync.Mutex
	usage         []entitlement.UsageRecord
	verifications []entitlement.Verification
}

// NewMemoryClient returns an empty in-process Client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{}
}

var _ Client = (*MemoryClient)(nil)

func (c *MemoryClient) IngestUsageRecords(_ context.Context, records []entitlement.UsageRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage = append(c.usage, records...)
	return nil
}

func (c *MemoryClient) IngestVerifications(_ context.Context, verifications []entitlement.Verification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifications = append(c.verifications, verifications...)
	return nil
}

// FetchUsageCursor folds every ingested usage record for
// (customerId, projectId, featureSlug) whose id falls in
// (afterRecordId, beforeRecordId], applying the feature's aggregation
// behavior, matching getFeaturesUsageCursor (spec §6).
func (c *MemoryClient) FetchUsageCursor(_ context.Context, req reconcile.CursorRequest) (reconcile.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg, ok := aggregation.Lookup(req.AggregationMeth)
	if !ok {
		cfg = aggregation.Config{Behavior: aggregation.BehaviorSum}
	}

	var deltas []decimal.Decimal
	var lastID id.ID
	for _, r := range c.usage {
		if r.CustomerID != req.CustomerID || r.ProjectID != req.ProjectID || r.FeatureSlug != req.FeatureSlug || r.Deleted {
			continue
		}
		if !req.AfterRecordID.IsNil() && r.ID.Compare(req.AfterRecordID) <= 0 {
			continue
		}
		if !req.BeforeRecordID.IsNil() && r.ID.Compare(req.BeforeRecordID) > 0 {
			continue
		}
		deltas = append(deltas, r.Usage)
		if lastID.IsNil() || r.ID.Compare(lastID) > 0 {
			lastID = r.ID
		}
	}

	if lastID.IsNil() {
		lastID = req.BeforeRecordID
	}
	return reconcile.Cursor{
		FeatureSlug:  req.FeatureSlug,
		Usage:        aggregate(cfg.Behavior, deltas),
		LastRecordID: lastID,
	}, nil
}

// GetBillingUsage reports sum/max/count/last-during-period across
// [Start, End) for every requested feature slug (spec §6
// "getBillingUsage").
func (c *MemoryClient) GetBillingUsage(_ context.Context, req BillingUsageRequest) ([]BillingUsageRow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := make(map[string]bool, len(req.FeatureSlugs))
	for _, s := range req.FeatureSlugs {
		want[s] = true
	}

	byFeature := make(map[string][]entitlement.UsageRecord)
	for _, r := range c.usage {
		if r.CustomerID != req.CustomerID || r.ProjectID != req.ProjectID || r.Deleted {
			continue
		}
		if len(want) > 0 && !want[r.FeatureSlug] {
			continue
		}
		if r.Timestamp.Before(req.Start) || !r.Timestamp.Before(req.End) {
			continue
		}
		byFeature[r.FeatureSlug] = append(byFeature[r.FeatureSlug], r)
	}

	slugs := make([]string, 0, len(byFeature))
	for slug := range byFeature {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	rows := make([]BillingUsageRow, 0, len(slugs))
	for _, slug := range slugs {
		recs := byFeature[slug]
		sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })

		var sum, maxVal decimal.Decimal
		for i, r := range recs {
			sum = sum.Add(r.Usage)
			if i == 0 || r.Usage.GreaterThan(maxVal) {
				maxVal = r.Usage
			}
		}
		var last decimal.Decimal
		if len(recs) > 0 {
			last = recs[len(recs)-1].Usage
		}
		rows = append(rows, BillingUsageRow{
			FeatureSlug:      slug,
			Sum:              sum,
			Max:              maxVal,
			Count:            int64(len(recs)),
			LastDuringPeriod: last,
		})
	}
	return rows, nil
}

// pruneOlderThan is a test/maintenance helper that drops ingested records
// older than cutoff, keeping long-running in-process deployments from
// growing the buffer unbounded.
func (c *MemoryClient) pruneOlderThan(cutoff time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.usage[:0]
	for _, r := range c.usage {
		if !r.Timestamp.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	c.usage = kept
}
