package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/unprice/core/aggregation"
	"github.com/unprice/core/entitlement"
	"github.com/unprice/core/id"
	"github.com/unprice/core/reconcile"
)

func seedUsage(t *testing.T, c *MemoryClient, featureSlug string, usages []decimal.Decimal, start time.Time) []id.ID {
	t.Helper()
	ids := make([]id.ID, len(usages))
	for i, u := range usages {
		ts := start.Add(time.Duration(i) * time.Minute)
		rec := entitlement.UsageRecord{
			ID:          id.NewAt(id.PrefixUsageRecord, ts),
			CustomerID:  "cust_1",
			ProjectID:   "proj_1",
			FeatureSlug: featureSlug,
			Usage:       u,
			Timestamp:   ts,
		}
		ids[i] = rec.ID
		if err := c.IngestUsageRecords(context.Background(), []entitlement.UsageRecord{rec}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	return ids
}

func TestMemoryClientFetchUsageCursorSums(t *testing.T) {
	c := NewMemoryClient()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedUsage(t, c, "api-calls", []decimal.Decimal{decimal.NewFromInt(3), decimal.NewFromInt(4)}, start)

	cur, err := c.FetchUsageCursor(context.Background(), reconcile.CursorRequest{
		CustomerID:      "cust_1",
		ProjectID:       "proj_1",
		FeatureSlug:     "api-calls",
		AggregationMeth: aggregation.MethodSum,
	})
	if err != nil {
		t.Fatalf("fetchUsageCursor: %v", err)
	}
	if !cur.Usage.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected summed usage of 7, got %s", cur.Usage)
	}
}

func TestMemoryClientFetchUsageCursorRespectsAfterRecordID(t *testing.T) {
	c := NewMemoryClient()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ids := seedUsage(t, c, "api-calls", []decimal.Decimal{decimal.NewFromInt(3), decimal.NewFromInt(4), decimal.NewFromInt(5)}, start)

	cur, err := c.FetchUsageCursor(context.Background(), reconcile.CursorRequest{
		CustomerID:      "cust_1",
		ProjectID:       "proj_1",
		FeatureSlug:     "api-calls",
		AggregationMeth: aggregation.MethodSum,
		AfterRecordID:   ids[0],
	})
	if err != nil {
		t.Fatalf("fetchUsageCursor: %v", err)
	}
	if !cur.Usage.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("expected usage after first record of 9, got %s", cur.Usage)
	}
	if cur.LastRecordID.Compare(ids[2]) != 0 {
		t.Fatalf("expected last record id to be the most recent ingested id")
	}
}

func TestMemoryClientFetchUsageCursorMaxBehavior(t *testing.T) {
	c := NewMemoryClient()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedUsage(t, c, "concurrent-seats", []decimal.Decimal{decimal.NewFromInt(2), decimal.NewFromInt(9), decimal.NewFromInt(5)}, start)

	cur, err := c.FetchUsageCursor(context.Background(), reconcile.CursorRequest{
		CustomerID:      "cust_1",
		ProjectID:       "proj_1",
		FeatureSlug:     "concurrent-seats",
		AggregationMeth: aggregation.MethodMax,
	})
	if err != nil {
		t.Fatalf("fetchUsageCursor: %v", err)
	}
	if !cur.Usage.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("expected max usage of 9, got %s", cur.Usage)
	}
}

func TestMemoryClientGetBillingUsageGroupsByFeature(t *testing.T) {
	c := NewMemoryClient()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedUsage(t, c, "api-calls", []decimal.Decimal{decimal.NewFromInt(1), decimal.NewFromInt(2)}, start)
	seedUsage(t, c, "storage-gb", []decimal.Decimal{decimal.NewFromInt(10)}, start)

	rows, err := c.GetBillingUsage(context.Background(), BillingUsageRequest{
		CustomerID: "cust_1",
		ProjectID:  "proj_1",
		Start:      start.Add(-time.Hour),
		End:        start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("getBillingUsage: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 feature rows, got %d", len(rows))
	}
	if rows[0].FeatureSlug != "api-calls" || !rows[0].Sum.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("unexpected api-calls row: %+v", rows[0])
	}
	if rows[1].FeatureSlug != "storage-gb" || rows[1].Count != 1 {
		t.Fatalf("unexpected storage-gb row: %+v", rows[1])
	}
}

func TestMemoryClientGetBillingUsageFiltersBySlugAndWindow(t *testing.T) {
	c := NewMemoryClient()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedUsage(t, c, "api-calls", []decimal.Decimal{decimal.NewFromInt(1)}, start)
	seedUsage(t, c, "storage-gb", []decimal.Decimal{decimal.NewFromInt(10)}, start)

	rows, err := c.GetBillingUsage(context.Background(), BillingUsageRequest{
		CustomerID:   "cust_1",
		ProjectID:    "proj_1",
		FeatureSlugs: []string{"api-calls"},
		Start:        start.Add(-time.Hour),
		End:          start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("getBillingUsage: %v", err)
	}
	if len(rows) != 1 || rows[0].FeatureSlug != "api-calls" {
		t.Fatalf("expected only api-calls row, got %+v", rows)
	}
}

func TestMemoryClientIngestVerificationsIsRetained(t *testing.T) {
	c := NewMemoryClient()
	v := entitlement.Verification{
		CustomerID:  "cust_1",
		ProjectID:   "proj_1",
		FeatureSlug: "api-calls",
		Timestamp:   time.Now(),
		Allowed:     true,
	}
	if err := c.IngestVerifications(context.Background(), []entitlement.Verification{v}); err != nil {
		t.Fatalf("ingestVerifications: %v", err)
	}
	if len(c.verifications) != 1 {
		t.Fatalf("expected 1 retained verification, got %d", len(c.verifications))
	}
}
