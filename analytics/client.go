// Package analytics implements the consumed Analytics interface (spec
// §6): the settled-usage source the Reconciler corrects drift against
// and the ingestion sink the durable entitlement storage flushes
// pending usage/verification batches into.
package analytics

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/unprice/core/aggregation"
	"github.com/unprice/core/entitlement"
	"github.com/unprice/core/reconcile"
)

// BillingUsageRequest is the input to GetBillingUsage (spec §6
// "getBillingUsage").
type BillingUsageRequest struct {
	CustomerID   string
	ProjectID    string
	FeatureSlugs []string
	Start        time.Time
	End          time.Time
}

// BillingUsageRow is one per-feature row of a billing-period usage report.
type BillingUsageRow struct {
	FeatureSlug      string
	Sum              decimal.Decimal
	Max              decimal.Decimal
	Count            int64
	LastDuringPeriod decimal.Decimal
}

// Client is the full Analytics surface the core consumes: the cursor
// lookup the Reconciler and Entitlement Service use to settle usage, the
// per-feature billing usage report (GetBillingUsage), and the ingestion endpoints
// the durable per-actor storage flushes its pending batches into.
//
// Client satisfies both reconcile.AnalyticsCursor and
// entitlement.AnalyticsSink structurally; callers needing only one of
// those narrower surfaces can pass a Client wherever they're expected.
type Client interface {
	FetchUsageCursor(ctx context.Context, req reconcile.CursorRequest) (reconcile.Cursor, error)
	GetBillingUsage(ctx context.Context, req BillingUsageRequest) ([]BillingUsageRow, error)
	IngestUsageRecords(ctx context.Context, records []entitlement.UsageRecord) error
	IngestVerifications(ctx context.Context, verifications []entitlement.Verification) error
}

var (
	_ reconcile.AnalyticsCursor = Client(nil)
	_ entitlement.AnalyticsSink = Client(nil)
)

// aggregate folds records according to behavior, matching the same
// sum/max/last dispatch the Usage Meter applies online (spec §4.A), so
// an analytics-settled cursor and a live meter never disagree on how a
// method accumulates.
func aggregate(behavior aggregation.Behavior, records []decimal.Decimal) decimal.Decimal {
	if len(records) == 0 {
		return decimal.Zero
	}
	switch behavior {
	case aggregation.BehaviorMax:
		max := records[0]
		for _, r := range records[1:] {
			if r.GreaterThan(max) {
				max = r
			}
		}
		return max
	case aggregation.BehaviorLast:
		return records[len(records)-1]
	default: // BehaviorSum, BehaviorNone
		total := decimal.Zero
		for _, r := range records {
			total = total.Add(r)
		}
		return total
	}
}
