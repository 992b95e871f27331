// Package meter implements the Usage Meter (spec component E): an
// in-memory counter built from an EntitlementState that answers verify
// and consume, and that can be serialized back to a MeterState for
// persistence. Nothing in this package performs I/O; it is pure
// arithmetic over whatever state the caller hands it.
package meter

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/unprice/core/id"
)

// MeterState is the per-entitlement runtime counter, persisted between
// requests by the entitlement storage (spec component F).
type MeterState struct {
	Usage            decimal.Decimal `json:"usage"`
	SnapshotUsage    decimal.Decimal `json:"snapshot_usage"`
	LastReconciledID id.ID           `json:"last_reconciled_id"`
	LastUpdated      time.Time       `json:"last_updated"`
	LastCycleStart   *time.Time      `json:"last_cycle_start,omitempty"`
}

// DeniedReason is the stable, client-visible reason a verify/consume call
// was denied.
type DeniedReason string

const (
	DeniedNone               DeniedReason = ""
	DeniedEntitlementNotFound DeniedReason = "ENTITLEMENT_NOT_FOUND"
	DeniedEntitlementError   DeniedReason = "ENTITLEMENT_ERROR"
	DeniedLimitExceeded      DeniedReason = "LIMIT_EXCEEDED"
	DeniedFeatureDisabled    DeniedReason = "FEATURE_DISABLED"
	DeniedNotActive          DeniedReason = "NOT_ACTIVE"
	DeniedExpired            DeniedReason = "EXPIRED"
	DeniedRevoked            DeniedReason = "REVOKED"
)

// Decision is the result of a verify or consume call.
type Decision struct {
	Allowed       bool
	Remaining     *decimal.Decimal
	DeniedReason  DeniedReason
	Message       string
	OverThreshold bool
}
