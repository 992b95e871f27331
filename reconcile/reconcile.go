// Package reconcile implements the Reconciler (spec component G): a
// background, at-most-once-per-watermark pass that pulls settled usage
// from analytics and corrects drift between the live meter and the
// analytics-confirmed total.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/unprice/core/aggregation"
	"github.com/unprice/core/cycle"
	"github.com/unprice/core/entitlement"
	"github.com/unprice/core/grant"
	"github.com/unprice/core/id"
	"github.com/unprice/core/meter"
)

// CursorRequest is the analytics usage-cursor query the reconciler issues
// (spec §6: "getFeaturesUsageCursor").
type CursorRequest struct {
	CustomerID      string
	ProjectID       string
	FeatureSlug     string
	AggregationMeth aggregation.Method
	FeatureType     grant.FeatureType
	AfterRecordID   id.ID
	BeforeRecordID  id.ID
	StartAt         time.Time
}

// Cursor is the aggregated usage analytics reports over a record-id range.
type Cursor struct {
	FeatureSlug  string
	Usage        decimal.Decimal
	LastRecordID id.ID
}

// AnalyticsCursor is the subset of the consumed Analytics interface the
// reconciler needs.
type AnalyticsCursor interface {
	FetchUsageCursor(ctx context.Context, req CursorRequest) (Cursor, error)
}

// Default tuning parameters, named directly after spec §4.G.
const (
	DefaultWatermarkOffset = 5 * time.Minute
	DefaultEpsilon         = "0.001"
	DefaultMaxDrift        = "1000"
)

// Reconciler runs the drift-correction pass for one entitlement key at a
// time. One Reconciler is shared process-wide; callers invoke Reconcile
// per (customerId, projectId, featureSlug) after a verify/reportUsage.
type Reconciler struct {
	storage   entitlement.Storage
	analytics AnalyticsCursor
	logger    *slog.Logger

	watermarkOffset time.Duration
	epsilon         decimal.Decimal
	maxDrift        decimal.Decimal
}

// Option configures a Reconciler.
type Option func(*Reconciler)

func WithWatermarkOffset(d time.Duration) Option { return func(r *Reconciler) { r.watermarkOffset = d } }
func WithEpsilon(d decimal.Decimal) Option        { return func(r *Reconciler) { r.epsilon = d } }
func WithMaxDrift(d decimal.Decimal) Option       { return func(r *Reconciler) { r.maxDrift = d } }
func WithLogger(l *slog.Logger) Option            { return func(r *Reconciler) { r.logger = l } }

// New builds a Reconciler backed by storage for state and analytics for
// the settled-usage cursor.
func New(storage entitlement.Storage, analytics AnalyticsCursor, opts ...Option) *Reconciler {
	epsilon, _ := decimal.NewFromString(DefaultEpsilon)
	maxDrift, _ := decimal.NewFromString(DefaultMaxDrift)

	r := &Reconciler{
		storage:         storage,
		analytics:       analytics,
		logger:          slog.Default(),
		watermarkOffset: DefaultWatermarkOffset,
		epsilon:         epsilon,
		maxDrift:        maxDrift,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile runs one reconciliation pass for key as of now. It is always
// best-effort: every skip condition and every error (other than a fatal
// storage failure) returns nil rather than propagating to the caller,
// matching spec §7 "Reconciler and background writers swallow errors".
func (r *Reconciler) Reconcile(ctx context.Context, key entitlement.Key, now time.Time) error {
	state, err := r.storage.Get(ctx, key)
	if err != nil {
		if err == entitlement.ErrNotFound {
			return nil
		}
		return err
	}
	e := state.Entitlement

	cfg, ok := aggregation.Lookup(e.AggregationMethod)
	if !ok || cfg.Behavior != aggregation.BehaviorSum || e.FeatureType == grant.FeatureFlat {
		return nil
	}

	watermark := now.Add(-r.watermarkOffset)

	watermarkStart := e.EffectiveAt
	if e.ResetConfig != nil {
		wWindow, wOk := cycle.CycleWindow(e.EffectiveAt, e.ExpiresAt, watermark, *e.ResetConfig, nil)
		cWindow, cOk := cycle.CycleWindow(e.EffectiveAt, e.ExpiresAt, now, *e.ResetConfig, nil)
		if !wOk || !cOk {
			return nil
		}
		if !wWindow.Start.Equal(cWindow.Start) {
			return nil // cycle boundary crossed; the reset path handles it
		}
		watermarkStart = wWindow.Start
	}

	effectiveAt := watermarkStart
	lastReconciledID := state.Meter.LastReconciledID
	beforeRecordID := id.NewAt(id.PrefixUsageRecord, watermark)

	if !lastReconciledID.IsNil() && lastReconciledID.Compare(beforeRecordID) >= 0 {
		return nil // already reconciled
	}
	if watermark.Before(effectiveAt) {
		return nil // cycle too fresh
	}
	if lastReconciledID.IsNil() {
		r.logger.Warn("reconcile: lastReconciledId never initialized",
			"customerId", key.CustomerID, "projectId", key.ProjectID, "featureSlug", key.FeatureSlug)
		return nil
	}

	var cursor Cursor
	var refreshed entitlement.State

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, cErr := r.analytics.FetchUsageCursor(gctx, CursorRequest{
			CustomerID:      key.CustomerID,
			ProjectID:       key.ProjectID,
			FeatureSlug:     key.FeatureSlug,
			AggregationMeth: e.AggregationMethod,
			FeatureType:     e.FeatureType,
			AfterRecordID:   lastReconciledID,
			BeforeRecordID:  beforeRecordID,
			StartAt:         effectiveAt,
		})
		cursor = c
		return cErr
	})
	g.Go(func() error {
		st, sErr := r.storage.Get(gctx, key)
		refreshed = st
		return sErr
	})
	if err := g.Wait(); err != nil {
		r.logger.Error("reconcile: fetch failed", "error", err,
			"customerId", key.CustomerID, "featureSlug", key.FeatureSlug)
		return nil
	}

	drift := cursor.Usage.Sub(refreshed.Meter.SnapshotUsage)
	absDrift := drift.Abs()

	if absDrift.GreaterThan(r.maxDrift) {
		r.logger.Error("reconcile: drift exceeds max, aborting",
			"drift", drift.String(), "customerId", key.CustomerID, "featureSlug", key.FeatureSlug)
		return nil
	}

	if absDrift.GreaterThan(r.epsilon) {
		m := meter.New(cfg.Behavior, e.FeatureType, e.Limit, e.EffectiveAt, e.ExpiresAt, e.OverageStrategy, e.NotifyThreshold, refreshed.Meter)
		m.ApplyReconciliation(drift, cursor.Usage, cursor.LastRecordID)
		refreshed.Meter = m.ToPersist()
	} else {
		// No meaningful drift: absorb nothing, but still advance the
		// cursor so the next pass does not re-scan the same range.
		refreshed.Meter.LastReconciledID = cursor.LastRecordID
		refreshed.Meter.LastUpdated = now
	}

	refreshed.Entitlement = e
	return r.storage.Set(ctx, key, refreshed)
}
