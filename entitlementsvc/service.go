// Package entitlementsvc implements the Entitlement Service (spec
// component I): the orchestrator exposing verify, reportUsage,
// getCurrentUsage, and resetEntitlements over the Grant Resolver, the
// Usage Meter, the Cache Layer, and the Reconciler.
package entitlementsvc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/unprice/core/aggregation"
	"github.com/unprice/core/cache"
	"github.com/unprice/core/cycle"
	"github.com/unprice/core/entitlement"
	"github.com/unprice/core/grant"
	"github.com/unprice/core/id"
	"github.com/unprice/core/meter"
	"github.com/unprice/core/reconcile"
	"github.com/unprice/core/types"
)

// DefaultRevalidateAfter is how far in the future a fresh entitlement's
// nextRevalidateAt is scheduled.
const DefaultRevalidateAfter = 60 * time.Second

// minFlushAlarm and maxFlushAlarm bound the actor's next-flush alarm
// (spec §4.J): at least 5s so a hot loop never flushes on every call, at
// most 30m so a quiet customer's usage is never held back indefinitely.
const (
	minFlushAlarm = 5 * time.Second
	maxFlushAlarm = 30 * time.Minute
)

// flushAlarm applies spec §4.J's "min(30m, max(5s, flushTime ?? TTL))"
// formula: requested overrides ttl when set, then gets clamped.
func flushAlarm(requested *time.Duration, ttl time.Duration) time.Duration {
	d := ttl
	if requested != nil {
		d = *requested
	}
	if d < minFlushAlarm {
		d = minFlushAlarm
	}
	if d > maxFlushAlarm {
		d = maxFlushAlarm
	}
	return d
}

// ACLPatch is the access-control flags the service may ask the caller to
// persist on the customer record.
type ACLPatch struct {
	UsageLimitReached *bool
}

// ACLUpdater lets the service flip ACL flags without importing a
// customer-service package, breaking the orchestrator/customer-service
// import cycle (spec §9).
type ACLUpdater func(ctx context.Context, customerID, projectID string, patch ACLPatch) error

// ACL is the access-control view of a customer (spec §4.H
// "accessControlList"): the usage-limit flag the Entitlement Service
// itself manages, plus the customer-service-owned fields it does not
// persist directly.
type ACL struct {
	UsageLimitReached  bool
	Disabled           bool
	SubscriptionStatus string
}

// ACLReader fetches the customer-service-owned ACL fields (disabled,
// subscriptionStatus) for GetAccessControlList, mirroring ACLUpdater's
// closure-based break of the orchestrator/customer-service import cycle
// (spec §9). May be nil, in which case GetAccessControlList reports the
// zero ACL.
type ACLReader func(ctx context.Context, customerID, projectID string) (ACL, error)

// VerifyRequest is the input to Verify (spec §6 "Verify request").
type VerifyRequest struct {
	CustomerID     string
	ProjectID      string
	FeatureSlug    string
	Timestamp      time.Time
	Usage          *decimal.Decimal // defaults to 1 unit when nil
	IdempotenceKey string
	RequestID      string
	Metadata       map[string]string

	// FlushTime optionally overrides the actor's next-flush alarm for
	// this (customer, project) shard (spec §4.J: "min(30m, max(5s,
	// flushTime ?? TTL))"). Nil defers to the feature's own
	// revalidation/reset TTL.
	FlushTime *time.Duration
}

// VerifyResult is the output of Verify (spec §6 "Verify result").
type VerifyResult struct {
	Allowed       bool
	Message       string
	DeniedReason  meter.DeniedReason
	Usage         decimal.Decimal
	Limit         *int64
	Remaining     *decimal.Decimal
	Latency       time.Duration
	FeatureType   grant.FeatureType
	OverThreshold bool

	// FlushAfter is the actor-alarm delay computed by the min/max
	// formula above. Zero on results returned before the meter is
	// consulted (entitlement not found or failing validation); a meter
	// decision, allowed or denied, carries the alarm.
	FlushAfter time.Duration
}

// ReportUsageRequest is the input to ReportUsage (spec §6).
type ReportUsageRequest struct {
	CustomerID     string
	ProjectID      string
	FeatureSlug    string
	Usage          decimal.Decimal // signed
	Timestamp      time.Time
	IdempotenceKey string
	RequestID      string
	Metadata       map[string]string
}

// ReportUsageResult is the output of ReportUsage (spec §6).
type ReportUsageResult struct {
	Allowed           bool
	Remaining         *decimal.Decimal
	Message           string
	DeniedReason      meter.DeniedReason
	Usage             decimal.Decimal
	Limit             *int64
	Cost              decimal.Decimal
	NotifiedOverLimit bool
}

var defaultUsage = decimal.NewFromInt(1)

func boolPtr(b bool) *bool { return &b }

// Service is the Entitlement Service. One Service is shared by every
// Meter Actor in a process; callers scope calls by (customerId,
// projectId, featureSlug).
type Service struct {
	grants     grant.Store
	storage    entitlement.Storage
	cache      *cache.Cache
	reconciler *reconcile.Reconciler
	analytics  reconcile.AnalyticsCursor
	aclUpdate  ACLUpdater
	aclRead    ACLReader
	logger     *slog.Logger

	revalidateAfter time.Duration
}

// Option configures a Service.
type Option func(*Service)

func WithCache(c *cache.Cache) Option              { return func(s *Service) { s.cache = c } }
func WithReconciler(r *reconcile.Reconciler) Option { return func(s *Service) { s.reconciler = r } }
func WithLogger(l *slog.Logger) Option              { return func(s *Service) { s.logger = l } }
func WithRevalidateAfter(d time.Duration) Option    { return func(s *Service) { s.revalidateAfter = d } }
func WithACLReader(r ACLReader) Option              { return func(s *Service) { s.aclRead = r } }

// New builds a Service. analytics may be nil (meters then always
// initialize at zero usage); aclUpdate may be nil (ACL flips become
// no-ops).
func New(grants grant.Store, storage entitlement.Storage, analytics reconcile.AnalyticsCursor, aclUpdate ACLUpdater, opts ...Option) *Service {
	s := &Service{
		grants:          grants,
		storage:         storage,
		analytics:       analytics,
		aclUpdate:       aclUpdate,
		logger:          slog.Default(),
		revalidateAfter: DefaultRevalidateAfter,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify implements spec §4.I "verify".
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	start := time.Now()
	key := entitlement.Key{CustomerID: req.CustomerID, ProjectID: req.ProjectID, FeatureSlug: req.FeatureSlug}

	state, found, err := s.getStateWithRevalidation(ctx, key, req.Timestamp)
	if err != nil {
		return VerifyResult{}, err
	}
	if !found {
		s.recordVerification(ctx, key, req, false, meter.DeniedEntitlementNotFound, decimal.Zero, nil, time.Since(start))
		return VerifyResult{Allowed: false, DeniedReason: meter.DeniedEntitlementNotFound, Message: "entitlement not found"}, nil
	}

	validated, reason, ok := validateEntitlementState(state.Entitlement, req.Timestamp)
	if !ok {
		s.recordVerification(ctx, key, req, false, reason, state.Meter.Usage, validated.Limit, time.Since(start))
		return VerifyResult{Allowed: false, DeniedReason: reason, Usage: state.Meter.Usage, Limit: validated.Limit}, nil
	}

	cfg := aggregation.MustLookup(validated.AggregationMethod)
	m := meter.New(cfg.Behavior, validated.FeatureType, validated.Limit, validated.EffectiveAt, validated.ExpiresAt, validated.OverageStrategy, validated.NotifyThreshold, state.Meter)

	proposed := req.Usage
	if proposed == nil {
		proposed = &defaultUsage
	}
	dec, err := m.Verify(req.Timestamp, proposed)
	if err != nil {
		return VerifyResult{}, err
	}

	if err := s.storage.Set(ctx, key, entitlement.State{Entitlement: validated, Meter: m.ToPersist()}); err != nil {
		return VerifyResult{}, err
	}
	s.recordVerification(ctx, key, req, dec.Allowed, dec.DeniedReason, m.ToPersist().Usage, validated.Limit, time.Since(start))

	if !dec.Allowed && dec.DeniedReason == meter.DeniedLimitExceeded && validated.BlockCustomer {
		s.updateACL(ctx, req.CustomerID, req.ProjectID, ACLPatch{UsageLimitReached: boolPtr(true)})
	}

	s.reconcileInBackground(key, req.Timestamp)

	return VerifyResult{
		Allowed:       dec.Allowed,
		Message:       dec.Message,
		DeniedReason:  dec.DeniedReason,
		Usage:         m.ToPersist().Usage,
		Limit:         validated.Limit,
		Remaining:     dec.Remaining,
		Latency:       time.Since(start),
		FeatureType:   validated.FeatureType,
		OverThreshold: dec.OverThreshold,
		FlushAfter:    flushAlarm(req.FlushTime, revalidationTTL(validated.ResetConfig)),
	}, nil
}

// ReportUsage implements spec §4.I "reportUsage".
func (s *Service) ReportUsage(ctx context.Context, req ReportUsageRequest) (ReportUsageResult, error) {
	key := entitlement.Key{CustomerID: req.CustomerID, ProjectID: req.ProjectID, FeatureSlug: req.FeatureSlug}

	state, found, err := s.getStateWithRevalidation(ctx, key, req.Timestamp)
	if err != nil {
		return ReportUsageResult{}, err
	}
	if !found {
		return ReportUsageResult{Allowed: false, DeniedReason: meter.DeniedEntitlementNotFound}, nil
	}

	idempotenceTTL := revalidationTTL(state.Entitlement.ResetConfig)
	seen, err := s.storage.HasIdempotenceKey(ctx, req.CustomerID, req.FeatureSlug, req.IdempotenceKey, idempotenceTTL)
	if err != nil {
		return ReportUsageResult{}, err
	}
	if seen {
		cost := costFor(state.Entitlement, state.Meter.Usage)
		return ReportUsageResult{Allowed: true, Usage: state.Meter.Usage, Limit: state.Entitlement.Limit, Cost: cost.Decimal()}, nil
	}

	validated, reason, ok := validateEntitlementState(state.Entitlement, req.Timestamp)
	if !ok {
		return ReportUsageResult{Allowed: false, DeniedReason: reason, Usage: state.Meter.Usage, Limit: validated.Limit}, nil
	}

	cfg := aggregation.MustLookup(validated.AggregationMethod)
	m := meter.New(cfg.Behavior, validated.FeatureType, validated.Limit, validated.EffectiveAt, validated.ExpiresAt, validated.OverageStrategy, validated.NotifyThreshold, state.Meter)

	costBefore := costFor(validated, m.ToPersist().Usage)
	dec, err := m.Consume(req.Usage, req.Timestamp)
	if errors.Is(err, meter.ErrFlatFeatureDoesNotConsume) {
		return ReportUsageResult{Allowed: false, DeniedReason: meter.DeniedFeatureDisabled}, nil
	}
	if err != nil {
		return ReportUsageResult{}, err
	}

	var cost decimal.Decimal
	if dec.Allowed {
		costAfter := costFor(validated, m.ToPersist().Usage)
		cost = costAfter.Decimal().Sub(costBefore.Decimal())

		rec := entitlement.UsageRecord{
			ID:             id.New(id.PrefixUsageRecord),
			CustomerID:     req.CustomerID,
			ProjectID:      req.ProjectID,
			FeatureSlug:    req.FeatureSlug,
			Usage:          req.Usage,
			Timestamp:      req.Timestamp,
			IdempotenceKey: req.IdempotenceKey,
			RequestID:      req.RequestID,
			CreatedAt:      req.Timestamp,
			Metadata:       entitlementUsageMetadata(cost),
		}
		if err := s.storage.InsertUsageRecord(ctx, rec); err != nil {
			return ReportUsageResult{}, err
		}

		if req.Usage.IsNegative() && dec.Remaining != nil && dec.Remaining.IsPositive() {
			s.updateACL(ctx, req.CustomerID, req.ProjectID, ACLPatch{UsageLimitReached: boolPtr(false)})
		}
	}

	if err := s.storage.Set(ctx, key, entitlement.State{Entitlement: validated, Meter: m.ToPersist()}); err != nil {
		return ReportUsageResult{}, err
	}

	s.reconcileInBackground(key, req.Timestamp)

	return ReportUsageResult{
		Allowed:           dec.Allowed,
		Remaining:         dec.Remaining,
		DeniedReason:      dec.DeniedReason,
		Usage:             m.ToPersist().Usage,
		Limit:             validated.Limit,
		Cost:              cost,
		NotifiedOverLimit: dec.OverThreshold,
	}, nil
}

func entitlementUsageMetadata(cost decimal.Decimal) entitlement.UsageRecordMetadata {
	return entitlement.UsageRecordMetadata{Cost: cost}
}

func costFor(e entitlement.Entitlement, usage decimal.Decimal) types.Money {
	if len(e.Grants) == 0 {
		return types.Money{}
	}
	return e.Grants[0].Config.Cost(usage)
}

func (s *Service) recordVerification(ctx context.Context, key entitlement.Key, req VerifyRequest, allowed bool, reason meter.DeniedReason, usage decimal.Decimal, limit *int64, latency time.Duration) {
	v := entitlement.Verification{
		CustomerID:   key.CustomerID,
		ProjectID:    key.ProjectID,
		FeatureSlug:  key.FeatureSlug,
		Timestamp:    req.Timestamp,
		Allowed:      allowed,
		DeniedReason: reason,
		Metadata:     entitlement.VerificationMetadata{Usage: usage},
		Latency:      latency,
		RequestID:    req.RequestID,
		CreatedAt:    req.Timestamp,
	}
	if err := s.storage.InsertVerification(ctx, v); err != nil {
		s.logger.Error("entitlementsvc: insert verification failed", "error", err, "customerId", key.CustomerID, "featureSlug", key.FeatureSlug)
	}
}

func (s *Service) updateACL(ctx context.Context, customerID, projectID string, patch ACLPatch) {
	if s.cache != nil {
		_ = s.cache.Remove(ctx, cache.NamespaceAccessControlList, bulkCacheKey(customerID, projectID))
	}
	if s.aclUpdate == nil {
		return
	}
	if err := s.aclUpdate(ctx, customerID, projectID, patch); err != nil {
		s.logger.Error("entitlementsvc: ACL update failed", "error", err, "customerId", customerID)
	}
}

// GetAccessControlList implements spec §4.I "getAccessControlList": the
// read-side mirror of updateACL, served through the accessControlList
// cache namespace (spec §4.H) with aclRead as the SWR loader. Returns the
// zero ACL when no ACLReader was configured.
func (s *Service) GetAccessControlList(ctx context.Context, customerID, projectID string) (ACL, error) {
	if s.cache == nil {
		return s.loadACL(ctx, customerID, projectID)
	}

	var acl ACL
	_, err := s.cache.SWR(ctx, cache.NamespaceAccessControlList, bulkCacheKey(customerID, projectID), &acl, func(ctx context.Context) (any, error) {
		return s.loadACL(ctx, customerID, projectID)
	})
	if err != nil {
		return ACL{}, err
	}
	return acl, nil
}

func (s *Service) loadACL(ctx context.Context, customerID, projectID string) (ACL, error) {
	if s.aclRead == nil {
		return ACL{}, nil
	}
	return s.aclRead(ctx, customerID, projectID)
}

func (s *Service) reconcileInBackground(key entitlement.Key, now time.Time) {
	if s.reconciler == nil {
		return
	}
	go func() {
		if err := s.reconciler.Reconcile(context.Background(), key, now); err != nil {
			s.logger.Error("entitlementsvc: background reconcile failed", "error", err, "customerId", key.CustomerID, "featureSlug", key.FeatureSlug)
		}
	}()
}

// validateEntitlementState rejects entitlements whose effective window has
// not started or has ended, and drops grant snapshots that have since
// expired, re-merging what remains (spec §4.I step 3: "grants may expire
// between computation and verification").
func validateEntitlementState(e entitlement.Entitlement, now time.Time) (entitlement.Entitlement, meter.DeniedReason, bool) {
	if now.Before(e.EffectiveAt) {
		return e, meter.DeniedNotActive, false
	}
	if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
		return e, meter.DeniedExpired, false
	}

	live := make([]entitlement.GrantSnapshot, 0, len(e.Grants))
	for _, g := range e.Grants {
		if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
			continue
		}
		live = append(live, g)
	}
	if len(live) == 0 {
		return e, meter.DeniedRevoked, false
	}

	e.Grants = live
	return e, meter.DeniedNone, true
}

func revalidationTTL(resetCfg *cycle.Config) time.Duration {
	if resetCfg == nil {
		return entitlement.MinIdempotenceTTL
	}
	cycleLen := cycleApproxDuration(resetCfg.Interval) * time.Duration(max(resetCfg.IntervalCount, 1))
	ttl := cycleLen * 2
	if ttl < entitlement.MinIdempotenceTTL {
		return entitlement.MinIdempotenceTTL
	}
	return ttl
}

func cycleApproxDuration(interval cycle.Interval) time.Duration {
	switch interval {
	case cycle.IntervalMinute:
		return time.Minute
	case cycle.IntervalHour:
		return time.Hour
	case cycle.IntervalDay:
		return 24 * time.Hour
	case cycle.IntervalWeek:
		return 7 * 24 * time.Hour
	case cycle.IntervalMonth:
		return 30 * 24 * time.Hour
	case cycle.IntervalYear:
		return 365 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}
