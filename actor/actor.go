// Package actor implements the Meter Actor (spec component J): a
// single-threaded shard scoped to one (customerId, projectId) pair that
// serializes every verify/reportUsage call through one goroutine, so a
// customer's usage meter is never mutated concurrently, and periodically
// flushes its durable storage's pending usage/verification batches to
// analytics on an interval, mirroring the teacher's meterFlushWorker.
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/unprice/core/entitlement"
	"github.com/unprice/core/entitlementsvc"
)

// DefaultFlushInterval is how often a quiet actor flushes its pending
// storage batches to analytics even with no new traffic.
const DefaultFlushInterval = 5 * time.Second

// DefaultInboxSize bounds how many in-flight calls an actor queues before
// Verify/ReportUsage callers start blocking on submission.
const DefaultInboxSize = 1024

// ErrStopped is returned by any call submitted to an actor after Stop has
// been called.
var ErrStopped = fmt.Errorf("actor: stopped")

// job is one unit of serialized work run on the actor's goroutine.
type job struct {
	run  func()
	done chan struct{}
}

// Actor is the single-threaded shard for one customer's entitlements. It
// owns the entitlementsvc.Service calls for (customerID, projectID) and
// the entitlement.Storage instance backing them.
type Actor struct {
	customerID string
	projectID  string

	svc     *entitlementsvc.Service
	storage entitlement.Storage
	logger  *slog.Logger

	inbox    chan job
	stopChan chan struct{}
	wg       sync.WaitGroup

	flushInterval time.Duration
	resetFlush    chan time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
}

// Option configures an Actor.
type Option func(*Actor)

// WithFlushInterval overrides DefaultFlushInterval.
func WithFlushInterval(d time.Duration) Option {
	return func(a *Actor) { a.flushInterval = d }
}

// WithLogger overrides the actor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Actor) { a.logger = l }
}

// WithInboxSize overrides DefaultInboxSize.
func WithInboxSize(n int) Option {
	return func(a *Actor) { a.inbox = make(chan job, n) }
}

// New builds an Actor for one (customerID, projectID) pair. Call Start
// before issuing any calls, and Stop to drain and flush on shutdown.
func New(customerID, projectID string, svc *entitlementsvc.Service, storage entitlement.Storage, opts ...Option) *Actor {
	a := &Actor{
		customerID:    customerID,
		projectID:     projectID,
		svc:           svc,
		storage:       storage,
		logger:        slog.Default(),
		inbox:         make(chan job, DefaultInboxSize),
		stopChan:      make(chan struct{}),
		flushInterval: DefaultFlushInterval,
		resetFlush:    make(chan time.Duration, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches the actor's run loop and flush worker. Calling Start
// twice is a no-op.
func (a *Actor) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true

	a.wg.Add(2)
	go a.runLoop()
	go a.flushWorker(ctx)
}

// Stop closes the actor's stop channel, waits for the run loop and flush worker
// to drain, and performs one final flush of any pending storage batches.
func (a *Actor) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	close(a.stopChan)
	a.wg.Wait()

	return a.storage.Flush(ctx)
}

// runLoop processes submitted jobs one at a time, guaranteeing every
// meter mutation for this customer is strictly serialized.
func (a *Actor) runLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopChan:
			a.drainInbox()
			return
		case j := <-a.inbox:
			j.run()
			close(j.done)
		}
	}
}

// drainInbox runs any jobs queued before Stop was called, so a caller
// blocked on submit() still gets a result rather than hanging forever.
func (a *Actor) drainInbox() {
	for {
		select {
		case j := <-a.inbox:
			j.run()
			close(j.done)
		default:
			return
		}
	}
}

// flushWorker flushes pending storage batches on an adaptive alarm (spec
// §4.J): each Verify call reschedules the alarm to
// min(30m, max(5s, flushTime ?? TTL)), so a feature with a short reset
// cycle flushes promptly while a quiet customer still flushes at
// flushInterval.
func (a *Actor) flushWorker(ctx context.Context) {
	defer a.wg.Done()

	timer := time.NewTimer(a.flushInterval)
	defer timer.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case d := <-a.resetFlush:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d)
		case <-timer.C:
			if err := a.storage.Flush(ctx); err != nil {
				a.logger.Error("actor: periodic flush failed", "error", err, "customerId", a.customerID, "projectId", a.projectID)
			}
			timer.Reset(a.flushInterval)
		}
	}
}

// scheduleFlush replaces any pending flush alarm with one firing after d,
// keeping only the most recently requested value.
func (a *Actor) scheduleFlush(d time.Duration) {
	for {
		select {
		case a.resetFlush <- d:
			return
		default:
		}
		select {
		case <-a.resetFlush:
		default:
		}
	}
}

// submit runs fn on the actor's single goroutine and blocks until it
// completes or the actor is stopped.
func submit[T any](a *Actor, fn func() (T, error)) (T, error) {
	var zero T

	var result T
	var resultErr error
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return zero, ErrStopped
	}
	a.mu.Unlock()

	j := job{
		run:  func() { result, resultErr = fn() },
		done: make(chan struct{}),
	}

	select {
	case a.inbox <- j:
	case <-a.stopChan:
		return zero, ErrStopped
	}

	<-j.done
	return result, resultErr
}

// Verify serializes one entitlementsvc.Verify call through this actor,
// then reschedules the flush alarm from the result's FlushAfter.
func (a *Actor) Verify(ctx context.Context, req entitlementsvc.VerifyRequest) (entitlementsvc.VerifyResult, error) {
	req.CustomerID, req.ProjectID = a.customerID, a.projectID
	result, err := submit(a, func() (entitlementsvc.VerifyResult, error) {
		return a.svc.Verify(ctx, req)
	})
	if err == nil && result.FlushAfter > 0 {
		a.scheduleFlush(result.FlushAfter)
	}
	return result, err
}

// ReportUsage serializes one entitlementsvc.ReportUsage call through this
// actor.
func (a *Actor) ReportUsage(ctx context.Context, req entitlementsvc.ReportUsageRequest) (entitlementsvc.ReportUsageResult, error) {
	req.CustomerID, req.ProjectID = a.customerID, a.projectID
	return submit(a, func() (entitlementsvc.ReportUsageResult, error) {
		return a.svc.ReportUsage(ctx, req)
	})
}

// GetCurrentUsage serializes one entitlementsvc.GetCurrentUsage call
// through this actor.
func (a *Actor) GetCurrentUsage(ctx context.Context, now time.Time) (entitlementsvc.CurrentUsage, error) {
	return submit(a, func() (entitlementsvc.CurrentUsage, error) {
		return a.svc.GetCurrentUsage(ctx, a.customerID, a.projectID, now)
	})
}

// GetActiveEntitlements serializes one entitlementsvc.GetActiveEntitlements
// call through this actor.
func (a *Actor) GetActiveEntitlements(ctx context.Context, now time.Time) ([]entitlement.Entitlement, error) {
	return submit(a, func() ([]entitlement.Entitlement, error) {
		return a.svc.GetActiveEntitlements(ctx, a.customerID, a.projectID, now)
	})
}

// ResetEntitlements serializes one entitlementsvc.ResetEntitlements call
// through this actor.
func (a *Actor) ResetEntitlements(ctx context.Context, now time.Time) error {
	_, err := submit(a, func() (struct{}, error) {
		return struct{}{}, a.svc.ResetEntitlements(ctx, a.customerID, a.projectID, now)
	})
	return err
}
