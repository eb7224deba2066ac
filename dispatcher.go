/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package taxgate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taxgate/taxgate/config"
	"github.com/taxgate/taxgate/database"
	"github.com/taxgate/taxgate/internal/identity"
	redlock "github.com/taxgate/taxgate/internal/lock"
	"github.com/taxgate/taxgate/internal/observability"
	"github.com/taxgate/taxgate/model"
)

// MaxRequestIDLength is the longest request id accepted.
const MaxRequestIDLength = 128

var (
	ErrInvalidRequestID = errors.New("invalid request id")
	ErrInvalidCallerID  = errors.New("invalid caller id")

	requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)
)

// ValidateRequestID checks a client supplied idempotency key.
func ValidateRequestID(requestID string) error {
	err := validation.Validate(requestID,
		validation.Required,
		validation.Length(1, MaxRequestIDLength),
		validation.Match(requestIDPattern),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequestID, err)
	}
	return nil
}

// DispatchPolicy holds the routing thresholds.
type DispatchPolicy struct {
	SyncThreshold time.Duration
	SafetyMargin  time.Duration
	RecordTTL     time.Duration
	Retry         RetryPolicy
}

// DispatchPolicyFromConfig reads the policy from the configuration.
func DispatchPolicyFromConfig(cfg *config.Configuration) DispatchPolicy {
	return DispatchPolicy{
		SyncThreshold: cfg.Dispatch.SyncThreshold.Duration(),
		SafetyMargin:  cfg.Dispatch.SafetyMargin.Duration(),
		RecordTTL:     cfg.Store.RecordTTL.Duration(),
		Retry:         RetryPolicyFromConfig(cfg.Retry),
	}
}

// Dispatcher decides per request whether to run inline or hand the work to the
// scheduler, and records the lifecycle in the store. Without a store it runs every
// request inline and persists nothing.
type Dispatcher struct {
	store     database.RequestStore
	scheduler *Scheduler
	hasher    *identity.Hasher
	policy    DispatchPolicy
	metrics   *observability.Metrics

	// detached tracks inline attempts that outlived their caller's wait budget.
	detached sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A nil store selects the unpersisted fallback
// mode, in which scheduler and hasher may be nil as well.
func NewDispatcher(store database.RequestStore, scheduler *Scheduler, hasher *identity.Hasher, policy DispatchPolicy) (*Dispatcher, error) {
	if store != nil && (scheduler == nil || hasher == nil) {
		return nil, errors.New("a persisted dispatcher needs a scheduler and an identity hasher")
	}
	return &Dispatcher{
		store:     store,
		scheduler: scheduler,
		hasher:    hasher,
		policy:    policy,
	}, nil
}

func (d *Dispatcher) SetMetrics(m *observability.Metrics) {
	d.metrics = m
}

// Persistent reports whether requests are recorded in a store.
func (d *Dispatcher) Persistent() bool {
	return d.store != nil
}

// Run executes unit for (callerID, requestID) within the caller's wait budget and
// returns the request record as it stands when Run returns.
//
// Parameters:
// - callerID string: The raw caller identity. Only its hash is stored.
// - requestID string: The idempotency key.
// - waitBudget time.Duration: How long the caller is willing to block.
// - unit Unit: The upstream operation.
//
// Returns:
// - *model.AsyncRequest: A terminal record, or a pending/processing one to poll for.
// - error: ErrInvalidRequestID/ErrInvalidCallerID for bad input, ErrStoreUnavailable or
//   ErrQueueUnavailable when a required write fails.
func (d *Dispatcher) Run(ctx context.Context, callerID, requestID string, waitBudget time.Duration, unit Unit) (*model.AsyncRequest, error) {
	ctx, span := tracer.Start(ctx, "Dispatching request", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.Int64("request.wait_budget_ms", waitBudget.Milliseconds()),
	))
	defer span.End()

	if err := ValidateRequestID(requestID); err != nil {
		return nil, err
	}
	if callerID == "" {
		return nil, ErrInvalidCallerID
	}
	if unit == nil {
		return nil, errors.New("unit is required")
	}

	if d.store == nil {
		d.metrics.RecordDispatch(ctx, observability.RouteFallback)
		return d.runUnpersisted(ctx, callerID, requestID, unit), nil
	}

	key := model.RequestKey{HashedCallerID: d.hasher.Hash(callerID), RequestID: requestID}
	fresh := model.NewAsyncRequest(key, unit.Kind(), d.policy.RecordTTL)
	fresh.Payload = unit.Payload()

	rec, created, err := d.store.CreateIfAbsent(ctx, fresh)
	if err != nil {
		span.RecordError(err)
		return nil, storeError(err)
	}
	if !created {
		switch rec.Status {
		case model.StatusCompleted, model.StatusFailed:
			d.metrics.RecordDispatch(ctx, observability.RouteReplay)
			return rec, nil
		case model.StatusProcessing:
			d.metrics.RecordDispatch(ctx, observability.RouteInFlight)
			return rec, nil
		}
		// pending: the first receipt never got routed, so route it now
	}

	if waitBudget < d.policy.SyncThreshold {
		d.metrics.RecordDispatch(ctx, observability.RouteAsync)
		return d.runAsync(ctx, rec, unit)
	}
	d.metrics.RecordDispatch(ctx, observability.RouteSync)
	return d.runInline(ctx, rec, unit, waitBudget)
}

// runAsync marks the request processing and hands it to the scheduler.
func (d *Dispatcher) runAsync(ctx context.Context, rec *model.AsyncRequest, unit Unit) (*model.AsyncRequest, error) {
	key := rec.Key()
	marked, err := d.store.ConditionalUpdate(ctx, key, database.Expect(0, model.StatusPending), func(r *model.AsyncRequest) {
		r.Status = model.StatusProcessing
	})
	if errors.Is(err, database.ErrConflict) {
		return d.current(ctx, key)
	}
	if err != nil {
		return nil, storeError(err)
	}

	if err := d.scheduler.Schedule(ctx, key.HashedCallerID, key.RequestID, 0, unit, 0); err != nil {
		logrus.WithError(err).WithFields(keyFields(key)).Error("failed to schedule request")
		return nil, err
	}
	return marked, nil
}

type inlineOutcome struct {
	rec *model.AsyncRequest
	err error
}

// runInline claims the first attempt and races it against the wait budget. When the
// budget runs out the attempt keeps running detached from the caller and settles on
// its own.
func (d *Dispatcher) runInline(ctx context.Context, rec *model.AsyncRequest, unit Unit, waitBudget time.Duration) (*model.AsyncRequest, error) {
	key := rec.Key()
	start := time.Now()

	release, err := d.scheduler.leases.Acquire(ctx, key, d.scheduler.leaseTTL())
	if errors.Is(err, redlock.ErrLockHeld) {
		return d.current(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	claimed, err := d.scheduler.claim(ctx, key, 0)
	if err != nil {
		release()
		if errors.Is(err, database.ErrConflict) || errors.Is(err, database.ErrNotFound) {
			return d.current(ctx, key)
		}
		return nil, err
	}

	done := make(chan inlineOutcome, 1)
	d.detached.Add(1)
	go func() {
		defer d.detached.Done()
		final, err := d.scheduler.runAttempt(context.WithoutCancel(ctx), claimed, unit)
		release()
		if err != nil {
			logrus.WithError(err).WithFields(keyFields(key)).Error("failed to settle inline attempt")
		}
		done <- inlineOutcome{rec: final, err: err}
	}()

	budget := waitBudget - d.policy.SafetyMargin
	if budget < 0 {
		budget = 0
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case out := <-done:
		d.metrics.RecordInline(ctx, time.Since(start).Seconds(), out.rec != nil && out.rec.Status.IsTerminal())
		if out.err != nil {
			return nil, out.err
		}
		return out.rec, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	d.metrics.RecordInline(ctx, time.Since(start).Seconds(), false)
	return claimed, nil
}

// runUnpersisted is the fallback used without a store: the unit runs inline with
// in-request retries and the outcome is returned without being recorded.
func (d *Dispatcher) runUnpersisted(ctx context.Context, callerID, requestID string, unit Unit) *model.AsyncRequest {
	key := model.RequestKey{RequestID: requestID}
	if d.hasher != nil {
		key.HashedCallerID = d.hasher.Hash(callerID)
	}
	rec := model.NewAsyncRequest(key, unit.Kind(), 0)
	rec.Status = model.StatusProcessing

	policy := d.policy.Retry
	var (
		result  []byte
		lastErr *UnitError
	)
	operation := func() error {
		rec.Attempt++
		attemptCtx, cancel := policy.attemptContext(ctx)
		defer cancel()

		start := time.Now()
		res, err := unit.Execute(attemptCtx)
		if err == nil {
			d.metrics.RecordAttempt(ctx, unit.Kind(), observability.OutcomeCompleted, time.Since(start).Seconds())
			result = res
			return nil
		}
		lastErr = Classify(err)
		d.metrics.RecordAttempt(ctx, unit.Kind(), string(lastErr.Classification), time.Since(start).Seconds())
		if lastErr.Classification == model.Permanent {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}

	maxRetries := policy.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy.exponential(), uint64(maxRetries)), ctx)
	if err := backoff.Retry(operation, b); err == nil {
		if result == nil {
			result = []byte("null")
		}
		rec.Complete(result)
		return rec
	}

	switch {
	case lastErr == nil:
		rec.Fail(&model.RequestError{Kind: model.ErrorKindExhaustedRetries, Message: "request cancelled before it ran"})
	case lastErr.Classification == model.Permanent:
		rec.Fail(&model.RequestError{
			Kind:           model.ErrorKindPermanent,
			Code:           lastErr.Code,
			Message:        messageOf(lastErr),
			UpstreamStatus: lastErr.UpstreamStatus,
		})
	default:
		rec.Fail(&model.RequestError{
			Kind:           model.ErrorKindExhaustedRetries,
			Message:        fmt.Sprintf("gave up after %d attempts", rec.Attempt),
			UpstreamStatus: lastErr.UpstreamStatus,
			LastError:      lastErr.Error(),
		})
	}
	return rec
}

// GetStatus reads the request record. It returns nil, nil when the request is unknown,
// expired, or when no store is configured.
func (d *Dispatcher) GetStatus(ctx context.Context, callerID, requestID string) (*model.AsyncRequest, error) {
	if err := ValidateRequestID(requestID); err != nil {
		return nil, err
	}
	if callerID == "" {
		return nil, ErrInvalidCallerID
	}
	if d.store == nil {
		return nil, nil
	}

	rec, err := d.store.Get(ctx, model.RequestKey{HashedCallerID: d.hasher.Hash(callerID), RequestID: requestID})
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(err)
	}
	return rec, nil
}

// Wait blocks until detached inline attempts have settled or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) current(ctx context.Context, key model.RequestKey) (*model.AsyncRequest, error) {
	rec, err := d.store.Get(ctx, key)
	if err != nil {
		return nil, storeError(err)
	}
	return rec, nil
}
