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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taxgate/taxgate/config"
	"github.com/taxgate/taxgate/database"
	redlock "github.com/taxgate/taxgate/internal/lock"
	"github.com/taxgate/taxgate/internal/observability"
	"github.com/taxgate/taxgate/model"
)

var tracer = otel.Tracer("taxgate")

// settleTimeout bounds the store writes that follow an attempt.
const settleTimeout = 10 * time.Second

var (
	ErrStoreUnavailable = errors.New("request store unavailable")
	ErrQueueUnavailable = errors.New("retry queue unavailable")
)

// leaser guards a request key while one attempt runs.
type leaser interface {
	Acquire(ctx context.Context, key model.RequestKey, ttl time.Duration) (release func(), err error)
	Held(ctx context.Context, key model.RequestKey) (bool, error)
}

type redisLeaser struct {
	client redis.UniversalClient
	prefix string
}

func (l *redisLeaser) name(key model.RequestKey) string {
	return fmt.Sprintf("%s:lease:%s", l.prefix, key.String())
}

func (l *redisLeaser) Acquire(ctx context.Context, key model.RequestKey, ttl time.Duration) (func(), error) {
	locker := redlock.NewLocker(l.client, l.name(key), uuid.NewString())
	if err := locker.Lock(ctx, ttl); err != nil {
		return nil, err
	}
	return func() {
		if err := locker.Unlock(context.Background()); err != nil {
			logrus.WithError(err).Debug("releasing request lease")
		}
	}, nil
}

func (l *redisLeaser) Held(ctx context.Context, key model.RequestKey) (bool, error) {
	return redlock.NewLocker(l.client, l.name(key), "").IsHeld(ctx)
}

// noLeaser is used without redis. The conditional update alone then serializes attempts.
type noLeaser struct{}

func (noLeaser) Acquire(context.Context, model.RequestKey, time.Duration) (func(), error) {
	return func() {}, nil
}

func (noLeaser) Held(context.Context, model.RequestKey) (bool, error) {
	return false, nil
}

// Scheduler runs attempts of persisted requests and re-enqueues transient failures
// with exponential backoff until the attempt budget is spent.
type Scheduler struct {
	store           database.RequestStore
	queue           Enqueuer
	registry        *Registry
	leases          leaser
	policy          RetryPolicy
	queueName       string
	keyPrefix       string
	deliveryRetries int
	metrics         *observability.Metrics
	onDeadLetter    func(ctx context.Context, rec *model.AsyncRequest)
}

// NewScheduler creates a scheduler. redisClient may be nil, in which case no
// execution leases are taken.
func NewScheduler(store database.RequestStore, queue Enqueuer, registry *Registry, redisClient redis.UniversalClient, cfg *config.Configuration) *Scheduler {
	var leases leaser = noLeaser{}
	if redisClient != nil {
		leases = &redisLeaser{client: redisClient, prefix: cfg.Store.KeyPrefix}
	}
	return &Scheduler{
		store:           store,
		queue:           queue,
		registry:        registry,
		leases:          leases,
		policy:          RetryPolicyFromConfig(cfg.Retry),
		queueName:       cfg.Queue.Name,
		keyPrefix:       cfg.Store.KeyPrefix,
		deliveryRetries: cfg.Queue.DeliveryRetries,
	}
}

func (s *Scheduler) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// OnDeadLetter registers fn to be called for every request that exhausts its attempts.
func (s *Scheduler) OnDeadLetter(fn func(ctx context.Context, rec *model.AsyncRequest)) {
	s.onDeadLetter = fn
}

// Policy returns the retry policy in use.
func (s *Scheduler) Policy() RetryPolicy {
	return s.policy
}

// Schedule enqueues an attempt of the request that expects the stored attempt counter
// to still be expectedAttempt when it runs.
func (s *Scheduler) Schedule(ctx context.Context, hashedCallerID, requestID string, expectedAttempt int, unit Unit, delay time.Duration) error {
	key := model.RequestKey{HashedCallerID: hashedCallerID, RequestID: requestID}
	return s.enqueue(ctx, key, expectedAttempt, unit.Kind(), unit.Payload(), delay)
}

// Reschedule enqueues the next attempt of rec from its persisted kind and payload. It
// reports false when a runnable task for that attempt is already queued. A task asynq
// archived after its last delivery still owns the attempt's id, so the queue is asked
// to reclaim it first.
func (s *Scheduler) Reschedule(ctx context.Context, rec *model.AsyncRequest) (bool, error) {
	key := rec.Key()
	err := s.submit(ctx, key, rec.Attempt, rec.Kind, rec.Payload, 0)
	if !isTaskConflict(err) {
		return err == nil, err
	}

	reclaimer, ok := s.queue.(TaskReclaimer)
	if !ok {
		return false, nil
	}
	id := taskID(s.keyPrefix, key, rec.Attempt)
	free, err := reclaimer.ReclaimTaskID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("%w: reclaiming task %s: %v", ErrQueueUnavailable, id, err)
	}
	if !free {
		return false, nil
	}

	err = s.submit(ctx, key, rec.Attempt, rec.Kind, rec.Payload, 0)
	if isTaskConflict(err) {
		// another recovery worker got there first
		return false, nil
	}
	return err == nil, err
}

// enqueue submits an attempt. Enqueueing an attempt that is already queued is a no-op.
func (s *Scheduler) enqueue(ctx context.Context, key model.RequestKey, expectedAttempt int, kind string, payload []byte, delay time.Duration) error {
	err := s.submit(ctx, key, expectedAttempt, kind, payload, delay)
	if isTaskConflict(err) {
		return nil
	}
	return err
}

func (s *Scheduler) submit(ctx context.Context, key model.RequestKey, expectedAttempt int, kind string, payload []byte, delay time.Duration) error {
	ctx, span := tracer.Start(ctx, "Scheduling request attempt")
	defer span.End()

	data, err := json.Marshal(executePayload{
		HashedCallerID:  key.HashedCallerID,
		RequestID:       key.RequestID,
		ExpectedAttempt: expectedAttempt,
		Kind:            kind,
		Payload:         payload,
	})
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.TaskID(taskID(s.keyPrefix, key, expectedAttempt)),
		asynq.Queue(s.queueName),
		asynq.MaxRetry(s.deliveryRetries),
		asynq.Timeout(s.policy.AttemptTimeout + settleTimeout),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	_, err = s.queue.EnqueueContext(ctx, asynq.NewTask(TaskTypeExecute, data), opts...)
	if isTaskConflict(err) {
		return err
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

func isTaskConflict(err error) bool {
	return errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask)
}

// ProcessTask is the asynq handler for TaskTypeExecute. It returns an error only when
// redelivering the task can help; unit failures are recorded on the request instead.
func (s *Scheduler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	p, err := decodeExecutePayload(t.Payload())
	if err != nil {
		logrus.WithError(err).Error("dropping malformed request task")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	unit, err := s.registry.Build(p.Kind, p.Payload)
	if err != nil {
		logrus.WithError(err).WithFields(keyFields(p.key())).Error("cannot rebuild unit, failing request")
		unit = unbuildableUnit{kind: p.Kind, payload: p.Payload, err: err}
	}
	return s.Execute(ctx, p.HashedCallerID, p.RequestID, p.ExpectedAttempt, unit)
}

// Execute runs one attempt. It is a no-op when the request is already terminal or its
// attempt counter has moved past expectedAttempt, which makes duplicate deliveries
// harmless.
func (s *Scheduler) Execute(ctx context.Context, hashedCallerID, requestID string, expectedAttempt int, unit Unit) error {
	key := model.RequestKey{HashedCallerID: hashedCallerID, RequestID: requestID}
	ctx, span := tracer.Start(ctx, "Executing request attempt", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.Int("request.expected_attempt", expectedAttempt),
	))
	defer span.End()

	fields := keyFields(key)
	fields["expected_attempt"] = expectedAttempt

	rec, err := s.store.Get(ctx, key)
	if errors.Is(err, database.ErrNotFound) {
		logrus.WithFields(fields).Info("request expired before its attempt ran")
		return nil
	}
	if err != nil {
		return storeError(err)
	}
	if rec.Status.IsTerminal() || rec.Attempt != expectedAttempt {
		logrus.WithFields(fields).WithField("attempt", rec.Attempt).Debug("skipping stale attempt delivery")
		return nil
	}

	release, err := s.leases.Acquire(ctx, key, s.leaseTTL())
	if err != nil {
		// retried by asynq; by then the holder has settled the attempt
		return fmt.Errorf("acquiring lease for %s: %w", key, err)
	}
	defer release()

	claimed, err := s.claim(ctx, key, expectedAttempt)
	if errors.Is(err, database.ErrConflict) || errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := s.runAttempt(ctx, claimed, unit); err != nil {
		// the attempt counter has moved, so a redelivery would be skipped anyway;
		// recovery picks the request up once it looks stuck
		logrus.WithError(err).WithFields(fields).Error("failed to settle request attempt")
	}
	return nil
}

// claim bumps the attempt counter and marks the request processing.
func (s *Scheduler) claim(ctx context.Context, key model.RequestKey, expectedAttempt int) (*model.AsyncRequest, error) {
	rec, err := s.store.ConditionalUpdate(ctx, key,
		database.Expect(expectedAttempt, model.StatusPending, model.StatusProcessing),
		func(r *model.AsyncRequest) {
			r.Attempt++
			r.Status = model.StatusProcessing
		})
	if err != nil {
		if errors.Is(err, database.ErrConflict) || errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
		return nil, storeError(err)
	}
	return rec, nil
}

func (s *Scheduler) leaseTTL() time.Duration {
	return s.policy.AttemptTimeout + settleTimeout
}

// runAttempt invokes unit for the claimed record and settles the outcome.
func (s *Scheduler) runAttempt(ctx context.Context, claimed *model.AsyncRequest, unit Unit) (*model.AsyncRequest, error) {
	attemptCtx, cancel := s.policy.attemptContext(ctx)
	start := time.Now()
	result, runErr := unit.Execute(attemptCtx)
	cancel()

	outcome := observability.OutcomeCompleted
	if unitErr := Classify(runErr); unitErr != nil {
		outcome = string(unitErr.Classification)
	}
	s.metrics.RecordAttempt(ctx, claimed.Kind, outcome, time.Since(start).Seconds())

	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancelSettle()
	return s.settle(settleCtx, claimed, unit, result, runErr)
}

func (s *Scheduler) settle(ctx context.Context, claimed *model.AsyncRequest, unit Unit, result json.RawMessage, runErr error) (*model.AsyncRequest, error) {
	fields := keyFields(claimed.Key())
	fields["attempt"] = claimed.Attempt

	if runErr == nil {
		if result == nil {
			result = json.RawMessage("null")
		}
		return s.finish(ctx, claimed, func(r *model.AsyncRequest) { r.Complete(result) })
	}

	unitErr := Classify(runErr)
	if unitErr.Classification == model.Permanent {
		logrus.WithFields(fields).WithField("code", unitErr.Code).Warn("request failed permanently")
		return s.finish(ctx, claimed, func(r *model.AsyncRequest) {
			r.Fail(&model.RequestError{
				Kind:           model.ErrorKindPermanent,
				Code:           unitErr.Code,
				Message:        messageOf(unitErr),
				UpstreamStatus: unitErr.UpstreamStatus,
			})
		})
	}

	if claimed.Attempt >= s.policy.MaxAttempts {
		rec, err := s.finish(ctx, claimed, func(r *model.AsyncRequest) {
			r.Fail(&model.RequestError{
				Kind:           model.ErrorKindExhaustedRetries,
				Message:        fmt.Sprintf("gave up after %d attempts", claimed.Attempt),
				UpstreamStatus: unitErr.UpstreamStatus,
				LastError:      unitErr.Error(),
			})
		})
		if err == nil && rec.Status == model.StatusFailed && rec.Error != nil && rec.Error.Kind == model.ErrorKindExhaustedRetries {
			logrus.WithFields(fields).WithField("last_error", unitErr.Error()).Warn("request dead-lettered")
			s.metrics.RecordDeadLetter(ctx, claimed.Kind)
			if s.onDeadLetter != nil {
				s.onDeadLetter(ctx, rec)
			}
		}
		return rec, err
	}

	delay := s.policy.Backoff(claimed.Attempt)
	logrus.WithFields(fields).WithError(unitErr).Infof("transient failure, retrying in %s", delay)
	if err := s.enqueue(ctx, claimed.Key(), claimed.Attempt, unit.Kind(), unit.Payload(), delay); err != nil {
		return claimed, err
	}
	s.metrics.RecordRetry(ctx, claimed.Kind)
	return claimed, nil
}

// finish moves the claimed record to a terminal state. Losing the race means somebody
// else settled the attempt, in which case their result is returned.
func (s *Scheduler) finish(ctx context.Context, claimed *model.AsyncRequest, mutate database.Mutation) (*model.AsyncRequest, error) {
	rec, err := s.store.ConditionalUpdate(ctx, claimed.Key(), database.Expect(claimed.Attempt, model.StatusProcessing), mutate)
	if errors.Is(err, database.ErrConflict) {
		current, getErr := s.store.Get(ctx, claimed.Key())
		if getErr != nil {
			return nil, storeError(getErr)
		}
		return current, nil
	}
	if err != nil {
		return nil, storeError(err)
	}
	return rec, nil
}

// LeaseHeld reports whether an attempt of key is running somewhere.
func (s *Scheduler) LeaseHeld(ctx context.Context, key model.RequestKey) (bool, error) {
	return s.leases.Held(ctx, key)
}

func storeError(err error) error {
	if errors.Is(err, database.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}

func messageOf(e *UnitError) string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Classification)
}

func keyFields(key model.RequestKey) logrus.Fields {
	return logrus.Fields{
		"hashed_caller_id": key.HashedCallerID,
		"request_id":       key.RequestID,
	}
}
