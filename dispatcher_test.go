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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taxgate/taxgate/database"
	"github.com/taxgate/taxgate/internal/identity"
	"github.com/taxgate/taxgate/model"
)

const testCaller = "caller-1"

func newTestDispatcher(t *testing.T, env *testEnv) *Dispatcher {
	t.Helper()
	hasher, err := identity.NewHasher([]byte("0123456789abcdef"))
	require.NoError(t, err)
	d, err := NewDispatcher(env.store, env.scheduler, hasher, DispatchPolicyFromConfig(env.cfg))
	require.NoError(t, err)
	return d
}

func waitDetached(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestRunShortBudgetGoesAsync(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env)
	unit := &scriptedUnit{kind: "vat.obligations", result: json.RawMessage(`{"ok":true}`)}
	unit.register(env.registry)

	rec, err := d.Run(context.Background(), testCaller, "r1", 50*time.Millisecond, unit)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, rec.Status)
	assert.Equal(t, 0, rec.Attempt)
	assert.Zero(t, unit.calls.Load())
	assert.Equal(t, 1, env.queue.len())

	env.queue.drain(t, env.scheduler)

	status, err := d.GetStatus(context.Background(), testCaller, "r1")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, model.StatusCompleted, status.Status)
	assert.Equal(t, 1, status.Attempt)
	assert.JSONEq(t, `{"ok":true}`, string(status.Result))
}

func TestRunLongBudgetCompletesInline(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env)
	unit := &scriptedUnit{kind: "vat.obligations", result: json.RawMessage(`{"ok":true}`)}

	rec, err := d.Run(context.Background(), testCaller, "r2", time.Second, unit)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, 1, rec.Attempt)
	assert.Zero(t, env.queue.len())
}

func TestRunRoutesOnThreshold(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env)
	threshold := env.cfg.Dispatch.SyncThreshold.Duration()

	below, err := d.Run(context.Background(), testCaller, "below", threshold-time.Millisecond, &scriptedUnit{kind: "k"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, below.Status)

	at, err := d.Run(context.Background(), testCaller, "at", threshold, &scriptedUnit{kind: "k"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, at.Status)
}

func TestRunHandsOffWhenBudgetRunsOut(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env)
	unit := &scriptedUnit{kind: "k", delay: 400 * time.Millisecond, result: json.RawMessage(`1`)}

	start := time.Now()
	rec, err := d.Run(context.Background(), testCaller, "slow", 150*time.Millisecond, unit)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, model.StatusProcessing, rec.Status)
	assert.Equal(t, 1, rec.Attempt)

	waitDetached(t, d)

	status, err := d.GetStatus(context.Background(), testCaller, "slow")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, status.Status)
	assert.Equal(t, int32(1), unit.calls.Load())
}

func TestRunInlineTransientFailureRetriesInBackground(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env)
	down := Transient(errors.New("gateway down"))
	unit := &scriptedUnit{kind: "vat.liabilities", errs: []error{down, down, down}}
	unit.register(env.registry)

	rec, err := d.Run(context.Background(), testCaller, "r3", time.Second, unit)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, rec.Status)
	assert.Equal(t, 1, rec.Attempt)

	env.queue.drain(t, env.scheduler)

	status, err := d.GetStatus(context.Background(), testCaller, "r3")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, status.Status)
	assert.Equal(t, 3, status.Attempt)
	assert.Equal(t, model.ErrorKindExhaustedRetries, status.Error.Kind)
}

func TestRunReplaysTerminalRecord(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env)
	unit := &scriptedUnit{kind: "k", result: json.RawMessage(`{"n":1}`)}

	first, err := d.Run(context.Background(), testCaller, "r2", time.Second, unit)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := d.Run(context.Background(), testCaller, "r2", time.Second, unit)
		require.NoError(t, err)
		assert.Equal(t, first.Status, again.Status)
		assert.JSONEq(t, string(first.Result), string(again.Result))
	}
	assert.Equal(t, int32(1), unit.calls.Load())
}

func TestRunReturnsInFlightRecord(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env)

	_, err := d.Run(context.Background(), testCaller, "r1", 0, &scriptedUnit{kind: "k"})
	require.NoError(t, err)

	unit := &scriptedUnit{kind: "k"}
	rec, err := d.Run(context.Background(), testCaller, "r1", time.Second, unit)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, rec.Status)
	assert.Zero(t, unit.calls.Load())
	assert.Equal(t, 1, env.queue.len())
}

func TestRunKeepsCallersApart(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env)

	a, err := d.Run(context.Background(), "caller-a", "same-id", time.Second, &scriptedUnit{kind: "k", result: json.RawMessage(`"a"`)})
	require.NoError(t, err)
	b, err := d.Run(context.Background(), "caller-b", "same-id", time.Second, &scriptedUnit{kind: "k", result: json.RawMessage(`"b"`)})
	require.NoError(t, err)

	assert.Equal(t, `"a"`, string(a.Result))
	assert.Equal(t, `"b"`, string(b.Result))
	assert.NotEqual(t, a.HashedCallerID, b.HashedCallerID)
	assert.NotContains(t, a.HashedCallerID, "caller-a")
}

func TestRunRejectsInvalidInputBeforeWriting(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env)
	unit := &scriptedUnit{kind: "k"}

	for _, id := range []string{"", "has space", "-leading", strings.Repeat("a", MaxRequestIDLength+1)} {
		_, err := d.Run(context.Background(), testCaller, id, time.Second, unit)
		assert.True(t, errors.Is(err, ErrInvalidRequestID), id)
	}

	_, err := d.Run(context.Background(), "", "r1", time.Second, unit)
	assert.True(t, errors.Is(err, ErrInvalidCallerID))

	assert.Empty(t, env.mr.Keys())
	assert.Zero(t, unit.calls.Load())
}

func TestRunStoreUnavailable(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env)
	env.mr.Close()

	_, err := d.Run(context.Background(), testCaller, "r1", time.Second, &scriptedUnit{kind: "k"})
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, database.ErrUnavailable))
}

func TestRunQueueUnavailable(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env)
	env.queue.failWith = errors.New("connection refused")

	_, err := d.Run(context.Background(), testCaller, "r1", 0, &scriptedUnit{kind: "k"})
	assert.True(t, errors.Is(err, ErrQueueUnavailable))
}

func TestGetStatusUnknownRequest(t *testing.T) {
	env := newTestEnv(t)
	d := newTestDispatcher(t, env)

	rec, err := d.GetStatus(context.Background(), testCaller, "never-seen")
	assert.NoError(t, err)
	assert.Nil(t, rec)

	_, err = d.GetStatus(context.Background(), testCaller, "bad id")
	assert.True(t, errors.Is(err, ErrInvalidRequestID))
}

func TestNewDispatcherNeedsSchedulerWithStore(t *testing.T) {
	env := newTestEnv(t)
	_, err := NewDispatcher(env.store, nil, nil, DispatchPolicyFromConfig(env.cfg))
	assert.Error(t, err)
}

func newFallbackDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(nil, nil, nil, DispatchPolicyFromConfig(testConfig()))
	require.NoError(t, err)
	assert.False(t, d.Persistent())
	return d
}

func TestFallbackRunsInlineRegardlessOfBudget(t *testing.T) {
	d := newFallbackDispatcher(t)
	down := Transient(errors.New("gateway down"))
	unit := &scriptedUnit{kind: "k", errs: []error{down, down}, result: json.RawMessage(`{"ok":true}`)}

	rec, err := d.Run(context.Background(), testCaller, "r1", 0, unit)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, 3, rec.Attempt)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Result))

	status, err := d.GetStatus(context.Background(), testCaller, "r1")
	assert.NoError(t, err)
	assert.Nil(t, status)
}

func TestFallbackWithoutAttemptTimeout(t *testing.T) {
	d, err := NewDispatcher(nil, nil, nil, DispatchPolicy{Retry: RetryPolicy{MaxAttempts: 1}})
	require.NoError(t, err)
	unit := &scriptedUnit{kind: "k", delay: 20 * time.Millisecond, result: json.RawMessage(`{"ok":true}`)}

	rec, err := d.Run(context.Background(), testCaller, "r1", time.Second, unit)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, 1, rec.Attempt)
	assert.Equal(t, int32(1), unit.calls.Load())
}

func TestFallbackFailures(t *testing.T) {
	d := newFallbackDispatcher(t)
	down := Transient(errors.New("gateway down"))

	exhausted, err := d.Run(context.Background(), testCaller, "r1", time.Second,
		&scriptedUnit{kind: "k", errs: []error{down, down, down, down}})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, exhausted.Status)
	assert.Equal(t, 3, exhausted.Attempt)
	assert.Equal(t, model.ErrorKindExhaustedRetries, exhausted.Error.Kind)

	unit := &scriptedUnit{kind: "k", errs: []error{Permanent("VRN_INVALID", "bad vrn")}}
	permanent, err := d.Run(context.Background(), testCaller, "r2", time.Second, unit)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, permanent.Status)
	assert.Equal(t, model.ErrorKindPermanent, permanent.Error.Kind)
	assert.Equal(t, "VRN_INVALID", permanent.Error.Code)
	assert.Equal(t, int32(1), unit.calls.Load())
}
