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

package database

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taxgate/taxgate/model"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "asyncreq", 24*time.Hour), mr
}

func testKey(requestID string) model.RequestKey {
	return model.RequestKey{HashedCallerID: "5f2b9c", RequestID: requestID}
}

func TestRedisStore_CreateIfAbsent(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	rec := model.NewAsyncRequest(testKey("r1"), "vat.obligations", time.Hour)
	stored, created, err := store.CreateIfAbsent(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.StatusPending, stored.Status)

	ttl := mr.TTL("asyncreq:5f2b9c:r1")
	assert.True(t, ttl > 59*time.Minute && ttl <= time.Hour, "unexpected ttl %s", ttl)

	members, err := mr.ZMembers("asyncreq:inflight")
	require.NoError(t, err)
	assert.Equal(t, []string{"5f2b9c:r1"}, members)

	again := model.NewAsyncRequest(testKey("r1"), "vat.obligations", time.Hour)
	again.Attempt = 7
	existing, created, err := store.CreateIfAbsent(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 0, existing.Attempt)
}

func TestRedisStore_CreateIfAbsent_Concurrent(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	var created int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.CreateIfAbsent(ctx, model.NewAsyncRequest(testKey("race"), "k", time.Hour))
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&created, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created)
}

func TestRedisStore_Get_NotFound(t *testing.T) {
	store, _ := newTestRedisStore(t)

	_, err := store.Get(context.Background(), testKey("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_Get_ExpiredByTTL(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, _, err := store.CreateIfAbsent(ctx, model.NewAsyncRequest(testKey("r1"), "k", time.Minute))
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, testKey("r1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_ConditionalUpdate(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, _, err := store.CreateIfAbsent(ctx, model.NewAsyncRequest(testKey("r1"), "k", time.Hour))
	require.NoError(t, err)

	claimed, err := store.ConditionalUpdate(ctx, testKey("r1"), Expect(0, model.StatusPending), func(rec *model.AsyncRequest) {
		rec.Attempt++
		rec.Status = model.StatusProcessing
	})
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.Attempt)
	assert.Equal(t, model.StatusProcessing, claimed.Status)

	// a second claimer expecting the old attempt loses
	_, err = store.ConditionalUpdate(ctx, testKey("r1"), Expect(0, model.StatusPending, model.StatusProcessing), func(rec *model.AsyncRequest) {
		rec.Attempt++
	})
	assert.ErrorIs(t, err, ErrConflict)

	done, err := store.ConditionalUpdate(ctx, testKey("r1"), Expect(1, model.StatusProcessing), func(rec *model.AsyncRequest) {
		rec.Complete(json.RawMessage(`{"periodKey":"18A1"}`))
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)

	members, err := mr.ZMembers("asyncreq:inflight")
	if err == nil {
		assert.Empty(t, members)
	}

	got, err := store.Get(ctx, testKey("r1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"periodKey":"18A1"}`, string(got.Result))
}

func TestRedisStore_ConditionalUpdate_RejectsBackwardTransition(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	_, _, err := store.CreateIfAbsent(ctx, model.NewAsyncRequest(testKey("r1"), "k", time.Hour))
	require.NoError(t, err)
	_, err = store.ConditionalUpdate(ctx, testKey("r1"), Expect(0), func(rec *model.AsyncRequest) {
		rec.Fail(&model.RequestError{Kind: model.ErrorKindPermanent, Message: "rejected"})
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRedisStore_ConditionalUpdate_Missing(t *testing.T) {
	store, _ := newTestRedisStore(t)

	_, err := store.ConditionalUpdate(context.Background(), testKey("nope"), Expect(0), func(rec *model.AsyncRequest) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_ListStale(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	old := model.NewAsyncRequest(testKey("old"), "k", time.Hour)
	old.UpdatedAt = time.Now().Add(-30 * time.Minute)
	_, _, err := store.CreateIfAbsent(ctx, old)
	require.NoError(t, err)

	_, _, err = store.CreateIfAbsent(ctx, model.NewAsyncRequest(testKey("fresh"), "k", time.Hour))
	require.NoError(t, err)

	keys, err := store.ListStale(ctx, time.Now().Add(-10*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []model.RequestKey{testKey("old")}, keys)

	require.NoError(t, store.Forget(ctx, testKey("old")))
	keys, err = store.ListStale(ctx, time.Now().Add(-10*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newTestRedisStore(t)
	mr.Close()

	_, err := store.Get(context.Background(), testKey("r1"))
	assert.ErrorIs(t, err, ErrUnavailable)

	_, _, err = store.CreateIfAbsent(context.Background(), model.NewAsyncRequest(testKey("r1"), "k", time.Hour))
	assert.ErrorIs(t, err, ErrUnavailable)
}
