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
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/taxgate/taxgate/model"
)

// RedisStore keeps each record as a JSON value whose redis TTL is the record expiry.
// Non-terminal records are also indexed in a sorted set scored by UpdatedAt so the
// recovery processor can find work that stopped moving.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	recordTTL time.Duration
}

// NewRedisStore creates a store using keys under prefix. recordTTL is used to prune
// index entries whose records must have expired.
func NewRedisStore(client redis.UniversalClient, prefix string, recordTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, recordTTL: recordTTL}
}

func (s *RedisStore) recordKey(key model.RequestKey) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, key.HashedCallerID, key.RequestID)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":inflight"
}

func indexMember(key model.RequestKey) string {
	return key.String()
}

func parseIndexMember(member string) (model.RequestKey, bool) {
	// hashed caller ids are hex, so the first separator always ends them
	hashed, requestID, ok := strings.Cut(member, ":")
	if !ok || hashed == "" || requestID == "" {
		return model.RequestKey{}, false
	}
	return model.RequestKey{HashedCallerID: hashed, RequestID: requestID}, true
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// CreateIfAbsent stores rec unless a record already exists for its key.
func (s *RedisStore) CreateIfAbsent(ctx context.Context, rec *model.AsyncRequest) (*model.AsyncRequest, bool, error) {
	ctx, span := otel.Tracer("taxgate.store").Start(ctx, "Creating request record in redis")
	defer span.End()

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return nil, false, fmt.Errorf("%w: record already expired", ErrInvalidTransition)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, err
	}

	key := s.recordKey(rec.Key())
	var existing *model.AsyncRequest
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == nil {
			existing, err = decodeRecord(raw)
			return err
		}
		if !errors.Is(err, redis.Nil) {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			if !rec.Status.IsTerminal() {
				pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: score(rec.UpdatedAt), Member: indexMember(rec.Key())})
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// another writer created the record between WATCH and EXEC
		stored, getErr := s.Get(ctx, rec.Key())
		if getErr != nil {
			return nil, false, getErr
		}
		return stored, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err)
	}
	if existing != nil {
		return existing, false, nil
	}
	return rec.Clone(), true, nil
}

// Get returns the record stored under key.
func (s *RedisStore) Get(ctx context.Context, key model.RequestKey) (*model.AsyncRequest, error) {
	ctx, span := otel.Tracer("taxgate.store").Start(ctx, "Fetching request record from redis")
	defer span.End()

	raw, err := s.client.Get(ctx, s.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(time.Now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// ConditionalUpdate applies mutate inside a WATCH/MULTI transaction. A concurrent write
// to the same key aborts the transaction and surfaces as ErrConflict.
func (s *RedisStore) ConditionalUpdate(ctx context.Context, key model.RequestKey, expect Expectation, mutate Mutation) (*model.AsyncRequest, error) {
	ctx, span := otel.Tracer("taxgate.store").Start(ctx, "Conditionally updating request record in redis")
	defer span.End()

	redisKey := s.recordKey(key)
	var updated *model.AsyncRequest
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, redisKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		current, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if current.IsExpired(time.Now()) {
			return ErrNotFound
		}
		if !expect.matches(current) {
			return ErrConflict
		}

		next, err := applyMutation(current, mutate)
		if err != nil {
			return err
		}
		ttl := time.Until(next.ExpiresAt)
		if ttl <= 0 {
			return ErrNotFound
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, data, ttl)
			if next.Status.IsTerminal() {
				pipe.ZRem(ctx, s.indexKey(), indexMember(key))
			} else {
				pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: score(next.UpdatedAt), Member: indexMember(key)})
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}, redisKey)

	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, redis.TxFailedErr):
		return nil, ErrConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
		return nil, err
	default:
		return nil, unavailable(err)
	}
}

// ListStale returns non-terminal keys whose last update is older than olderThan. Index
// entries older than the record TTL belong to expired records and are pruned first.
func (s *RedisStore) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]model.RequestKey, error) {
	ctx, span := otel.Tracer("taxgate.store").Start(ctx, "Listing stale request records in redis")
	defer span.End()

	if s.recordTTL > 0 {
		expiredBefore := time.Now().Add(-s.recordTTL)
		err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", strconv.FormatInt(expiredBefore.UnixMilli(), 10)).Err()
		if err != nil {
			return nil, unavailable(err)
		}
	}

	members, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	keys := make([]model.RequestKey, 0, len(members))
	for _, m := range members {
		if key, ok := parseIndexMember(m); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Forget drops key from the in-flight index. Used when recovery finds the record gone.
func (s *RedisStore) Forget(ctx context.Context, key model.RequestKey) error {
	if err := s.client.ZRem(ctx, s.indexKey(), indexMember(key)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func decodeRecord(raw []byte) (*model.AsyncRequest, error) {
	var rec model.AsyncRequest
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding request record: %w", err)
	}
	return &rec, nil
}
