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
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taxgate/taxgate/internal/cache"
	"github.com/taxgate/taxgate/model"
)

const (
	defaultLocalCacheTTL = time.Minute
	maxCacheTTL          = time.Hour
)

// CachedStore serves terminal records from cache. Only terminal records are cached:
// they never change again, so a cached copy can't go stale before it expires.
type CachedStore struct {
	RequestStore
	cache  cache.Cache
	prefix string
}

func NewCachedStore(inner RequestStore, c cache.Cache, prefix string) *CachedStore {
	return &CachedStore{RequestStore: inner, cache: c, prefix: prefix}
}

func (s *CachedStore) cacheKey(key model.RequestKey) string {
	return fmt.Sprintf("%s:cache:%s", s.prefix, key.String())
}

func (s *CachedStore) remember(ctx context.Context, rec *model.AsyncRequest) {
	if rec == nil || !rec.Status.IsTerminal() {
		return
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if ttl > maxCacheTTL {
		ttl = maxCacheTTL
	}
	if err := s.cache.Set(ctx, s.cacheKey(rec.Key()), rec, ttl); err != nil {
		logrus.WithError(err).Warn("failed to cache terminal request record")
	}
}

func (s *CachedStore) Get(ctx context.Context, key model.RequestKey) (*model.AsyncRequest, error) {
	var cached model.AsyncRequest
	found, err := s.cache.Get(ctx, s.cacheKey(key), &cached)
	if err != nil {
		logrus.WithError(err).Warn("request cache lookup failed")
	}
	if found && !cached.IsExpired(time.Now()) {
		return &cached, nil
	}

	rec, err := s.RequestStore.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, rec)
	return rec, nil
}

func (s *CachedStore) CreateIfAbsent(ctx context.Context, rec *model.AsyncRequest) (*model.AsyncRequest, bool, error) {
	stored, created, err := s.RequestStore.CreateIfAbsent(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	s.remember(ctx, stored)
	return stored, created, nil
}

func (s *CachedStore) ConditionalUpdate(ctx context.Context, key model.RequestKey, expect Expectation, mutate Mutation) (*model.AsyncRequest, error) {
	rec, err := s.RequestStore.ConditionalUpdate(ctx, key, expect, mutate)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, rec)
	return rec, nil
}

// Forget and DeleteExpired pass through to the wrapped store when it supports them.
func (s *CachedStore) Forget(ctx context.Context, key model.RequestKey) error {
	if f, ok := s.RequestStore.(Forgetter); ok {
		return f.Forget(ctx, key)
	}
	return nil
}

func (s *CachedStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if r, ok := s.RequestStore.(Reaper); ok {
		return r.DeleteExpired(ctx, now)
	}
	return 0, nil
}
