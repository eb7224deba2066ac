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
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// Cache interface provides the basic operations for a cache system.
type Cache interface {
	// Set stores a value in the cache with a specified time-to-live (TTL).
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Get loads the value stored under key into data. found is false on a cache miss.
	Get(ctx context.Context, key string, data interface{}) (found bool, err error)

	// Delete removes a value from the cache based on the provided key.
	Delete(ctx context.Context, key string) error
}

// RedisCache implements the Cache interface, using Redis as the underlying cache store
// with a local TinyLFU layer in front of it.
type RedisCache struct {
	cache *cache.Cache
}

// DefaultLocalSize is the number of entries kept in the in-process layer.
const DefaultLocalSize = 128000

// NewRedisCache sets up a Redis-backed cache with local caching (TinyLFU).
//
// Parameters:
// - client: The redis client shared with the rest of the process.
// - localSize: Entries kept in process. Zero disables the local layer.
// - localTTL: How long an entry lives in the local layer.
func NewRedisCache(client redis.UniversalClient, localSize int, localTTL time.Duration) *RedisCache {
	opts := &cache.Options{Redis: client}
	if localSize > 0 {
		opts.LocalCache = cache.NewTinyLFU(localSize, localTTL)
	}
	return &RedisCache{cache: cache.New(opts)}
}

// Set adds a new entry to the cache with a specified key and TTL.
func (r *RedisCache) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: data,
		TTL:   ttl,
	})
}

// Get retrieves an entry from the cache based on the provided key.
func (r *RedisCache) Get(ctx context.Context, key string, data interface{}) (bool, error) {
	err := r.cache.Get(ctx, key, data)
	if errors.Is(err, cache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes an entry from the cache based on the provided key.
func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.cache.Delete(ctx, key)
}
