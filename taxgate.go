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
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/taxgate/taxgate/config"
	"github.com/taxgate/taxgate/database"
	"github.com/taxgate/taxgate/internal/identity"
	"github.com/taxgate/taxgate/internal/notification"
	"github.com/taxgate/taxgate/internal/observability"
	redis_db "github.com/taxgate/taxgate/internal/redis-db"
)

// redisConnectWait bounds how long startup waits for redis to answer.
const redisConnectWait = 30 * time.Second

// Taxgate wires the dispatcher, scheduler and recovery processor to the configured
// store, queue and redis.
type Taxgate struct {
	Config     *config.Configuration
	Dispatcher *Dispatcher
	Scheduler  *Scheduler
	Registry   *Registry
	Recovery   *StuckRequestRecoveryProcessor
	Metrics    *observability.Metrics

	queue *Queue
	redis *redis_db.Redis
	store database.RequestStore
}

// NewTaxgate connects every backend named by cfg. Without a store the dispatcher runs
// in fallback mode and Scheduler, Recovery and Queue stay nil.
//
// Parameters:
// - cfg *config.Configuration: The loaded configuration.
// - registry *Registry: The unit kinds workers can rebuild.
// - metrics *observability.Metrics: Instruments to record into. May be nil.
//
// Returns:
// - *Taxgate: The assembled service.
// - error: An error if a configured backend cannot be reached.
func NewTaxgate(cfg *config.Configuration, registry *Registry, metrics *observability.Metrics) (*Taxgate, error) {
	if registry == nil {
		registry = NewRegistry()
	}
	t := &Taxgate{Config: cfg, Registry: registry, Metrics: metrics}

	var hasher *identity.Hasher
	if cfg.Identity.Salt != "" {
		h, err := identity.NewHasher([]byte(cfg.Identity.Salt))
		if err != nil {
			return nil, err
		}
		hasher = h
	}

	var redisClient redis.UniversalClient
	if cfg.Redis.Dns != "" {
		r, err := redis_db.NewRedisClient([]string{cfg.Redis.Dns}, cfg.Redis.SkipTLSVerify, redisConnectWait)
		if err != nil {
			return nil, err
		}
		t.redis = r
		redisClient = r.Client()
	}

	store, err := database.NewRequestStore(cfg, redisClient)
	if err != nil {
		t.Close()
		return nil, err
	}
	t.store = store

	if store != nil {
		queue, err := NewQueue(cfg)
		if err != nil {
			t.Close()
			return nil, err
		}
		t.queue = queue

		t.Scheduler = NewScheduler(store, queue, registry, redisClient, cfg)
		t.Scheduler.SetMetrics(metrics)
		t.Scheduler.OnDeadLetter(notification.NotifyDeadLetter)

		t.Recovery = NewStuckRequestRecoveryProcessor(store, t.Scheduler, cfg.Recovery)
		t.Recovery.SetMetrics(metrics)
	}

	t.Dispatcher, err = NewDispatcher(store, t.Scheduler, hasher, DispatchPolicyFromConfig(cfg))
	if err != nil {
		t.Close()
		return nil, err
	}
	t.Dispatcher.SetMetrics(metrics)
	return t, nil
}

// Queue returns the retry queue, or nil in fallback mode.
func (t *Taxgate) Queue() *Queue {
	return t.queue
}

// Redis returns the shared redis client, or nil when redis is not configured.
func (t *Taxgate) Redis() redis.UniversalClient {
	if t.redis == nil {
		return nil
	}
	return t.redis.Client()
}

// Shutdown stops recovery and waits for detached inline attempts before closing
// every connection.
func (t *Taxgate) Shutdown(ctx context.Context) error {
	if t.Recovery != nil {
		t.Recovery.Stop()
	}
	var err error
	if t.Dispatcher != nil {
		if waitErr := t.Dispatcher.Wait(ctx); waitErr != nil {
			logrus.WithError(waitErr).Warn("detached attempts still running at shutdown")
			err = waitErr
		}
	}
	return errors.Join(err, t.Close())
}

// Close releases the queue and redis connections.
func (t *Taxgate) Close() error {
	var errs []error
	if t.queue != nil {
		errs = append(errs, t.queue.Close())
		t.queue = nil
	}
	if t.redis != nil {
		errs = append(errs, t.redis.Close())
		t.redis = nil
	}
	return errors.Join(errs...)
}
