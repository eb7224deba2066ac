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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taxgate/taxgate/config"
	"github.com/taxgate/taxgate/database"
	"github.com/taxgate/taxgate/internal/observability"
	"github.com/taxgate/taxgate/model"
)

// StuckRequestRecoveryProcessor re-drives requests whose execution vanished, for
// example after a worker crashed mid-attempt or a retry task was lost. It also reaps
// expired rows on stores without native expiry.
type StuckRequestRecoveryProcessor struct {
	store          database.RequestStore
	scheduler      *Scheduler
	metrics        *observability.Metrics
	batchSize      int
	maxWorkers     int
	pollInterval   time.Duration
	stuckThreshold time.Duration
	stopCh         chan struct{}
	wg             sync.WaitGroup
	running        bool
	mu             sync.Mutex
}

func NewStuckRequestRecoveryProcessor(store database.RequestStore, scheduler *Scheduler, cfg config.RecoveryConfig) *StuckRequestRecoveryProcessor {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = maxWorkers * 100
	}
	pollInterval := cfg.PollInterval.Duration()
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}

	return &StuckRequestRecoveryProcessor{
		store:          store,
		scheduler:      scheduler,
		batchSize:      batchSize,
		maxWorkers:     maxWorkers,
		pollInterval:   pollInterval,
		stuckThreshold: cfg.StuckThreshold.Duration(),
		stopCh:         make(chan struct{}),
	}
}

func (p *StuckRequestRecoveryProcessor) SetMetrics(m *observability.Metrics) {
	p.metrics = m
}

func (p *StuckRequestRecoveryProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Info("Stuck request recovery processor started")
}

func (p *StuckRequestRecoveryProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Stuck request recovery processor stopped")
}

func (p *StuckRequestRecoveryProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *StuckRequestRecoveryProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Stuck request recovery processor context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Stuck request recovery processor stop signal received")
			return
		case <-ticker.C:
			p.processBatch(ctx)
		}
	}
}

func (p *StuckRequestRecoveryProcessor) processBatch(ctx context.Context) {
	p.RecoverStuck(ctx, p.stuckThreshold)
	p.reapExpired(ctx)
}

// RecoverStuck re-schedules every non-terminal request not updated within threshold
// and returns how many were re-scheduled.
func (p *StuckRequestRecoveryProcessor) RecoverStuck(ctx context.Context, threshold time.Duration) int {
	keys, err := p.store.ListStale(ctx, time.Now().Add(-threshold), p.batchSize)
	if err != nil {
		logrus.Errorf("failed to list stuck requests: %v", err)
		return 0
	}
	if len(keys) == 0 {
		return 0
	}

	logrus.Infof("Processing %d stuck requests with %d workers (threshold=%v)", len(keys), p.maxWorkers, threshold)

	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup
	var mu sync.Mutex
	recovered := 0

	for _, key := range keys {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(k model.RequestKey) {
			defer batchWg.Done()
			defer func() { <-sem }()
			ok, err := p.recoverRequest(ctx, k)
			if err != nil {
				logrus.WithFields(keyFields(k)).Errorf("failed to recover stuck request: %v", err)
				return
			}
			if ok {
				mu.Lock()
				recovered++
				mu.Unlock()
			}
		}(key)
	}

	batchWg.Wait()
	p.metrics.RecordRecovered(ctx, recovered)
	return recovered
}

func (p *StuckRequestRecoveryProcessor) recoverRequest(ctx context.Context, key model.RequestKey) (bool, error) {
	held, err := p.scheduler.LeaseHeld(ctx, key)
	if err != nil {
		return false, err
	}
	if held {
		// an attempt is running right now
		return false, nil
	}

	rec, err := p.store.Get(ctx, key)
	if errors.Is(err, database.ErrNotFound) {
		p.forget(ctx, key)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Status.IsTerminal() {
		p.forget(ctx, key)
		return false, nil
	}

	queued, err := p.scheduler.Reschedule(ctx, rec)
	if err != nil {
		return false, err
	}
	if !queued {
		// its task is still waiting in the queue
		return false, nil
	}
	logrus.WithFields(keyFields(key)).WithField("attempt", rec.Attempt).Info("re-scheduled stuck request")
	return true, nil
}

func (p *StuckRequestRecoveryProcessor) forget(ctx context.Context, key model.RequestKey) {
	f, ok := p.store.(database.Forgetter)
	if !ok {
		return
	}
	if err := f.Forget(ctx, key); err != nil {
		logrus.WithFields(keyFields(key)).Warnf("failed to drop request from the in-flight index: %v", err)
	}
}

func (p *StuckRequestRecoveryProcessor) reapExpired(ctx context.Context) {
	r, ok := p.store.(database.Reaper)
	if !ok {
		return
	}
	n, err := r.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		logrus.Errorf("failed to delete expired requests: %v", err)
		return
	}
	if n > 0 {
		logrus.Infof("Deleted %d expired requests", n)
	}
}
