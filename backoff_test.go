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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/taxgate/taxgate/config"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}

	expected := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, want := range expected {
		assert.Equal(t, want, p.Backoff(i+1), "attempt %d", i+1)
	}
}

func TestBackoffIsMonotonic(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 20, BaseDelay: 150 * time.Millisecond, MaxDelay: 7 * time.Second}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
}

func TestBackoffClampsAttemptBelowOne(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute}
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(-3))
}

func TestAttemptContext(t *testing.T) {
	ctx, cancel := RetryPolicy{}.attemptContext(context.Background())
	defer cancel()
	_, hasDeadline := ctx.Deadline()
	assert.False(t, hasDeadline)
	assert.NoError(t, ctx.Err())

	bounded, cancelBounded := RetryPolicy{AttemptTimeout: time.Minute}.attemptContext(context.Background())
	defer cancelBounded()
	deadline, hasDeadline := bounded.Deadline()
	assert.True(t, hasDeadline)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, time.Second)
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := RetryPolicyFromConfig(config.RetryConfig{
		MaxAttempts:    4,
		BaseDelay:      config.Duration(time.Second),
		MaxDelay:       config.Duration(time.Minute),
		AttemptTimeout: config.Duration(5 * time.Second),
	})
	assert.Equal(t, RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: time.Minute, AttemptTimeout: 5 * time.Second}, p)
}
