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
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/taxgate/taxgate/config"
)

// RetryPolicy bounds how often and how slowly a request is retried.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// RetryPolicyFromConfig reads the policy from the retry section.
func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      cfg.BaseDelay.Duration(),
		MaxDelay:       cfg.MaxDelay.Duration(),
		AttemptTimeout: cfg.AttemptTimeout.Duration(),
	}
}

// attemptContext bounds one attempt by AttemptTimeout. A zero timeout leaves the
// attempt bounded only by ctx.
func (p RetryPolicy) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.AttemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.AttemptTimeout)
}

// exponential returns a fresh jitter-free exponential backoff for the policy.
func (p RetryPolicy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Backoff is the delay before the retry that follows attempt:
// min(base * 2^(attempt-1), max).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.exponential()
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
		if delay >= p.MaxDelay {
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
