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
	"errors"
	"fmt"
	"time"

	"github.com/taxgate/taxgate/model"
)

var (
	// ErrNotFound is returned for records that never existed or have expired.
	ErrNotFound = errors.New("request not found")
	// ErrConflict is returned when a conditional update finds a different attempt or status
	// than expected, or loses a race against a concurrent writer.
	ErrConflict = errors.New("request was modified concurrently")
	// ErrInvalidTransition is returned when a mutation would break the record lifecycle.
	ErrInvalidTransition = errors.New("invalid request state transition")
	// ErrUnavailable wraps every backend failure.
	ErrUnavailable = errors.New("request store unavailable")
)

// Expectation is the state a conditional update requires before it applies.
type Expectation struct {
	Attempt  int
	Statuses []model.Status
}

// Expect builds an expectation on attempt and any of statuses.
func Expect(attempt int, statuses ...model.Status) Expectation {
	return Expectation{Attempt: attempt, Statuses: statuses}
}

func (e Expectation) matches(rec *model.AsyncRequest) bool {
	if rec.Attempt != e.Attempt {
		return false
	}
	if len(e.Statuses) == 0 {
		return true
	}
	for _, s := range e.Statuses {
		if rec.Status == s {
			return true
		}
	}
	return false
}

// Mutation edits a copy of the stored record.
type Mutation func(rec *model.AsyncRequest)

// RequestStore persists one AsyncRequest per (hashed caller, request id).
type RequestStore interface {
	// CreateIfAbsent stores rec unless a live record already exists for its key.
	// It returns the stored record and whether this call created it.
	CreateIfAbsent(ctx context.Context, rec *model.AsyncRequest) (*model.AsyncRequest, bool, error)

	// ConditionalUpdate applies mutate only when the stored record matches expect.
	ConditionalUpdate(ctx context.Context, key model.RequestKey, expect Expectation, mutate Mutation) (*model.AsyncRequest, error)

	// Get returns the live record for key or ErrNotFound.
	Get(ctx context.Context, key model.RequestKey) (*model.AsyncRequest, error)

	// ListStale returns keys of non-terminal records last updated before olderThan.
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]model.RequestKey, error)
}

// Forgetter is implemented by stores that keep a separate in-flight index.
type Forgetter interface {
	Forget(ctx context.Context, key model.RequestKey) error
}

// Reaper is implemented by stores without native key expiry.
type Reaper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// applyMutation runs mutate on a copy of current and checks that the result keeps every
// record invariant: same key, forward-only status, non-decreasing attempt, result only on
// completion and error only on failure.
func applyMutation(current *model.AsyncRequest, mutate Mutation) (*model.AsyncRequest, error) {
	next := current.Clone()
	mutate(next)

	if next.HashedCallerID != current.HashedCallerID || next.RequestID != current.RequestID {
		return nil, fmt.Errorf("%w: key cannot change", ErrInvalidTransition)
	}
	if !next.Status.IsValid() || !current.Status.CanTransitionTo(next.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next.Status)
	}
	if next.Attempt < current.Attempt {
		return nil, fmt.Errorf("%w: attempt cannot decrease", ErrInvalidTransition)
	}
	if next.Result != nil && next.Status != model.StatusCompleted {
		return nil, fmt.Errorf("%w: result set on %s record", ErrInvalidTransition, next.Status)
	}
	if next.Error != nil && next.Status != model.StatusFailed {
		return nil, fmt.Errorf("%w: error set on %s record", ErrInvalidTransition, next.Status)
	}

	next.CreatedAt = current.CreatedAt
	next.ExpiresAt = current.ExpiresAt
	next.UpdatedAt = time.Now().UTC()
	return next, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
