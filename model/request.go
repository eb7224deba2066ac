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

package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of an asynchronous request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next keeps the lifecycle moving
// forward. processing -> processing is allowed because every attempt re-persists it.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusPending || next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// ErrorKind distinguishes why a request ended up failed.
type ErrorKind string

const (
	// ErrorKindPermanent means the upstream rejected the request and retrying cannot help.
	ErrorKindPermanent ErrorKind = "permanent"
	// ErrorKindExhaustedRetries means every attempt failed transiently and we stopped trying.
	ErrorKindExhaustedRetries ErrorKind = "exhausted-retries"
)

// RequestError is the structured failure stored on a failed request.
type RequestError struct {
	Kind           ErrorKind `json:"kind"`
	Code           string    `json:"code,omitempty"`
	Message        string    `json:"message"`
	UpstreamStatus int       `json:"upstream_status,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

func (e *RequestError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Classification is how an execution unit labels its own failure.
type Classification string

const (
	Transient Classification = "transient"
	Permanent Classification = "permanent"
)

// RequestKey identifies one request record. HashedCallerID is never the raw caller identifier.
type RequestKey struct {
	HashedCallerID string `json:"hashed_caller_id"`
	RequestID      string `json:"request_id"`
}

func (k RequestKey) String() string {
	return fmt.Sprintf("%s:%s", k.HashedCallerID, k.RequestID)
}

// AsyncRequest is the durable record of one (caller, request id) pair.
type AsyncRequest struct {
	HashedCallerID string          `json:"hashed_caller_id"`
	RequestID      string          `json:"request_id"`
	Kind           string          `json:"kind"`
	Payload        []byte          `json:"payload,omitempty"`
	Status         Status          `json:"status"`
	Attempt        int             `json:"attempt"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *RequestError   `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// NewAsyncRequest returns a pending record that expires after ttl.
func NewAsyncRequest(key RequestKey, kind string, ttl time.Duration) *AsyncRequest {
	now := time.Now().UTC()
	return &AsyncRequest{
		HashedCallerID: key.HashedCallerID,
		RequestID:      key.RequestID,
		Kind:           kind,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}

func (r *AsyncRequest) Key() RequestKey {
	return RequestKey{HashedCallerID: r.HashedCallerID, RequestID: r.RequestID}
}

// IsExpired reports whether the record is past its expiry instant.
func (r *AsyncRequest) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Complete moves the record to completed with result.
func (r *AsyncRequest) Complete(result json.RawMessage) {
	r.Status = StatusCompleted
	r.Result = result
	r.Error = nil
	r.UpdatedAt = time.Now().UTC()
}

// Fail moves the record to failed with the given descriptor.
func (r *AsyncRequest) Fail(reqErr *RequestError) {
	r.Status = StatusFailed
	r.Error = reqErr
	r.Result = nil
	r.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (r *AsyncRequest) Clone() *AsyncRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}
