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
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/taxgate/taxgate/model"
)

var ErrUnknownUnitKind = errors.New("unknown unit kind")

// Unit is one upstream operation. Kind and Payload are persisted with the request so a
// worker in another process can rebuild the unit through a Registry.
type Unit interface {
	Kind() string
	Payload() []byte
	Execute(ctx context.Context) (json.RawMessage, error)
}

// UnitError is a classified unit failure.
type UnitError struct {
	Classification model.Classification
	Code           string
	Message        string
	UpstreamStatus int
	Err            error
}

func (e *UnitError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s failure (%s): %s", e.Classification, e.Code, msg)
	}
	return fmt.Sprintf("%s failure: %s", e.Classification, msg)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) *UnitError {
	return &UnitError{Classification: model.Transient, Err: err}
}

// Permanent reports a failure that retrying cannot fix.
func Permanent(code, message string) *UnitError {
	return &UnitError{Classification: model.Permanent, Code: code, Message: message}
}

// Classify returns the UnitError carried by err. Anything a unit did not classify
// itself, including deadlines and network errors, is transient.
func Classify(err error) *UnitError {
	if err == nil {
		return nil
	}
	var unitErr *UnitError
	if errors.As(err, &unitErr) {
		return unitErr
	}
	return Transient(err)
}

// UnitBuilder rebuilds a unit from its persisted payload.
type UnitBuilder func(payload []byte) (Unit, error)

// Registry maps unit kinds to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]UnitBuilder
}

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]UnitBuilder)}
}

// Register adds a builder for kind, replacing any previous one.
func (r *Registry) Register(kind string, builder UnitBuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = builder
}

// Build rebuilds the unit of the given kind.
func (r *Registry) Build(kind string, payload []byte) (Unit, error) {
	r.mu.RLock()
	builder, ok := r.builders[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnitKind, kind)
	}
	return builder(payload)
}

// Kinds lists the registered unit kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.builders))
	for k := range r.builders {
		kinds = append(kinds, k)
	}
	return kinds
}

// FuncUnit adapts a function to Unit.
type FuncUnit struct {
	kind    string
	payload []byte
	fn      func(ctx context.Context, payload []byte) (json.RawMessage, error)
}

func NewFuncUnit(kind string, payload []byte, fn func(ctx context.Context, payload []byte) (json.RawMessage, error)) *FuncUnit {
	return &FuncUnit{kind: kind, payload: payload, fn: fn}
}

func (u *FuncUnit) Kind() string    { return u.kind }
func (u *FuncUnit) Payload() []byte { return u.payload }

func (u *FuncUnit) Execute(ctx context.Context) (json.RawMessage, error) {
	return u.fn(ctx, u.payload)
}

// RegisterFunc registers fn as the implementation of kind.
func (r *Registry) RegisterFunc(kind string, fn func(ctx context.Context, payload []byte) (json.RawMessage, error)) {
	r.Register(kind, func(payload []byte) (Unit, error) {
		return NewFuncUnit(kind, payload, fn), nil
	})
}

// unbuildableUnit stands in for a unit whose kind or payload cannot be rebuilt, so the
// request still reaches a terminal state.
type unbuildableUnit struct {
	kind    string
	payload []byte
	err     error
}

func (u unbuildableUnit) Kind() string    { return u.kind }
func (u unbuildableUnit) Payload() []byte { return u.payload }

func (u unbuildableUnit) Execute(context.Context) (json.RawMessage, error) {
	return nil, Permanent("unit_unavailable", u.err.Error())
}
