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

// Package vat provides the execution units for the VAT gateway operations.
package vat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/taxgate/taxgate"
	"github.com/taxgate/taxgate/internal/upstream"
	"github.com/taxgate/taxgate/model"
)

// Gateway is the subset of the upstream client the units call.
type Gateway interface {
	SubmitReturn(ctx context.Context, vrn string, ret model.VATReturn) (json.RawMessage, error)
	Obligations(ctx context.Context, q model.ObligationsQuery) (json.RawMessage, error)
	Liabilities(ctx context.Context, q model.LiabilitiesQuery) (json.RawMessage, error)
}

// Register adds every VAT unit kind to registry.
func Register(registry *taxgate.Registry, gw Gateway) {
	registry.Register(model.KindSubmitReturn, func(payload []byte) (taxgate.Unit, error) {
		var p model.SubmitReturn
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", model.KindSubmitReturn, err)
		}
		return NewSubmitReturnUnit(gw, p)
	})
	registry.Register(model.KindObligations, func(payload []byte) (taxgate.Unit, error) {
		var q model.ObligationsQuery
		if err := json.Unmarshal(payload, &q); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", model.KindObligations, err)
		}
		return NewObligationsUnit(gw, q)
	})
	registry.Register(model.KindLiabilities, func(payload []byte) (taxgate.Unit, error) {
		var q model.LiabilitiesQuery
		if err := json.Unmarshal(payload, &q); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", model.KindLiabilities, err)
		}
		return NewLiabilitiesUnit(gw, q)
	})
}

type unit struct {
	kind    string
	payload []byte
	call    func(ctx context.Context) (json.RawMessage, error)
}

func (u *unit) Kind() string    { return u.kind }
func (u *unit) Payload() []byte { return u.payload }

func (u *unit) Execute(ctx context.Context) (json.RawMessage, error) {
	out, err := u.call(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func newUnit(kind string, v interface{}, call func(ctx context.Context) (json.RawMessage, error)) (*unit, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &unit{kind: kind, payload: payload, call: call}, nil
}

// vrnRules accepts a 9 digit VAT registration number.
var vrnRules = []validation.Rule{validation.Required, validation.Length(9, 9), is.Digit}

// NewSubmitReturnUnit files ret for its VRN.
func NewSubmitReturnUnit(gw Gateway, p model.SubmitReturn) (taxgate.Unit, error) {
	err := validation.ValidateStruct(&p,
		validation.Field(&p.VRN, vrnRules...),
	)
	if err != nil {
		return nil, err
	}
	if err := validation.Validate(p.Return.PeriodKey, validation.Required, validation.Length(4, 4)); err != nil {
		return nil, fmt.Errorf("periodKey: %w", err)
	}
	return newUnit(model.KindSubmitReturn, p, func(ctx context.Context) (json.RawMessage, error) {
		return gw.SubmitReturn(ctx, p.VRN, p.Return)
	})
}

// NewObligationsUnit reads the obligations matching q.
func NewObligationsUnit(gw Gateway, q model.ObligationsQuery) (taxgate.Unit, error) {
	err := validation.ValidateStruct(&q,
		validation.Field(&q.VRN, vrnRules...),
		validation.Field(&q.From, validation.Date(dateLayout)),
		validation.Field(&q.To, validation.Date(dateLayout)),
		validation.Field(&q.Status, validation.In("O", "F")),
	)
	if err != nil {
		return nil, err
	}
	return newUnit(model.KindObligations, q, func(ctx context.Context) (json.RawMessage, error) {
		return gw.Obligations(ctx, q)
	})
}

// NewLiabilitiesUnit reads the liabilities in the range of q.
func NewLiabilitiesUnit(gw Gateway, q model.LiabilitiesQuery) (taxgate.Unit, error) {
	err := validation.ValidateStruct(&q,
		validation.Field(&q.VRN, vrnRules...),
		validation.Field(&q.From, validation.Required, validation.Date(dateLayout)),
		validation.Field(&q.To, validation.Required, validation.Date(dateLayout)),
	)
	if err != nil {
		return nil, err
	}
	return newUnit(model.KindLiabilities, q, func(ctx context.Context) (json.RawMessage, error) {
		return gw.Liabilities(ctx, q)
	})
}

// classify turns gateway failures into unit errors. Anything else is left for
// taxgate.Classify, which treats it as transient.
func classify(err error) error {
	var upErr *upstream.Error
	if !errors.As(err, &upErr) {
		return err
	}
	if upErr.Transient {
		unitErr := taxgate.Transient(upErr)
		unitErr.UpstreamStatus = upErr.StatusCode
		return unitErr
	}
	code := upErr.Code
	if code == "" {
		code = fmt.Sprintf("upstream_%d", upErr.StatusCode)
	}
	unitErr := taxgate.Permanent(code, upErr.Message)
	unitErr.UpstreamStatus = upErr.StatusCode
	unitErr.Err = upErr
	return unitErr
}

const dateLayout = "2006-01-02"
