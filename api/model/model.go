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
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"github.com/taxgate/taxgate/model"
)

// SubmitReturn is the body of POST /vat/:vrn/returns.
type SubmitReturn struct {
	PeriodKey                    string          `json:"periodKey"`
	VatDueSales                  decimal.Decimal `json:"vatDueSales"`
	VatDueAcquisitions           decimal.Decimal `json:"vatDueAcquisitions"`
	TotalVatDue                  decimal.Decimal `json:"totalVatDue"`
	VatReclaimedCurrPeriod       decimal.Decimal `json:"vatReclaimedCurrPeriod"`
	NetVatDue                    decimal.Decimal `json:"netVatDue"`
	TotalValueSalesExVAT         decimal.Decimal `json:"totalValueSalesExVAT"`
	TotalValuePurchasesExVAT     decimal.Decimal `json:"totalValuePurchasesExVAT"`
	TotalValueGoodsSuppliedExVAT decimal.Decimal `json:"totalValueGoodsSuppliedExVAT"`
	TotalAcquisitionsExVAT       decimal.Decimal `json:"totalAcquisitionsExVAT"`
	Finalised                    bool            `json:"finalised"`
}

func nonNegative(value interface{}) error {
	d, ok := value.(decimal.Decimal)
	if ok && d.IsNegative() {
		return errors.New("must not be negative")
	}
	return nil
}

// wholePounds checks the boxes HMRC only accepts without pence.
func wholePounds(value interface{}) error {
	d, ok := value.(decimal.Decimal)
	if ok && !d.Equal(d.Truncate(0)) {
		return errors.New("must be a whole amount")
	}
	return nil
}

func (r *SubmitReturn) ValidateSubmitReturn() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.PeriodKey, validation.Required, validation.Length(4, 4)),
		validation.Field(&r.TotalVatDue, validation.By(func(interface{}) error {
			if !r.TotalVatDue.Equal(r.VatDueSales.Add(r.VatDueAcquisitions)) {
				return errors.New("must equal vatDueSales plus vatDueAcquisitions")
			}
			return nil
		})),
		validation.Field(&r.NetVatDue, validation.By(nonNegative), validation.By(func(interface{}) error {
			if !r.NetVatDue.Equal(r.TotalVatDue.Sub(r.VatReclaimedCurrPeriod).Abs()) {
				return errors.New("must equal the difference between totalVatDue and vatReclaimedCurrPeriod")
			}
			return nil
		})),
		validation.Field(&r.TotalValueSalesExVAT, validation.By(wholePounds)),
		validation.Field(&r.TotalValuePurchasesExVAT, validation.By(wholePounds)),
		validation.Field(&r.TotalValueGoodsSuppliedExVAT, validation.By(wholePounds), validation.By(nonNegative)),
		validation.Field(&r.TotalAcquisitionsExVAT, validation.By(wholePounds), validation.By(nonNegative)),
		validation.Field(&r.Finalised, validation.Required.Error("the return must be declared final")),
	)
}

func (r *SubmitReturn) ToVATReturn() model.VATReturn {
	return model.VATReturn{
		PeriodKey:                    r.PeriodKey,
		VatDueSales:                  r.VatDueSales,
		VatDueAcquisitions:           r.VatDueAcquisitions,
		TotalVatDue:                  r.TotalVatDue,
		VatReclaimedCurrPeriod:       r.VatReclaimedCurrPeriod,
		NetVatDue:                    r.NetVatDue,
		TotalValueSalesExVAT:         r.TotalValueSalesExVAT,
		TotalValuePurchasesExVAT:     r.TotalValuePurchasesExVAT,
		TotalValueGoodsSuppliedExVAT: r.TotalValueGoodsSuppliedExVAT,
		TotalAcquisitionsExVAT:       r.TotalAcquisitionsExVAT,
		Finalised:                    r.Finalised,
	}
}

// DateRange is the query of the obligations and liabilities endpoints.
type DateRange struct {
	From   string `form:"from"`
	To     string `form:"to"`
	Status string `form:"status"`
}

func (q *DateRange) ValidateDateRange(required bool) error {
	var rules []validation.Rule
	if required {
		rules = append(rules, validation.Required)
	}
	rules = append(rules, validation.Date("2006-01-02"))
	notBeforeFrom := validation.By(func(interface{}) error {
		if q.From != "" && q.To != "" && q.To < q.From {
			return errors.New("must not be before from")
		}
		return nil
	})
	return validation.ValidateStruct(q,
		validation.Field(&q.From, rules...),
		validation.Field(&q.To, append(rules, notBeforeFrom)...),
	)
}

// RequestView is how a request record is rendered to callers. The hashed caller id
// stays internal.
type RequestView struct {
	RequestID string              `json:"request_id"`
	Kind      string              `json:"kind"`
	Status    model.Status        `json:"status"`
	Attempt   int                 `json:"attempt"`
	Result    interface{}         `json:"result,omitempty"`
	Error     *model.RequestError `json:"error,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
}

func NewRequestView(rec *model.AsyncRequest) RequestView {
	view := RequestView{
		RequestID: rec.RequestID,
		Kind:      rec.Kind,
		Status:    rec.Status,
		Attempt:   rec.Attempt,
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if len(rec.Result) > 0 {
		view.Result = rec.Result
	}
	if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.After(rec.CreatedAt) {
		expires := rec.ExpiresAt
		view.ExpiresAt = &expires
	}
	return view
}
