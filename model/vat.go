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
	"github.com/shopspring/decimal"
)

// Unit kinds for the VAT operations.
const (
	KindSubmitReturn = "vat.submit-return"
	KindObligations  = "vat.obligations"
	KindLiabilities  = "vat.liabilities"
)

// VATReturn is the nine-box VAT return submitted for one period.
type VATReturn struct {
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

// SubmitReturn is the payload of a vat.submit-return unit.
type SubmitReturn struct {
	VRN    string    `json:"vrn"`
	Return VATReturn `json:"return"`
}

// ObligationsQuery is the payload of a vat.obligations unit. Dates are YYYY-MM-DD.
type ObligationsQuery struct {
	VRN    string `json:"vrn"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Status string `json:"status,omitempty"`
}

// LiabilitiesQuery is the payload of a vat.liabilities unit.
type LiabilitiesQuery struct {
	VRN  string `json:"vrn"`
	From string `json:"from"`
	To   string `json:"to"`
}
