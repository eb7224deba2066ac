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

package api

import (
	"github.com/gin-gonic/gin"

	model2 "github.com/taxgate/taxgate/api/model"
	"github.com/taxgate/taxgate/internal/apierror"
	"github.com/taxgate/taxgate/internal/vat"
	"github.com/taxgate/taxgate/model"
)

func invalidInput(c *gin.Context, err error) {
	abortWithError(c, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil))
}

func (a Api) SubmitReturn(c *gin.Context) {
	var body model2.SubmitReturn
	if err := c.ShouldBindJSON(&body); err != nil {
		invalidInput(c, err)
		return
	}
	if err := body.ValidateSubmitReturn(); err != nil {
		invalidInput(c, err)
		return
	}

	unit, err := vat.NewSubmitReturnUnit(a.gateway, model.SubmitReturn{VRN: c.Param("vrn"), Return: body.ToVATReturn()})
	if err != nil {
		invalidInput(c, err)
		return
	}
	a.dispatch(c, unit)
}

func (a Api) GetObligations(c *gin.Context) {
	var q model2.DateRange
	if err := c.ShouldBindQuery(&q); err != nil {
		invalidInput(c, err)
		return
	}
	if err := q.ValidateDateRange(false); err != nil {
		invalidInput(c, err)
		return
	}

	unit, err := vat.NewObligationsUnit(a.gateway, model.ObligationsQuery{
		VRN: c.Param("vrn"), From: q.From, To: q.To, Status: q.Status,
	})
	if err != nil {
		invalidInput(c, err)
		return
	}
	a.dispatch(c, unit)
}

func (a Api) GetLiabilities(c *gin.Context) {
	var q model2.DateRange
	if err := c.ShouldBindQuery(&q); err != nil {
		invalidInput(c, err)
		return
	}
	if err := q.ValidateDateRange(true); err != nil {
		invalidInput(c, err)
		return
	}

	unit, err := vat.NewLiabilitiesUnit(a.gateway, model.LiabilitiesQuery{VRN: c.Param("vrn"), From: q.From, To: q.To})
	if err != nil {
		invalidInput(c, err)
		return
	}
	a.dispatch(c, unit)
}
