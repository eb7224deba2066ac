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

package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taxgate/taxgate/model"
)

const testBaseURL = "https://gateway.test"

func newMockedClient(t *testing.T) *Client {
	t.Helper()
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	t.Cleanup(httpmock.DeactivateAndReset)
	return NewClientWithHTTP(testBaseURL, "secret-token", hc)
}

func TestSubmitReturnSendsReturnWithBearerToken(t *testing.T) {
	client := newMockedClient(t)

	var gotAuth, gotBody string
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/organisations/vat/123456789/returns",
		func(req *http.Request) (*http.Response, error) {
			gotAuth = req.Header.Get("Authorization")
			body, _ := io.ReadAll(req.Body)
			gotBody = string(body)
			return httpmock.NewStringResponse(http.StatusCreated, `{"formBundleNumber":"256660290587"}`), nil
		})

	ret := model.VATReturn{PeriodKey: "24A1", VatDueSales: decimal.RequireFromString("105.50"), Finalised: true}
	out, err := client.SubmitReturn(context.Background(), "123456789", ret)
	require.NoError(t, err)

	assert.JSONEq(t, `{"formBundleNumber":"256660290587"}`, string(out))
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Contains(t, gotBody, `"periodKey":"24A1"`)
	assert.Contains(t, gotBody, `"vatDueSales":"105.5"`)
}

func TestObligationsEncodesQuery(t *testing.T) {
	client := newMockedClient(t)

	httpmock.RegisterResponderWithQuery(http.MethodGet, testBaseURL+"/organisations/vat/123456789/obligations",
		map[string]string{"from": "2024-01-01", "to": "2024-12-31", "status": "O"},
		httpmock.NewStringResponder(http.StatusOK, `{"obligations":[]}`))

	out, err := client.Obligations(context.Background(), model.ObligationsQuery{
		VRN: "123456789", From: "2024-01-01", To: "2024-12-31", Status: "O",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"obligations":[]}`, string(out))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
		code      string
		message   string
	}{
		{"server error", http.StatusBadGateway, `{"code":"SERVER_ERROR","message":"try later"}`, true, "SERVER_ERROR", "try later"},
		{"rate limited", http.StatusTooManyRequests, `{}`, true, "", "Too Many Requests"},
		{"request timeout", http.StatusRequestTimeout, ``, true, "", "Request Timeout"},
		{"invalid vrn", http.StatusBadRequest, `{"code":"VRN_INVALID","message":"bad vrn"}`, false, "VRN_INVALID", "bad vrn"},
		{"duplicate", http.StatusForbidden, `{"code":"DUPLICATE_SUBMISSION","message":"already filed"}`, false, "DUPLICATE_SUBMISSION", "already filed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockedClient(t)
			httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/organisations/vat/1/liabilities",
				httpmock.NewStringResponder(tt.status, tt.body))

			_, err := client.Liabilities(context.Background(), model.LiabilitiesQuery{VRN: "1"})
			require.Error(t, err)

			var upErr *Error
			require.True(t, errors.As(err, &upErr))
			assert.Equal(t, tt.status, upErr.StatusCode)
			assert.Equal(t, tt.transient, upErr.Transient)
			assert.Equal(t, tt.code, upErr.Code)
			assert.Equal(t, tt.message, upErr.Message)
		})
	}
}

func TestTransportErrorIsTransient(t *testing.T) {
	client := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodGet, testBaseURL+"/organisations/vat/1/liabilities",
		httpmock.NewErrorResponder(errors.New("connection reset")))

	_, err := client.Liabilities(context.Background(), model.LiabilitiesQuery{VRN: "1"})

	var upErr *Error
	require.True(t, errors.As(err, &upErr))
	assert.True(t, upErr.Transient)
	assert.Zero(t, upErr.StatusCode)
	assert.Contains(t, upErr.Error(), "gateway unreachable")
}
