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

// Package upstream talks to the tax authority gateway.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/taxgate/taxgate/config"
	"github.com/taxgate/taxgate/internal/request"
	"github.com/taxgate/taxgate/model"
)

// Error is a failed gateway call. Transient reports whether trying again may succeed.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("gateway unreachable: %s", e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("gateway returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Client is a JSON client for the gateway.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(cfg config.UpstreamConfig) *Client {
	return NewClientWithHTTP(cfg.BaseURL, cfg.Token, &http.Client{Timeout: cfg.Timeout.Duration()})
}

func NewClientWithHTTP(baseURL, token string, hc *http.Client) *Client {
	return &Client{baseURL: baseURL, token: token, http: hc}
}

// SubmitReturn files a VAT return for the given VRN.
func (c *Client) SubmitReturn(ctx context.Context, vrn string, ret model.VATReturn) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodPost, fmt.Sprintf("/organisations/vat/%s/returns", url.PathEscape(vrn)), nil, ret)
}

// Obligations lists the VAT obligations matching q.
func (c *Client) Obligations(ctx context.Context, q model.ObligationsQuery) (json.RawMessage, error) {
	query := url.Values{}
	setIfPresent(query, "from", q.From)
	setIfPresent(query, "to", q.To)
	setIfPresent(query, "status", q.Status)
	return c.Do(ctx, http.MethodGet, fmt.Sprintf("/organisations/vat/%s/obligations", url.PathEscape(q.VRN)), query, nil)
}

// Liabilities lists the VAT liabilities in the date range of q.
func (c *Client) Liabilities(ctx context.Context, q model.LiabilitiesQuery) (json.RawMessage, error) {
	query := url.Values{}
	setIfPresent(query, "from", q.From)
	setIfPresent(query, "to", q.To)
	return c.Do(ctx, http.MethodGet, fmt.Sprintf("/organisations/vat/%s/liabilities", url.PathEscape(q.VRN)), query, nil)
}

// Do sends one request and returns the raw JSON body. Failures are *Error values.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := request.ToJsonReq(body)
		if err != nil {
			return nil, &Error{Code: "INVALID_PAYLOAD", Message: err.Error(), Err: err}
		}
		reader = buf
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &Error{Code: "INVALID_REQUEST", Message: err.Error(), Err: err}
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	var out json.RawMessage
	if _, err := request.CallWithClient(c.http, req, &out); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify labels a failed call: network errors, timeouts, 408, 429 and 5xx are
// transient; any other status is permanent.
func classify(err error) *Error {
	var httpErr *request.HTTPError
	if !errors.As(err, &httpErr) {
		return &Error{Message: err.Error(), Transient: true, Err: err}
	}

	var body errorBody
	_ = json.Unmarshal(httpErr.Body, &body)
	if body.Message == "" {
		body.Message = http.StatusText(httpErr.StatusCode)
	}

	status := httpErr.StatusCode
	return &Error{
		StatusCode: status,
		Code:       body.Code,
		Message:    body.Message,
		Transient:  status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout,
		Err:        err,
	}
}

func setIfPresent(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}
