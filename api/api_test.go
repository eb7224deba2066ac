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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taxgate/taxgate"
	model2 "github.com/taxgate/taxgate/api/model"
	"github.com/taxgate/taxgate/api/middleware"
	"github.com/taxgate/taxgate/config"
	"github.com/taxgate/taxgate/database"
	"github.com/taxgate/taxgate/internal/identity"
	"github.com/taxgate/taxgate/internal/upstream"
	"github.com/taxgate/taxgate/model"
)

type fakeGateway struct {
	mu    sync.Mutex
	out   json.RawMessage
	err   error
	calls int
}

func (f *fakeGateway) call() (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.out, f.err
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeGateway) SubmitReturn(context.Context, string, model.VATReturn) (json.RawMessage, error) {
	return f.call()
}

func (f *fakeGateway) Obligations(context.Context, model.ObligationsQuery) (json.RawMessage, error) {
	return f.call()
}

func (f *fakeGateway) Liabilities(context.Context, model.LiabilitiesQuery) (json.RawMessage, error) {
	return f.call()
}

// recordingQueue accepts tasks without running them.
type recordingQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (q *recordingQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func testConfig() *config.Configuration {
	cfg := config.Defaults()
	cfg.Dispatch.SyncThreshold = config.Duration(100 * time.Millisecond)
	cfg.Dispatch.SafetyMargin = config.Duration(10 * time.Millisecond)
	cfg.Dispatch.DefaultWait = config.Duration(2 * time.Second)
	cfg.Retry.MaxAttempts = 3
	cfg.Retry.BaseDelay = config.Duration(10 * time.Millisecond)
	cfg.Retry.MaxDelay = config.Duration(40 * time.Millisecond)
	return cfg
}

type testServer struct {
	router  *gin.Engine
	gateway *fakeGateway
	queue   *recordingQueue
}

func setupRouter(t *testing.T, cfg *config.Configuration) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := database.NewRedisStore(client, cfg.Store.KeyPrefix, cfg.Store.RecordTTL.Duration())
	queue := &recordingQueue{}
	scheduler := taxgate.NewScheduler(store, queue, taxgate.NewRegistry(), client, cfg)
	hasher, err := identity.NewHasher([]byte("0123456789abcdef"))
	require.NoError(t, err)
	dispatcher, err := taxgate.NewDispatcher(store, scheduler, hasher, taxgate.DispatchPolicyFromConfig(cfg))
	require.NoError(t, err)

	gw := &fakeGateway{out: json.RawMessage(`{"formBundleNumber":"256660290587"}`)}
	router := NewAPI(&taxgate.Taxgate{Config: cfg, Dispatcher: dispatcher}, gw, nil).Router()
	return &testServer{router: router, gateway: gw, queue: queue}
}

func validReturn() model2.SubmitReturn {
	return model2.SubmitReturn{
		PeriodKey:              "24A1",
		VatDueSales:            decimalOf("100.00"),
		VatDueAcquisitions:     decimalOf("0"),
		TotalVatDue:            decimalOf("100.00"),
		VatReclaimedCurrPeriod: decimalOf("40.50"),
		NetVatDue:              decimalOf("59.50"),
		TotalValueSalesExVAT:   decimalOf("500"),
		Finalised:              true,
	}
}

func serve(router *gin.Engine, method, route string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var payload bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&payload).Encode(body)
	}
	req := httptest.NewRequest(method, route, &payload)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func decodeView(t *testing.T, resp *httptest.ResponseRecorder) model2.RequestView {
	t.Helper()
	var view model2.RequestView
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &view))
	return view
}

func TestSubmitReturnCompletesWithinBudget(t *testing.T) {
	s := setupRouter(t, testConfig())

	resp := serve(s.router, http.MethodPost, "/vat/123456789/returns", validReturn(), map[string]string{
		HeaderCallerID:  "acme",
		HeaderRequestID: "ret-1",
		HeaderWaitTime:  "1000",
	})

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "ret-1", resp.Header().Get(HeaderRequestID))
	view := decodeView(t, resp)
	assert.Equal(t, model.StatusCompleted, view.Status)
	assert.Equal(t, 1, view.Attempt)
	assert.Equal(t, map[string]interface{}{"formBundleNumber": "256660290587"}, view.Result)
}

func TestSubmitReturnReplaysByRequestID(t *testing.T) {
	s := setupRouter(t, testConfig())
	headers := map[string]string{HeaderCallerID: "acme", HeaderRequestID: "ret-1"}

	first := serve(s.router, http.MethodPost, "/vat/123456789/returns", validReturn(), headers)
	second := serve(s.router, http.MethodPost, "/vat/123456789/returns", validReturn(), headers)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, s.gateway.callCount())
}

func TestRespondAsyncReturnsAccepted(t *testing.T) {
	s := setupRouter(t, testConfig())

	resp := serve(s.router, http.MethodGet, "/vat/123456789/obligations?status=O", nil, map[string]string{
		HeaderCallerID: "acme",
		HeaderPrefer:   "respond-async, wait=30",
	})

	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	id := resp.Header().Get(HeaderRequestID)
	require.NotEmpty(t, id)
	assert.Equal(t, "/requests/"+id, resp.Header().Get("Location"))
	assert.Equal(t, "1", resp.Header().Get("Retry-After"))
	assert.Equal(t, model.StatusProcessing, decodeView(t, resp).Status)
	assert.Len(t, s.queue.tasks, 1)
	assert.Zero(t, s.gateway.callCount())

	poll := serve(s.router, http.MethodGet, "/requests/"+id, nil, map[string]string{HeaderCallerID: "acme"})
	assert.Equal(t, http.StatusAccepted, poll.Code)

	other := serve(s.router, http.MethodGet, "/requests/"+id, nil, map[string]string{HeaderCallerID: "someone-else"})
	assert.Equal(t, http.StatusNotFound, other.Code)
}

func TestPermanentFailureUsesUpstreamStatus(t *testing.T) {
	s := setupRouter(t, testConfig())
	s.gateway.err = &upstream.Error{StatusCode: http.StatusForbidden, Code: "DUPLICATE_SUBMISSION", Message: "already filed"}

	resp := serve(s.router, http.MethodPost, "/vat/123456789/returns", validReturn(), map[string]string{
		HeaderCallerID: "acme",
		HeaderPrefer:   "wait=5",
	})

	require.Equal(t, http.StatusForbidden, resp.Code, resp.Body.String())
	view := decodeView(t, resp)
	assert.Equal(t, model.StatusFailed, view.Status)
	require.NotNil(t, view.Error)
	assert.Equal(t, model.ErrorKindPermanent, view.Error.Kind)
	assert.Equal(t, "DUPLICATE_SUBMISSION", view.Error.Code)
}

func TestRequestValidation(t *testing.T) {
	s := setupRouter(t, testConfig())
	badTotals := validReturn()
	badTotals.TotalVatDue = decimalOf("99.99")

	tests := []struct {
		name     string
		method   string
		route    string
		body     interface{}
		headers  map[string]string
		expected int
	}{
		{"missing caller", http.MethodGet, "/vat/123456789/obligations", nil, map[string]string{}, http.StatusUnauthorized},
		{"bad totals", http.MethodPost, "/vat/123456789/returns", badTotals, map[string]string{HeaderCallerID: "acme"}, http.StatusBadRequest},
		{"bad vrn", http.MethodGet, "/vat/12AB/obligations", nil, map[string]string{HeaderCallerID: "acme"}, http.StatusBadRequest},
		{"liabilities need dates", http.MethodGet, "/vat/123456789/liabilities", nil, map[string]string{HeaderCallerID: "acme"}, http.StatusBadRequest},
		{"bad wait header", http.MethodGet, "/vat/123456789/obligations", nil, map[string]string{HeaderCallerID: "acme", HeaderWaitTime: "-5"}, http.StatusBadRequest},
		{"bad request id", http.MethodGet, "/vat/123456789/obligations", nil, map[string]string{HeaderCallerID: "acme", HeaderRequestID: "has space"}, http.StatusBadRequest},
		{"unknown request", http.MethodGet, "/requests/never-seen", nil, map[string]string{HeaderCallerID: "acme"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := serve(s.router, tt.method, tt.route, tt.body, tt.headers)
			assert.Equal(t, tt.expected, resp.Code, resp.Body.String())
		})
	}
	assert.Zero(t, s.gateway.callCount())
}

func TestSecureModeNeedsSecretKey(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Secure = true
	cfg.Server.SecretKey = "top-secret"
	s := setupRouter(t, cfg)

	resp := serve(s.router, http.MethodGet, "/requests/r1", nil, map[string]string{HeaderCallerID: "acme"})
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = serve(s.router, http.MethodGet, "/requests/r1", nil, map[string]string{
		HeaderCallerID:             "acme",
		middleware.SecretKeyHeader: "top-secret",
	})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	health := serve(s.router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestFallbackModeAnswersInline(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	dispatcher, err := taxgate.NewDispatcher(nil, nil, nil, taxgate.DispatchPolicyFromConfig(cfg))
	require.NoError(t, err)
	gw := &fakeGateway{out: json.RawMessage(`{"obligations":[]}`)}
	router := NewAPI(&taxgate.Taxgate{Config: cfg, Dispatcher: dispatcher}, gw, nil).Router()

	resp := serve(router, http.MethodGet, "/vat/123456789/obligations", nil, map[string]string{
		HeaderCallerID: "acme",
		HeaderPrefer:   "respond-async",
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, model.StatusCompleted, decodeView(t, resp).Status)

	poll := serve(router, http.MethodGet, "/requests/"+resp.Header().Get(HeaderRequestID), nil, map[string]string{HeaderCallerID: "acme"})
	assert.Equal(t, http.StatusNotFound, poll.Code)

	health := serve(router, http.MethodGet, "/health", nil, nil)
	assert.JSONEq(t, `{"status":"ok","persistent":false}`, health.Body.String())
}

func TestWaitBudget(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fallback := 10 * time.Second

	tests := []struct {
		name    string
		headers map[string][]string
		want    time.Duration
		wantErr bool
	}{
		{"none", nil, fallback, false},
		{"milliseconds", map[string][]string{HeaderWaitTime: {"250"}}, 250 * time.Millisecond, false},
		{"prefer wait", map[string][]string{HeaderPrefer: {"wait=3"}}, 3 * time.Second, false},
		{"header beats prefer wait", map[string][]string{HeaderPrefer: {"wait=3"}, HeaderWaitTime: {"50"}}, 50 * time.Millisecond, false},
		{"respond async wins", map[string][]string{HeaderPrefer: {"wait=3", "respond-async"}, HeaderWaitTime: {"5000"}}, 0, false},
		{"garbage", map[string][]string{HeaderWaitTime: {"soon"}}, 0, true},
		{"bad prefer", map[string][]string{HeaderPrefer: {"wait=-1"}}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			for k, values := range tt.headers {
				for _, v := range values {
					c.Request.Header.Add(k, v)
				}
			}

			got, err := waitBudget(c, fallback)
			if tt.wantErr {
				assert.ErrorIs(t, err, errInvalidWait)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFailedUpstreamNotFoundPollsApartFromUnknown(t *testing.T) {
	s := setupRouter(t, testConfig())
	s.gateway.err = &upstream.Error{StatusCode: http.StatusNotFound, Code: "MATCHING_RESOURCE_NOT_FOUND", Message: "no such vrn"}

	resp := serve(s.router, http.MethodPost, "/vat/123456789/returns", validReturn(), map[string]string{
		HeaderCallerID:  "acme",
		HeaderRequestID: "ret-404",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code, resp.Body.String())

	poll := serve(s.router, http.MethodGet, "/requests/ret-404", nil, map[string]string{HeaderCallerID: "acme"})
	assert.Equal(t, http.StatusUnprocessableEntity, poll.Code)
	view := decodeView(t, poll)
	assert.Equal(t, model.StatusFailed, view.Status)
	require.NotNil(t, view.Error)
	assert.Equal(t, http.StatusNotFound, view.Error.UpstreamStatus)

	unknown := serve(s.router, http.MethodGet, "/requests/ret-missing", nil, map[string]string{HeaderCallerID: "acme"})
	assert.Equal(t, http.StatusNotFound, unknown.Code)
}

func TestFailureStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, failureStatus(&model.RequestError{Kind: model.ErrorKindPermanent}))
	assert.Equal(t, http.StatusBadRequest, failureStatus(&model.RequestError{Kind: model.ErrorKindPermanent, UpstreamStatus: 400}))
	assert.Equal(t, http.StatusUnprocessableEntity, failureStatus(&model.RequestError{Kind: model.ErrorKindPermanent, UpstreamStatus: 404}))
	assert.Equal(t, http.StatusUnprocessableEntity, failureStatus(&model.RequestError{Kind: model.ErrorKindPermanent, UpstreamStatus: 410}))
	assert.Equal(t, http.StatusBadGateway, failureStatus(&model.RequestError{Kind: model.ErrorKindExhaustedRetries, UpstreamStatus: 503}))
	assert.Equal(t, http.StatusGatewayTimeout, failureStatus(&model.RequestError{Kind: model.ErrorKindExhaustedRetries, UpstreamStatus: 504}))
}

func decimalOf(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
