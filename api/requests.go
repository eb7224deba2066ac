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
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/taxgate/taxgate"
	model2 "github.com/taxgate/taxgate/api/model"
	"github.com/taxgate/taxgate/internal/apierror"
	"github.com/taxgate/taxgate/internal/notification"
	"github.com/taxgate/taxgate/model"
)

const (
	HeaderRequestID = "X-Request-Id"
	HeaderCallerID  = "X-Caller-Id"
	HeaderWaitTime  = "X-Wait-Time-Ms"
	HeaderPrefer    = "Prefer"
)

var errInvalidWait = errors.New("invalid wait budget")

// waitBudget reads how long the caller is willing to wait. "Prefer: respond-async"
// wins over everything, then X-Wait-Time-Ms, then "Prefer: wait=<seconds>".
func waitBudget(c *gin.Context, fallback time.Duration) (time.Duration, error) {
	var preferWait string
	for _, header := range c.Request.Header.Values(HeaderPrefer) {
		for _, token := range strings.Split(header, ",") {
			token = strings.TrimSpace(token)
			switch {
			case strings.EqualFold(token, "respond-async"):
				return 0, nil
			case strings.HasPrefix(strings.ToLower(token), "wait="):
				preferWait = token[len("wait="):]
			}
		}
	}

	if raw := c.GetHeader(HeaderWaitTime); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			return 0, fmt.Errorf("%w: %s must be a non-negative integer", errInvalidWait, HeaderWaitTime)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	if preferWait != "" {
		secs, err := strconv.ParseInt(preferWait, 10, 64)
		if err != nil || secs < 0 {
			return 0, fmt.Errorf("%w: Prefer wait must be a non-negative integer", errInvalidWait)
		}
		return time.Duration(secs) * time.Second, nil
	}
	return fallback, nil
}

// requestID returns the caller supplied id, or a fresh one. Either way it is echoed.
func requestID(c *gin.Context) string {
	id := c.GetHeader(HeaderRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	c.Header(HeaderRequestID, id)
	return id
}

func callerID(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.GetHeader(HeaderCallerID))
	if id == "" {
		abortWithError(c, apierror.NewAPIError(apierror.ErrUnauthorized, HeaderCallerID+" header is required", nil))
		return "", false
	}
	return id, true
}

func abortWithError(c *gin.Context, err apierror.APIError) {
	c.AbortWithStatusJSON(apierror.MapErrorToHTTPStatus(err), err)
}

// dispatchError renders an error returned by the dispatcher.
func dispatchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, taxgate.ErrInvalidRequestID), errors.Is(err, taxgate.ErrInvalidCallerID):
		abortWithError(c, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil))
	case errors.Is(err, taxgate.ErrStoreUnavailable), errors.Is(err, taxgate.ErrQueueUnavailable):
		c.Header("Retry-After", "1")
		abortWithError(c, apierror.NewAPIError(apierror.ErrUnavailable, "service temporarily unavailable", err.Error()))
	default:
		notification.NotifyError(err)
		abortWithError(c, apierror.NewAPIError(apierror.ErrInternalServer, "internal server error", err.Error()))
	}
}

// failureStatus maps a failed request to the status returned to the caller. Upstream
// 404 and 410 become 422 so a failed request never polls like an unknown one.
func failureStatus(reqErr *model.RequestError) int {
	if reqErr == nil {
		return http.StatusBadGateway
	}
	if reqErr.Kind == model.ErrorKindPermanent {
		switch reqErr.UpstreamStatus {
		case http.StatusNotFound, http.StatusGone:
			return http.StatusUnprocessableEntity
		}
		if reqErr.UpstreamStatus >= 400 && reqErr.UpstreamStatus < 500 {
			return reqErr.UpstreamStatus
		}
		return http.StatusUnprocessableEntity
	}
	if reqErr.UpstreamStatus == http.StatusGatewayTimeout || reqErr.UpstreamStatus == http.StatusRequestTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// retryAfter suggests when to poll again: roughly when the next attempt is due.
func (a Api) retryAfter(rec *model.AsyncRequest) string {
	delay := a.conf.Retry.BaseDelay.Duration()
	if rec.Attempt > 0 {
		delay = taxgate.RetryPolicyFromConfig(a.conf.Retry).Backoff(rec.Attempt)
	}
	secs := int(math.Ceil(delay.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// respond renders rec: 200 when completed, 202 while in progress, an error status
// when failed.
func (a Api) respond(c *gin.Context, rec *model.AsyncRequest) {
	view := model2.NewRequestView(rec)
	switch rec.Status {
	case model.StatusCompleted:
		c.JSON(http.StatusOK, view)
	case model.StatusFailed:
		c.JSON(failureStatus(rec.Error), view)
	default:
		if a.dispatcher.Persistent() {
			c.Header("Location", "/requests/"+rec.RequestID)
		}
		c.Header("Retry-After", a.retryAfter(rec))
		c.JSON(http.StatusAccepted, view)
	}
}

// dispatch runs unit under the caller's wait budget and renders the outcome.
func (a Api) dispatch(c *gin.Context, unit taxgate.Unit) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	id := requestID(c)
	budget, err := waitBudget(c, a.conf.Dispatch.DefaultWait.Duration())
	if err != nil {
		abortWithError(c, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), nil))
		return
	}

	rec, err := a.dispatcher.Run(c.Request.Context(), caller, id, budget, unit)
	if err != nil {
		dispatchError(c, err)
		return
	}
	a.respond(c, rec)
}

// GetRequest polls a request by id.
func (a Api) GetRequest(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	id := c.Param("requestId")

	rec, err := a.dispatcher.GetStatus(c.Request.Context(), caller, id)
	if err != nil {
		dispatchError(c, err)
		return
	}
	if rec == nil {
		abortWithError(c, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("request %s not found", id), nil))
		return
	}
	a.respond(c, rec)
}
