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

package middleware

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"

	"github.com/taxgate/taxgate/config"
)

const (
	// SecretKeyHeader carries the shared secret when the server runs in secure mode.
	SecretKeyHeader = "X-Taxgate-Key"
	// CallerHeader identifies the caller. Rate limits are kept per caller when it is set.
	CallerHeader = "X-Caller-Id"

	defaultLimiterTTL = 3 * time.Hour
)

// limitKey buckets callers by their caller id, or by client IP for anonymous traffic.
func limitKey(c *gin.Context) string {
	if caller := c.GetHeader(CallerHeader); caller != "" {
		return "caller:" + caller
	}
	return "ip:" + c.ClientIP()
}

// RateLimitMiddleware throttles each caller with a token bucket. It is a no-op unless
// both requests_per_second and burst are configured.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	rl := conf.RateLimit
	if rl.RequestsPerSecond == nil || rl.Burst == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	ttl := defaultLimiterTTL
	if rl.CleanupIntervalSec != nil {
		ttl = time.Duration(*rl.CleanupIntervalSec) * time.Second
	}

	lmt := tollbooth.NewLimiter(*rl.RequestsPerSecond, &limiter.ExpirableOptions{
		DefaultExpirationTTL: ttl,
	})
	lmt.SetBurst(*rl.Burst)
	retryAfter := strconv.Itoa(retryAfterSeconds(*rl.RequestsPerSecond))

	return func(c *gin.Context) {
		if httpError := tollbooth.LimitByKeys(lmt, []string{limitKey(c)}); httpError != nil {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(httpError.StatusCode, gin.H{"error": httpError.Message})
			return
		}
		c.Next()
	}
}

func retryAfterSeconds(rps float64) int {
	if rps <= 0 || rps >= 1 {
		return 1
	}
	return int(1/rps + 0.5)
}

// SecretKeyAuthMiddleware rejects requests that do not carry server.secret_key in
// SecretKeyHeader.
func SecretKeyAuthMiddleware(conf *config.Configuration) gin.HandlerFunc {
	expected := []byte(conf.Server.SecretKey)

	return func(c *gin.Context) {
		if len(expected) == 0 {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Secret key is not configured"})
			return
		}

		provided := c.GetHeader(SecretKeyHeader)
		switch {
		case provided == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing secret key"})
		case subtle.ConstantTimeCompare(expected, []byte(provided)) != 1:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid secret key"})
		default:
			c.Next()
		}
	}
}
