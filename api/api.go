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
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/taxgate/taxgate"
	"github.com/taxgate/taxgate/api/middleware"
	"github.com/taxgate/taxgate/config"
	"github.com/taxgate/taxgate/internal/vat"
)

// queueDepth is satisfied by *taxgate.Queue.
type queueDepth interface {
	Depth() (int, error)
}

type Api struct {
	dispatcher *taxgate.Dispatcher
	gateway    vat.Gateway
	conf       *config.Configuration
	queue      queueDepth
	metrics    http.Handler
	router     *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/vat/:vrn/returns", a.SubmitReturn)
	router.GET("/vat/:vrn/obligations", a.GetObligations)
	router.GET("/vat/:vrn/liabilities", a.GetLiabilities)

	router.GET("/requests/:requestId", a.GetRequest)
	return a.router
}

// NewAPI builds the router. metrics may be nil, in which case /metrics is not served.
func NewAPI(t *taxgate.Taxgate, gateway vat.Gateway, metrics http.Handler) *Api {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	a := &Api{
		dispatcher: t.Dispatcher,
		gateway:    gateway,
		conf:       t.Config,
		metrics:    metrics,
		router:     r,
	}
	if q := t.Queue(); q != nil {
		a.queue = q
	}

	r.GET("/health", a.Health)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	r.Use(otelgin.Middleware(t.Config.ProjectName))
	r.Use(middleware.RateLimitMiddleware(t.Config))
	if t.Config.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware(t.Config))
	}
	return a
}

func (a Api) Health(c *gin.Context) {
	resp := gin.H{
		"status":     "ok",
		"persistent": a.dispatcher.Persistent(),
	}
	if a.queue != nil {
		depth, err := a.queue.Depth()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		resp["queue_depth"] = depth
	}
	c.JSON(http.StatusOK, resp)
}
