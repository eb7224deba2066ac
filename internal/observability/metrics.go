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

package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Dispatch routes.
const (
	RouteSync     = "sync"
	RouteAsync    = "async"
	RouteFallback = "fallback"
	RouteReplay   = "replay"
	RouteInFlight = "in_flight"
)

// Attempt outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomePermanent = "permanent"
	OutcomeTransient = "transient"
)

// Metrics holds the request-execution metrics. A nil *Metrics records nothing.
type Metrics struct {
	Dispatches     metric.Int64Counter
	Attempts       metric.Int64Counter
	Retries        metric.Int64Counter
	DeadLetters    metric.Int64Counter
	Recovered      metric.Int64Counter
	InlineDuration metric.Float64Histogram
	AttemptLatency metric.Float64Histogram
}

// NewMetrics creates every instrument on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var err error
	m := &Metrics{}

	m.Dispatches, err = meter.Int64Counter(
		"taxgate_dispatches_total",
		metric.WithDescription("Requests handled by the dispatcher, by route"),
	)
	if err != nil {
		return nil, err
	}

	m.Attempts, err = meter.Int64Counter(
		"taxgate_attempts_total",
		metric.WithDescription("Execution attempts, by unit kind and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.Retries, err = meter.Int64Counter(
		"taxgate_retries_scheduled_total",
		metric.WithDescription("Retries scheduled after a transient failure"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLetters, err = meter.Int64Counter(
		"taxgate_dead_letters_total",
		metric.WithDescription("Requests failed after exhausting their attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.Recovered, err = meter.Int64Counter(
		"taxgate_recovered_total",
		metric.WithDescription("Stuck requests re-scheduled by the recovery processor"),
	)
	if err != nil {
		return nil, err
	}

	m.InlineDuration, err = meter.Float64Histogram(
		"taxgate_inline_duration_seconds",
		metric.WithDescription("Time callers spent waiting on the synchronous path"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	m.AttemptLatency, err = meter.Float64Histogram(
		"taxgate_attempt_duration_seconds",
		metric.WithDescription("Execution attempt latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NewPrometheusMetrics installs a Prometheus backed meter provider and returns the
// metrics together with the scrape handler.
func NewPrometheusMetrics() (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := NewMetrics(provider.Meter("taxgate"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

// RecordDispatch counts one dispatcher decision.
func (m *Metrics) RecordDispatch(ctx context.Context, route string) {
	if m == nil {
		return
	}
	m.Dispatches.Add(ctx, 1, metric.WithAttributes(routeAttr(route)))
}

// RecordAttempt records the outcome and latency of one execution attempt.
func (m *Metrics) RecordAttempt(ctx context.Context, kind, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(kindAttr(kind), outcomeAttr(outcome))
	m.Attempts.Add(ctx, 1, attrs)
	m.AttemptLatency.Record(ctx, durationSeconds, attrs)
}

func (m *Metrics) RecordRetry(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.Retries.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

func (m *Metrics) RecordDeadLetter(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.DeadLetters.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

func (m *Metrics) RecordRecovered(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Recovered.Add(ctx, int64(n))
}

// RecordInline records how long a synchronous caller waited and whether it got a
// terminal answer.
func (m *Metrics) RecordInline(ctx context.Context, durationSeconds float64, terminal bool) {
	if m == nil {
		return
	}
	m.InlineDuration.Record(ctx, durationSeconds, metric.WithAttributes(terminalAttr(terminal)))
}
