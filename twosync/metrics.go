// Copyright 2025 The twokaj Authors
// SPDX-License-Identifier: Apache-2.0

package twosync

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricsOpSyncBatch = "sync_batch"

	MetricsStageTotal = "total"

	// Per-kind reconciliation stages.
	MetricsStageValidate   = "validate"
	MetricsStageFKPrecheck = "fk_precheck"
	MetricsStageApply      = "apply"
)

type StageTiming struct {
	Operation string
	Stage     string
	Kind      string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

var (
	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "twokaj_sync_stage_duration_seconds",
		Help:    "Duration of reconciliation stages",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "stage", "kind", "error"})

	itemStatusTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "twokaj_sync_items_total",
		Help: "Reconciled items by kind, status and reason",
	}, []string{"kind", "status", "reason"})

	publishErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "twokaj_event_publish_errors_total",
		Help: "Domain events that could not be published",
	})

	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "twokaj_http_requests_total",
		Help: "HTTP requests by route, method and status code",
	}, []string{"route", "method", "code"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "twokaj_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})
)

func init() {
	prometheus.MustRegister(stageDuration, itemStatusTotal, publishErrorsTotal, httpRequestsTotal, httpRequestDuration)
}

// PrometheusStageRecorder exports stage timings as a histogram
type PrometheusStageRecorder struct{}

func (PrometheusStageRecorder) ObserveStage(_ context.Context, timing StageTiming) {
	stageDuration.WithLabelValues(timing.Operation, timing.Stage, timing.Kind, strconv.FormatBool(timing.Error)).
		Observe(timing.Duration.Seconds())
}

func recordItemStatuses(kind string, statuses []ItemStatus) {
	for _, st := range statuses {
		itemStatusTotal.WithLabelValues(kind, st.Status, st.Reason).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// MetricsMiddleware counts requests and observes latency under a fixed route label
func MetricsMiddleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.code)).Inc()
		httpRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

func (s *Service) stageTimingEnabled() bool {
	if s == nil || s.config == nil {
		return false
	}
	return s.config.StageMetrics != nil || s.config.LogStageTimings
}

func (s *Service) stageStart() time.Time {
	if !s.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (s *Service) observeStage(ctx context.Context, op, stage, kind string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() || s == nil || s.config == nil {
		return
	}

	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Kind:      kind,
		Duration:  time.Since(start),
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}

	if s.config.StageMetrics != nil {
		s.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if s.config.LogStageTimings && s.logger != nil {
		s.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"kind", timing.Kind,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
