// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts admin HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// SubmitRequestsTotal counts remote node submit attempts by group and outcome.
	SubmitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "submit_requests_total",
			Help: "Total number of remote node submit attempts by group and outcome",
		},
		[]string{"group", "outcome"},
	)
	// SubmitRequestDuration records durations of remote node submit calls by group.
	SubmitRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "submit_request_duration_seconds",
			Help:    "Remote node submit duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"group"},
	)

	// WorkEnqueuedTotal counts workload items enqueued by analysis mode.
	WorkEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "work_enqueued_total",
			Help: "Total number of workload items enqueued",
		},
		[]string{"mode"},
	)
	// WorkClaimed is a gauge of workload items currently claimed but not yet completed, by group.
	WorkClaimed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "work_claimed",
			Help: "Number of workload items currently claimed awaiting outcome",
		},
		[]string{"group"},
	)
	// WorkCompletedTotal counts workload items that reached a terminal outcome, by group.
	WorkCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "work_completed_total",
			Help: "Total number of workload items completed",
		},
		[]string{"group"},
	)
	// WorkFailedTotal counts workload items that failed dispatch, by group.
	WorkFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "work_failed_total",
			Help: "Total number of workload items that failed dispatch",
		},
		[]string{"group"},
	)

	// CoverageSkipTotal counts workload items skipped because the coverage sample gate rejected them.
	CoverageSkipTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coverage_skip_total",
			Help: "Total number of workload items skipped by the coverage sampling gate",
		},
		[]string{"group"},
	)

	// NodeSnapshotSize is a gauge of the number of records (one per live node and advertised mode) returned by the last registry snapshot.
	NodeSnapshotSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "node_snapshot_size",
			Help: "Number of live node/mode records in the most recent registry snapshot",
		},
		[]string{"group"},
	)

	// DeadLetterTotal counts workload items routed to the dead-letter sink, by reason.
	DeadLetterTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letter_total",
			Help: "Total number of workload items routed to the dead-letter sink",
		},
		[]string{"group", "reason"},
	)

	// CircuitBreakerStatus tracks circuit breaker state.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)

	// NodeCacheHitTotal and NodeCacheMissTotal track the node registry cache decorator.
	NodeCacheHitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_cache_hits_total",
			Help: "Total number of node registry cache hits",
		},
		[]string{"database"},
	)
	NodeCacheMissTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "node_cache_misses_total",
			Help: "Total number of node registry cache misses",
		},
		[]string{"database"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SubmitRequestsTotal)
	prometheus.MustRegister(SubmitRequestDuration)
	prometheus.MustRegister(WorkEnqueuedTotal)
	prometheus.MustRegister(WorkClaimed)
	prometheus.MustRegister(WorkCompletedTotal)
	prometheus.MustRegister(WorkFailedTotal)
	prometheus.MustRegister(CoverageSkipTotal)
	prometheus.MustRegister(NodeSnapshotSize)
	prometheus.MustRegister(DeadLetterTotal)
	prometheus.MustRegister(CircuitBreakerStatus)
	prometheus.MustRegister(NodeCacheHitTotal)
	prometheus.MustRegister(NodeCacheMissTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// EnqueueWork increments the enqueued work counter for the given analysis mode.
func EnqueueWork(mode string) {
	WorkEnqueuedTotal.WithLabelValues(mode).Inc()
}

// ClaimWork increments the claimed-work gauge for the given group.
func ClaimWork(group string) {
	WorkClaimed.WithLabelValues(group).Inc()
}

// CompleteWork marks a workload item complete by decrementing the claimed gauge and incrementing the completed counter.
func CompleteWork(group string) {
	WorkClaimed.WithLabelValues(group).Dec()
	WorkCompletedTotal.WithLabelValues(group).Inc()
}

// FailWork marks a workload item failed by decrementing the claimed gauge and incrementing the failed counter.
func FailWork(group string) {
	WorkClaimed.WithLabelValues(group).Dec()
	WorkFailedTotal.WithLabelValues(group).Inc()
}

// RecordSubmit records the outcome and duration of a remote node submit attempt.
func RecordSubmit(group, outcome string, duration time.Duration) {
	SubmitRequestsTotal.WithLabelValues(group, outcome).Inc()
	SubmitRequestDuration.WithLabelValues(group).Observe(duration.Seconds())
}

// RecordCoverageSkip records a workload item skipped by the coverage sampling gate.
func RecordCoverageSkip(group string) {
	CoverageSkipTotal.WithLabelValues(group).Inc()
}

// RecordNodeSnapshotSize records the size of the most recent registry snapshot for a group.
func RecordNodeSnapshotSize(group string, size int) {
	NodeSnapshotSize.WithLabelValues(group).Set(float64(size))
}

// RecordDeadLetter records a workload item routed to the dead-letter sink.
func RecordDeadLetter(group, reason string) {
	DeadLetterTotal.WithLabelValues(group, reason).Inc()
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}

// RecordNodeCacheHit records a node registry cache hit for a database.
func RecordNodeCacheHit(database string) {
	NodeCacheHitTotal.WithLabelValues(database).Inc()
}

// RecordNodeCacheMiss records a node registry cache miss for a database.
func RecordNodeCacheMiss(database string) {
	NodeCacheMissTotal.WithLabelValues(database).Inc()
}
