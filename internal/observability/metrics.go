// Package observability provides logging, metrics and tracing setup for
// the server process.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labtasker_tasks_submitted_total",
			Help: "Total number of tasks submitted per queue",
		},
		[]string{"queue"},
	)
	TasksFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labtasker_tasks_fetched_total",
			Help: "Total number of task leases handed out per queue",
		},
		[]string{"queue"},
	)
	TaskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labtasker_task_transitions_total",
			Help: "Total number of task state transitions",
		},
		[]string{"from", "to"},
	)
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labtasker_heartbeats_total",
			Help: "Total number of accepted lease heartbeats per queue",
		},
		[]string{"queue"},
	)
	ReaperSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labtasker_reaper_sweeps_total",
			Help: "Total number of reaper sweeps",
		},
	)
	ReaperExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labtasker_reaper_expired_total",
			Help: "Total number of leases expired by the reaper, by cause",
		},
		[]string{"cause"},
	)
	WorkerSuspensionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labtasker_worker_suspensions_total",
			Help: "Total number of workers suspended after repeated failures",
		},
	)
	WorkerCrashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labtasker_worker_crashes_total",
			Help: "Total number of workers marked crashed by the reaper",
		},
	)
	CASConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labtasker_cas_conflicts_total",
			Help: "Total number of compare-and-update misses, by operation",
		},
		[]string{"op"},
	)
)

var initOnce sync.Once

// InitMetrics registers all collectors with the default registry.
// Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			TasksSubmittedTotal,
			TasksFetchedTotal,
			TaskTransitionsTotal,
			HeartbeatsTotal,
			ReaperSweepsTotal,
			ReaperExpiredTotal,
			WorkerSuspensionsTotal,
			WorkerCrashesTotal,
			CASConflictsTotal,
		)
	})
}

// HTTPMetricsMiddleware records request counts and latencies keyed by
// the chi route pattern.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
