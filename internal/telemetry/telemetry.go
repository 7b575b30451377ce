// Package telemetry exposes the harvester's Prometheus metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// --- CUSTOM METRIC DEFINITIONS ---

var (
	harvesterFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_fetch_total",
			Help: "Total number of page fetches, labeled by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	harvesterFetchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_fetch_duration_seconds",
			Help:    "Histogram of logical fetch latencies including retries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
	)

	harvesterRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_retries_total",
			Help: "Fetch retries, labeled by reason.",
		},
		[]string{"reason"},
	)

	harvesterCircuitBreaksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_circuit_breaks_total",
			Help: "Times the limiter paused after an error streak.",
		},
	)

	harvesterBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_bytes_total",
			Help: "Total number of response bytes fetched.",
		},
	)

	harvesterFetchAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_fetch_attempts",
			Help:    "Attempts needed per fetch.",
			Buckets: []float64{1, 2, 3, 4, 6},
		},
	)

	harvesterEntitiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_entities_total",
			Help: "Entities handled by the pipeline, labeled by stage and result.",
		},
		[]string{"stage", "result"},
	)

	harvesterTaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_task_duration_seconds",
			Help:    "Per-task wall time, labeled by stage.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	harvesterActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvester_active_workers",
			Help: "Number of workers currently running a task, labeled by stage.",
		},
		[]string{"stage"},
	)

	harvesterRateLimitDelaySeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_rate_limit_delay_seconds",
			Help: "Current inter-request delay of the adaptive limiter.",
		},
	)

	harvesterRateLimitWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_rate_limit_wait_seconds",
			Help:    "Histogram of time spent waiting for the shared limiter.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// --- HTTP HANDLER & MIDDLEWARE ---

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			routePattern = rc.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// --- HELPER FUNCTIONS ---

// ObserveFetch records the outcome of one logical fetch.
func ObserveFetch(method, outcome string, attempts, bytesFetched int, duration time.Duration) {
	harvesterFetchTotal.WithLabelValues(method, outcome).Inc()
	harvesterFetchDurationSeconds.Observe(duration.Seconds())
	if attempts > 0 {
		harvesterFetchAttempts.Observe(float64(attempts))
	}
	if bytesFetched > 0 {
		harvesterBytesTotal.Add(float64(bytesFetched))
	}
}

// ObserveRetry counts one retry scheduled for reason.
func ObserveRetry(reason string) {
	harvesterRetriesTotal.WithLabelValues(reason).Inc()
}

// ObserveCircuitBreak counts one limiter pause.
func ObserveCircuitBreak() {
	harvesterCircuitBreaksTotal.Inc()
}

// ObserveEntities adds n entities of a stage with the given result.
func ObserveEntities(stage, result string, n int) {
	if n <= 0 {
		return
	}
	harvesterEntitiesTotal.WithLabelValues(stage, result).Add(float64(n))
}

// ObserveTask records the wall time of one pipeline task.
func ObserveTask(stage string, d time.Duration) {
	harvesterTaskDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// IncActiveWorkers increments the active worker count of a stage.
func IncActiveWorkers(stage string) {
	harvesterActiveWorkers.WithLabelValues(stage).Inc()
}

// DecActiveWorkers decrements the active worker count of a stage.
func DecActiveWorkers(stage string) {
	harvesterActiveWorkers.WithLabelValues(stage).Dec()
}

// SetRateLimitDelay publishes the limiter's current delay.
func SetRateLimitDelay(d time.Duration) {
	harvesterRateLimitDelaySeconds.Set(d.Seconds())
}

// ObserveRateLimitWait records how long a caller waited for the limiter.
func ObserveRateLimitWait(d time.Duration) {
	harvesterRateLimitWaitSeconds.Observe(d.Seconds())
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
