package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_events_enqueued_total",
			Help: "Total notification events appended to the durable log by kind",
		},
		[]string{"kind"},
	)

	livePushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_live_pushes_total",
			Help: "Live push attempts by result (delivered, offline, throttled, error)",
		},
		[]string{"result"},
	)

	entriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_entries_processed_total",
			Help: "Queue entries processed by outcome (persisted, dead_lettered, malformed)",
		},
		[]string{"outcome"},
	)

	dlqSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_dlq_sweep_entries_total",
			Help: "Entries handled by DLQ sweeps by outcome (reinserted, requeued, permadead)",
		},
		[]string{"outcome"},
	)

	batchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notifier_batch_duration_seconds",
			Help:    "Time to process one fetched batch including local retries",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		},
	)

	lockAcquired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifier_lock_acquired_total",
			Help: "Successful worker lock acquisitions",
		},
	)

	lockLost = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifier_lock_lost_total",
			Help: "Heartbeats that found the lock owned by someone else",
		},
	)

	breakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifier_breaker_open",
			Help: "1 while the store circuit breaker is open",
		},
	)

	workerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifier_worker_state",
			Help: "Current worker loop state (see worker package state constants)",
		},
	)

	notificationsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifier_notifications_pruned_total",
			Help: "Persisted notifications deleted by the retention job",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEventEnqueued records an event appended to the durable log
func RecordEventEnqueued(kind string) {
	eventsEnqueued.WithLabelValues(kind).Inc()
}

// RecordLivePush records a live push attempt result
func RecordLivePush(result string) {
	livePushes.WithLabelValues(result).Inc()
}

// RecordEntryProcessed records a processed queue entry outcome
func RecordEntryProcessed(outcome string) {
	entriesProcessed.WithLabelValues(outcome).Inc()
}

// RecordSweepEntry records one DLQ-sweep entry outcome
func RecordSweepEntry(outcome string, n int) {
	dlqSweeps.WithLabelValues(outcome).Add(float64(n))
}

// RecordBatchDuration records the time spent on one batch
func RecordBatchDuration(d time.Duration) {
	batchDuration.Observe(d.Seconds())
}

// RecordLockAcquired records a lock acquisition
func RecordLockAcquired() {
	lockAcquired.Inc()
}

// RecordLockLost records a heartbeat that detected a stolen lock
func RecordLockLost() {
	lockLost.Inc()
}

// SetBreakerOpen reports whether the circuit breaker is open
func SetBreakerOpen(open bool) {
	if open {
		breakerOpen.Set(1)
	} else {
		breakerOpen.Set(0)
	}
}

// SetWorkerState reports the worker loop state
func SetWorkerState(state int) {
	workerState.Set(float64(state))
}

// RecordPruned records notifications removed by retention
func RecordPruned(n int64) {
	notificationsPruned.Add(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
