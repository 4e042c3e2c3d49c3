// Package metrics provides Prometheus metrics for the PageMill server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagemill_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagemill_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Resolution metrics
	resolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagemill_resolutions_total",
			Help: "Total mirror resolutions",
		},
		[]string{"scope", "status"},
	)

	regenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagemill_regenerations_total",
			Help: "Total mirror file regenerations (writes)",
		},
		[]string{"scope"},
	)

	regenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagemill_regeneration_duration_seconds",
			Help:    "Time to rewrite and store a single mirror file",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Staleness cache metrics
	staleCacheChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagemill_stale_cache_checks_total",
			Help: "Staleness cache lookups",
		},
		[]string{"scope", "result"},
	)

	staleCacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagemill_stale_cache_size",
			Help: "Entries in the staleness cache",
		},
		[]string{"scope"},
	)

	// Mirror repository metrics
	mirrorWritesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagemill_mirror_writes_total",
			Help: "Total mirror files written",
		},
	)

	mirrorBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagemill_mirror_bytes_written_total",
			Help: "Total bytes written to the mirror repository",
		},
	)

	mirrorDeletesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagemill_mirror_deletes_total",
			Help: "Total single mirror files deleted",
		},
	)

	purgesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagemill_purges_total",
			Help: "Total mirror repository purges",
		},
	)

	purgeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagemill_purge_duration_seconds",
			Help:    "Time to drain locks and delete the mirror trees",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Invalidation metrics
	invalidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagemill_invalidations_total",
			Help: "Total cache-invalidation events published",
		},
		[]string{"kind"},
	)

	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagemill_event_subscribers",
			Help: "Number of active invalidation-event subscribers",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagemill_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagemill_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagemill_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Object storage metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pagemill_storage_operation_duration_seconds",
			Help:    "Content store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagemill_storage_operations_total",
			Help: "Total content store operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordResolution records a top-level resolve call.
func RecordResolution(scope string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	resolutionsTotal.WithLabelValues(scope, status).Inc()
}

// RecordRegeneration records a single mirror file regeneration.
func RecordRegeneration(scope string, duration time.Duration) {
	regenerationsTotal.WithLabelValues(scope).Inc()
	regenerationDuration.Observe(duration.Seconds())
}

// RecordStaleCacheCheck records a staleness cache lookup.
func RecordStaleCacheCheck(scope string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	staleCacheChecksTotal.WithLabelValues(scope, result).Inc()
}

// SetStaleCacheSize sets the staleness cache entry count for a scope.
func SetStaleCacheSize(scope string, size int) {
	staleCacheSize.WithLabelValues(scope).Set(float64(size))
}

// RecordMirrorWrite records a mirror file write.
func RecordMirrorWrite(bytes int64) {
	mirrorWritesTotal.Inc()
	mirrorBytesWritten.Add(float64(bytes))
}

// RecordMirrorDelete records a single mirror file deletion.
func RecordMirrorDelete() {
	mirrorDeletesTotal.Inc()
}

// RecordPurge records a completed repository purge.
func RecordPurge(duration time.Duration) {
	purgesTotal.Inc()
	purgeDuration.Observe(duration.Seconds())
}

// RecordInvalidation records a published invalidation event.
func RecordInvalidation(kind string) {
	invalidationsTotal.WithLabelValues(kind).Inc()
}

// SetEventSubscribers sets the number of active event subscribers.
func SetEventSubscribers(count int64) {
	eventSubscribers.Set(float64(count))
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordStorageOperation records a content store operation.
func RecordStorageOperation(operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(operation, status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
