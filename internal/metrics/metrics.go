// Package metrics provides Prometheus metrics for the stashd server.
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
			Name: "stashd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stashd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Storage operation metrics
	storageOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashd_storage_operations_total",
			Help: "Total storage provider operations",
		},
		[]string{"operation"},
	)

	storageOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stashd_storage_operation_duration_seconds",
			Help:    "Storage provider operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Content transfer metrics
	bytesSavedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stashd_content_bytes_saved_total",
			Help: "Total bytes written through save-stream operations",
		},
	)

	bytesServedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stashd_content_bytes_served_total",
			Help: "Total bytes served from download endpoints",
		},
	)

	// Share link metrics
	shareLinksIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stashd_share_links_issued_total",
			Help: "Total signed share links issued",
		},
	)

	shareRedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stashd_share_redemptions_total",
			Help: "Total share link redemptions",
		},
		[]string{"result"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stashd_rate_limit_hits_total",
			Help: "Total requests rejected by the rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStorageOp records one storage operation and its duration.
// Intended for use with defer: defer metrics.ObserveStorageOp(op, time.Now()).
func ObserveStorageOp(operation string, start time.Time) {
	storageOpsTotal.WithLabelValues(operation).Inc()
	storageOpDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// AddBytesSaved records bytes written by a save-stream operation.
func AddBytesSaved(n int64) {
	bytesSavedTotal.Add(float64(n))
}

// AddBytesServed records bytes served by a download.
func AddBytesServed(n int64) {
	bytesServedTotal.Add(float64(n))
}

// RecordShareIssued records one issued share link.
func RecordShareIssued() {
	shareLinksIssuedTotal.Inc()
}

// RecordShareRedemption records a share link redemption result.
func RecordShareRedemption(success bool) {
	result := "success"
	if !success {
		result = "denied"
	}
	shareRedemptionsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records one rate-limited request.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
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
