// Package metrics provides Prometheus metrics for the file browser server.
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
			Name: "filebrowser_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filebrowser_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Download metrics
	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filebrowser_download_bytes_total",
			Help: "Total bytes streamed by the file download endpoint",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebrowser_downloads_total",
			Help: "Total number of file downloads",
		},
		[]string{"status"},
	)

	// Archive metrics
	archiveBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filebrowser_archive_bytes_total",
			Help: "Total bytes streamed by the zip endpoint",
		},
	)

	archivesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebrowser_archives_total",
			Help: "Total number of directory archives",
		},
		[]string{"status"},
	)

	// File operation metrics
	fileOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebrowser_file_operations_total",
			Help: "Total filesystem operations by kind and outcome",
		},
		[]string{"op", "status"},
	)

	sandboxRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filebrowser_sandbox_rejections_total",
			Help: "Paths rejected for escaping the root directory",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebrowser_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"kind", "result"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filebrowser_sse_connections_active",
			Help: "Number of connected event stream clients",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filebrowser_sse_events_total",
			Help: "Total change events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordDownload records a file download.
func RecordDownload(bytes int64, success bool) {
	downloadBytesTotal.Add(float64(bytes))
	downloadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordArchive records a directory archive stream.
func RecordArchive(bytes int64, success bool) {
	archiveBytesTotal.Add(float64(bytes))
	archivesTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordFileOp records a list/meta/move/remove operation.
func RecordFileOp(op string, success bool) {
	fileOpsTotal.WithLabelValues(op, statusLabel(success)).Inc()
}

// RecordSandboxRejection counts a path rejected by the sandbox.
func RecordSandboxRejection() {
	sandboxRejectionsTotal.Inc()
}

// RecordAuthAttempt records an authentication attempt. kind is "login" or
// "token".
func RecordAuthAttempt(kind string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(kind, result).Inc()
}

// SetSSEConnectionsActive sets the number of connected SSE clients.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records a published change event.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
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

// Flush forwards to the wrapped writer so streaming handlers keep working.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by their mux pattern to keep label cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
