// Package metrics provides Prometheus metrics for the wide server.
package metrics

import (
	"bufio"
	"errors"
	"net"
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
			Name: "wide_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wide_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// File operation metrics
	fileActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wide_file_actions_total",
			Help: "Total dispatched file actions by outcome",
		},
		[]string{"action", "status"},
	)

	fileActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wide_file_action_duration_seconds",
			Help:    "File action duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	sandboxRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wide_sandbox_rejections_total",
			Help: "Client paths rejected by the path sandbox",
		},
		[]string{"reason"},
	)

	contentBytesLoaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wide_content_bytes_loaded_total",
			Help: "Total bytes returned by the load action",
		},
	)

	contentBytesSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wide_content_bytes_saved_total",
			Help: "Total bytes written by the save action",
		},
	)

	// Registry metrics
	registryProjects = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wide_registry_projects",
			Help: "Number of projects loaded into the registry",
		},
	)

	// Quota metrics
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wide_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wide_sse_connections_active",
			Help: "Number of active change-feed subscribers",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wide_sse_events_total",
			Help: "Total change events published",
		},
		[]string{"type"},
	)

	// Shell metrics
	shellSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wide_shell_sessions_active",
			Help: "Number of live shell sessions",
		},
	)

	shellSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wide_shell_sessions_total",
			Help: "Shell sessions by how they ended",
		},
		[]string{"result"},
	)

	shellSessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wide_shell_session_duration_seconds",
			Help:    "Shell session lifetime in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600},
		},
	)

	shellBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wide_shell_bytes_total",
			Help: "Bytes relayed between terminals and shells",
		},
		[]string{"direction"},
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

// RecordFileAction records one dispatched action.
func RecordFileAction(action string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	fileActionsTotal.WithLabelValues(action, status).Inc()
	fileActionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordSandboxRejection records a rejected client path.
func RecordSandboxRejection(reason string) {
	sandboxRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordContentLoaded records bytes served by load.
func RecordContentLoaded(bytes int64) {
	contentBytesLoaded.Add(float64(bytes))
}

// RecordContentSaved records bytes written by save.
func RecordContentSaved(bytes int64) {
	contentBytesSaved.Add(float64(bytes))
}

// SetRegistryProjects sets the registry size.
func SetRegistryProjects(count int) {
	registryProjects.Set(float64(count))
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// ShellSessionStarted marks a new live shell session.
func ShellSessionStarted() {
	shellSessionsActive.Inc()
}

// ShellSessionEnded records the end of a shell session.
// result is the session close reason.
func ShellSessionEnded(result string, lifetime time.Duration) {
	shellSessionsActive.Dec()
	shellSessionsTotal.WithLabelValues(result).Inc()
	shellSessionDuration.Observe(lifetime.Seconds())
}

// RecordShellSpawnFailure records a session that never became active.
func RecordShellSpawnFailure() {
	shellSessionsTotal.WithLabelValues("spawn_failed").Inc()
}

// RecordShellBytes records relayed bytes; direction is "in" or "out".
func RecordShellBytes(direction string, n int) {
	shellBytesTotal.WithLabelValues(direction).Add(float64(n))
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

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: underlying ResponseWriter is not a Hijacker")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
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
