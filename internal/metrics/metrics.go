// Package metrics provides Prometheus metrics for the CodeSync server.
package metrics

import (
	"bufio"
	"fmt"
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
			Name: "codesync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codesync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Websocket metrics
	wsConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codesync_ws_connections_active",
			Help: "Number of open websocket connections",
		},
	)

	// Room metrics
	roomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codesync_rooms_active",
			Help: "Number of active rooms",
		},
	)

	membersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codesync_members_active",
			Help: "Number of members across all rooms",
		},
	)

	roomTreeSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codesync_room_tree_size",
			Help:    "Nodes in a room tree at mutation time",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	// Mutation metrics
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_mutations_total",
			Help: "Total tree mutations processed by the registry",
		},
		[]string{"kind", "status"},
	)

	broadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_broadcasts_total",
			Help: "Total broadcast frames fanned out, by event",
		},
		[]string{"event"},
	)

	chatMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codesync_chat_messages_total",
			Help: "Total chat messages relayed",
		},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codesync_rate_limit_hits_total",
			Help: "Total inbound frames rejected by the rate limiter",
		},
	)

	// Sandbox metrics
	sandboxRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesync_sandbox_runs_total",
			Help: "Total sandbox evaluations",
		},
		[]string{"result"},
	)

	sandboxRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codesync_sandbox_run_duration_seconds",
			Help:    "Sandbox evaluation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
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

// SetWSConnectionsActive sets the number of open websocket connections.
func SetWSConnectionsActive(count int64) {
	wsConnectionsActive.Set(float64(count))
}

// SetRoomsActive sets the number of active rooms.
func SetRoomsActive(count int64) {
	roomsActive.Set(float64(count))
}

// SetMembersActive sets the number of members across all rooms.
func SetMembersActive(count int64) {
	membersActive.Set(float64(count))
}

// ObserveRoomTreeSize records the size of a room tree after a mutation.
func ObserveRoomTreeSize(nodes int) {
	roomTreeSize.Observe(float64(nodes))
}

// RecordMutation records a mutation attempt.
func RecordMutation(kind string, accepted bool) {
	status := "accepted"
	if !accepted {
		status = "rejected"
	}
	mutationsTotal.WithLabelValues(kind, status).Inc()
}

// RecordBroadcast records one broadcast fan-out.
func RecordBroadcast(event string) {
	broadcastsTotal.WithLabelValues(event).Inc()
}

// RecordChatMessage records a relayed chat message.
func RecordChatMessage() {
	chatMessagesTotal.Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordSandboxRun records a sandbox evaluation.
func RecordSandboxRun(result string, duration time.Duration) {
	sandboxRunsTotal.WithLabelValues(result).Inc()
	sandboxRunDuration.Observe(duration.Seconds())
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

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
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
