// Package metrics exposes the bridge's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests reaching the dispatcher.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_requests_total",
			Help: "Total number of HTTP requests handled by the bridge",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks currently registered stateful sessions per server.
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_active_sessions",
			Help: "Number of active stateful sessions",
		},
		[]string{"server"},
	)

	// AdapterSpawns counts adapter spawn attempts.
	AdapterSpawns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_adapter_spawns_total",
			Help: "Total number of MCP subprocess adapters spawned",
		},
		[]string{"server", "status"},
	)

	// AdapterDeaths counts adapters that transitioned to dead, by cause.
	AdapterDeaths = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_adapter_deaths_total",
			Help: "Total number of adapters that terminated",
		},
		[]string{"server", "reason"},
	)

	// ToolCalls tracks subprocess JSON-RPC calls issued via the dispatcher.
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_calls_total",
			Help: "Total number of JSON-RPC calls dispatched to subprocesses",
		},
		[]string{"server", "method", "status"},
	)

	// CallDuration tracks subprocess call latency.
	CallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_call_duration_seconds",
			Help:    "Subprocess call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "method"},
	)

	// SessionsReaped counts sessions removed by the garbage collector.
	SessionsReaped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_sessions_reaped_total",
			Help: "Total number of stateful sessions reaped by the GC",
		},
		[]string{"server"},
	)

	// WorkspacesReclaimed counts workspace directories removed by the GC.
	WorkspacesReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_workspaces_reclaimed_total",
			Help: "Total number of workspace directories removed by the GC",
		},
	)
)

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

// Middleware records request count and latency for every HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath collapses per-server routes to avoid label cardinality
// blowup from arbitrary server names.
func normalizePath(path string) string {
	switch {
	case path == "/health", path == "/metrics":
		return path
	case strings.HasPrefix(path, "/mcp/"):
		return "/mcp/{server}"
	case strings.HasPrefix(path, "/mcpo/"):
		return "/mcpo/{server}"
	case strings.HasPrefix(path, "/files/"):
		return "/files/{uuid}/{name}"
	default:
		return "other"
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordSessionDelta(server string, delta float64) {
	ActiveSessions.WithLabelValues(server).Add(delta)
}

func RecordAdapterSpawn(server, status string) {
	AdapterSpawns.WithLabelValues(server, status).Inc()
}

func RecordAdapterDeath(server, reason string) {
	AdapterDeaths.WithLabelValues(server, reason).Inc()
}

func RecordCall(server, method, status string, durationSeconds float64) {
	ToolCalls.WithLabelValues(server, method, status).Inc()
	CallDuration.WithLabelValues(server, method).Observe(durationSeconds)
}

func RecordSessionReaped(server string) {
	SessionsReaped.WithLabelValues(server).Inc()
}

func RecordWorkspaceReclaimed() {
	WorkspacesReclaimed.Inc()
}
