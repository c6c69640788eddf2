// Package httpapi is the HTTP Surface: it routes
// POST /mcp/{server}, POST /mcpo/{server}, GET /health, and GET /metrics to
// the dispatcher, plus a static-style GET /files/{uuid}/{name} download
// handler.
//
// A single http.ServeMux, a request-ID-stamping middleware wrapping
// everything, and unauthenticated /health and /metrics routes ahead of the
// rate-limited application routes.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/notfolder/mcpo-bridge/internal/dispatch"
	"github.com/notfolder/mcpo-bridge/internal/logger"
	"github.com/notfolder/mcpo-bridge/internal/metrics"
	"github.com/notfolder/mcpo-bridge/internal/ratelimit"
	"github.com/notfolder/mcpo-bridge/internal/registry"
	"github.com/notfolder/mcpo-bridge/internal/validation"
	"github.com/notfolder/mcpo-bridge/internal/workspace"
)

// Server owns the bridge's HTTP surface.
type Server struct {
	dispatcher  *dispatch.Dispatcher
	registry    *registry.Registry
	jobs        *workspace.Manager
	limiter     *ratelimit.Limiter
	startedAt   time.Time
	version     string
	maxBodySize int64
}

// Config configures the HTTP surface.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Jobs       *workspace.Manager
	Limiter    *ratelimit.Limiter
	Version    string
}

// New constructs a Server.
func New(cfg Config) *Server {
	return &Server{
		dispatcher:  cfg.Dispatcher,
		registry:    cfg.Registry,
		jobs:        cfg.Jobs,
		limiter:     cfg.Limiter,
		startedAt:   time.Now(),
		version:     cfg.Version,
		maxBodySize: 10 << 20, // 10 MiB; generous for a tool-call envelope
	}
}

// Handler builds the top-level http.Handler, wiring every route the
// bridge exposes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/files/{uuid}/{name}", s.handleDownload)

	mcpHandler := metrics.Middleware(s.rateLimited(http.HandlerFunc(s.handleRPC("mcp"))))
	mcpoHandler := metrics.Middleware(s.rateLimited(http.HandlerFunc(s.handleRPC("mcpo"))))
	mux.Handle("/mcp/{server}", mcpHandler)
	mux.Handle("/mcpo/{server}", mcpoHandler)

	return s.withRequestID(mux)
}

// withRequestID stamps every request with a request id, attaching it to
// both the response header and the request context for downstream
// structured logging.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		r = r.WithContext(context.WithValue(r.Context(), logger.ContextKeyRequestID, requestID))

		logger.Slog().Info("http request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "request_id", requestID)
		next.ServeHTTP(w, r)
	})
}

func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// rateLimited applies the per-session-key token bucket ahead of the
// dispatcher, keyed on
// the bridge's own session key derivation since there is no auth token here
// (there is no auth layer in front of the bridge).
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := dispatch.SessionKey(r.Header, r.RemoteAddr)
		if !s.limiter.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"error":   map[string]any{"code": -32029, "message": "rate limit exceeded"},
				"id":      nil,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleRPC returns a handler bound to proto ("mcp" or "mcpo") that reads
// the server name from the path, reads the body, and delegates to the
// dispatcher.
func (s *Server) handleRPC(proto string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		serverName := r.PathValue("server")

		body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodySize))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"ParseError","message":"failed to read request body"}`))
			return
		}

		status, resp := s.dispatcher.Dispatch(r.Context(), proto, serverName, body, r.Header, r.RemoteAddr)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(resp)
	}
}

// healthResponse is the response body shape for GET /health.
type healthResponse struct {
	Status            string `json:"status"`
	Timestamp         string `json:"timestamp"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	Version           string `json:"version"`
	StatefulProcesses int    `json:"stateful_processes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:            "ok",
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		Version:           s.version,
		StatefulProcesses: s.registry.Count(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleDownload serves GET /files/{uuid}/{name}. In production this route
// is normally served by an external static file server / reverse proxy
// (serving files is normally someone else's job); this handler exists so the bridge is
// independently runnable, and enforces the same containment invariant the
// Path Resolver enforces on the write side.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	name := r.PathValue("name")

	if err := validation.ValidateWorkspaceID(uuid); err != nil {
		http.NotFound(w, r)
		return
	}
	if !validation.IsBasename(name) || validation.ContainsDotDot(name) {
		http.NotFound(w, r)
		return
	}

	workspacePath, err := s.jobs.Lookup(uuid)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	full := filepath.Join(workspacePath, name)
	if !strings.HasPrefix(full, filepath.Clean(workspacePath)+string(filepath.Separator)) {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, full)
}
