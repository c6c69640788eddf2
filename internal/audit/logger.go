// Package audit provides an append-only structured log of adapter and
// session lifecycle events, independent of the general process log.
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation identifies the kind of auditable event.
type Operation string

const (
	OpAdapterSpawned     Operation = "adapter.spawned"
	OpAdapterReady       Operation = "adapter.ready"
	OpAdapterTerminated  Operation = "adapter.terminated"
	OpSessionAcquired    Operation = "session.acquired"
	OpSessionReaped      Operation = "session.reaped"
	OpWorkspaceCreated   Operation = "workspace.created"
	OpWorkspaceReclaimed Operation = "workspace.reclaimed"
	OpToolCall           Operation = "tool.call"
)

// Event is one audit log entry.
type Event struct {
	Timestamp   time.Time              `json:"timestamp"`
	Operation   Operation              `json:"operation"`
	Server      string                 `json:"server,omitempty"`
	SessionKey  string                 `json:"session_key,omitempty"`
	WorkspaceID string                 `json:"workspace_id,omitempty"`
	RequestID   string                 `json:"request_id,omitempty"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Logger emits audit events as JSON-structured slog records.
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the process-wide audit logger.
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(true)
	})
	return defaultLogger
}

// New creates an audit logger. Disabled loggers drop every event cheaply.
func New(enabled bool) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{logger: slog.New(handler), enabled: enabled}
}

func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event.
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()
	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}
	if event.Server != "" {
		attrs = append(attrs, slog.String("server", event.Server))
	}
	if event.SessionKey != "" {
		attrs = append(attrs, slog.String("session_key", event.SessionKey))
	}
	if event.WorkspaceID != "" {
		attrs = append(attrs, slog.String("workspace_id", event.WorkspaceID))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

func (l *Logger) LogSuccess(op Operation, server, sessionKey string) {
	l.Log(&Event{Operation: op, Server: server, SessionKey: sessionKey, Success: true})
}

func (l *Logger) LogFailure(op Operation, server, sessionKey string, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	l.Log(&Event{Operation: op, Server: server, SessionKey: sessionKey, Success: false, Error: errMsg})
}

func Log(event *Event) { Default().Log(event) }

func LogSuccess(op Operation, server, sessionKey string) {
	Default().LogSuccess(op, server, sessionKey)
}

func LogFailure(op Operation, server, sessionKey string, err error) {
	Default().LogFailure(op, server, sessionKey, err)
}
