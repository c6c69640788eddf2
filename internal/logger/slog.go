// Package logger configures the process-wide structured logger and carries
// the request-scoped context keys the rest of the bridge logs against.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var (
	slogger *slog.Logger
	logFile *os.File
)

// Init initializes the slog-based logger. If jsonOutput is true, logs are
// formatted as JSON (the production default); otherwise a human-readable
// text handler is used.
func Init(logDir string, jsonOutput bool) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	logFileName := "mcpo-bridge-" + time.Now().Format("2006-01-02") + ".log"
	logFilePath := filepath.Join(logDir, logFileName)

	var err error
	logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	writer := io.MultiWriter(os.Stdout, logFile)

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)
	return nil
}

// Close closes the log file.
func Close() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// Slog returns the process logger, falling back to slog.Default() if Init
// was never called (e.g. in unit tests).
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

type contextKey string

const (
	ContextKeyRequestID  contextKey = "request_id"
	ContextKeyServer     contextKey = "server"
	ContextKeySessionKey contextKey = "session_key"
	ContextKeyAdapterID  contextKey = "adapter_id"
)

// WithContext returns a logger annotated with whichever request-scoped
// fields are present on ctx.
func WithContext(ctx context.Context) *slog.Logger {
	l := Slog()
	if v := ctx.Value(ContextKeyRequestID); v != nil {
		l = l.With("request_id", v)
	}
	if v := ctx.Value(ContextKeyServer); v != nil {
		l = l.With("server", v)
	}
	if v := ctx.Value(ContextKeySessionKey); v != nil {
		l = l.With("session_key", v)
	}
	if v := ctx.Value(ContextKeyAdapterID); v != nil {
		l = l.With("adapter_id", v)
	}
	return l
}

func InfoContext(ctx context.Context, msg string, args ...any)  { WithContext(ctx).Info(msg, args...) }
func ErrorContext(ctx context.Context, msg string, args ...any) { WithContext(ctx).Error(msg, args...) }
func WarnContext(ctx context.Context, msg string, args ...any)  { WithContext(ctx).Warn(msg, args...) }
func DebugContext(ctx context.Context, msg string, args ...any) { WithContext(ctx).Debug(msg, args...) }
