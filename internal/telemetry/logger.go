// Package telemetry builds the process logger: a JSON file sink under the
// warden home directory fanned out with a human-readable stderr handler.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"

	"github.com/basket/warden/internal/shared"
)

// Options tune NewLogger.
type Options struct {
	Level string
	// Quiet suppresses the stderr handler; the JSON file is always written.
	Quiet bool
	// Console overrides os.Stderr for the human-readable handler.
	Console io.Writer
}

// NewLogger returns a logger writing JSON lines to <homeDir>/logs/system.jsonl
// and, unless quiet, text lines to stderr. The closer releases the file.
func NewLogger(homeDir string, opts Options) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	handlerOpts := &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: redactAttr,
	}
	handlers := []slog.Handler{slog.NewJSONHandler(file, handlerOpts)}
	if !opts.Quiet {
		console := opts.Console
		if console == nil {
			console = os.Stderr
		}
		handlers = append(handlers, slog.NewTextHandler(console, handlerOpts))
	}

	handler := slogmulti.Pipe(slogmulti.NewHandleInlineMiddleware(contextIDs)).Handler(slogmulti.Fanout(handlers...))
	logger := slog.New(handler).With("component", "runtime")
	return logger, file, nil
}

// contextIDs stamps the trace and task-tree node carried by ctx onto records
// logged through the *Context methods. trace_id is always present.
func contextIDs(ctx context.Context, r slog.Record, next func(context.Context, slog.Record) error) error {
	r = r.Clone()
	r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
	if id := shared.NodeID(ctx); id != "" {
		r.AddAttrs(slog.String("node_id", id))
	}
	return next(ctx, r)
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shared.IsSensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		v := a.Value.String()
		lower := strings.ToLower(v)
		if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
			return slog.String(a.Key, "[REDACTED]")
		}
		if redacted := shared.Redact(v); redacted != v {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
