// Package logger provides structured logging setup for PyForge.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/Strob0t/PyForge/internal/config"
)

// New creates a *slog.Logger from the given Logging config.
// Output is JSON to stderr with a "service" attribute on every record.
// Stdout is reserved for the MCP stdio protocol.
//
// When cfg.Async is set, records are handled by a background worker; the
// returned Closer flushes pending records and must be called on shutdown.
// In synchronous mode the Closer is a no-op.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	level := parseLevel(cfg.Level)

	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})

	if !cfg.Async {
		return slog.New(inner).With("service", cfg.Service), nopCloser{}
	}

	h := NewAsyncHandler(inner, 1024, 1)
	return slog.New(h).With("service", cfg.Service), h
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
