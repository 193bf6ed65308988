// Package logging provides structured logging configuration using log/slog.
//
// This package integrates with chi's RequestID middleware and with export
// IDs so that every line written while serving one download can be
// correlated, from strategy selection to the last byte delivered.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey int

const exportIDKey ctxKey = iota

// Setup configures the global slog logger based on level and format and
// returns it.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
func Setup(level, format string) *slog.Logger {
	logger := New(os.Stdout, level, format)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger writing to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithExportID stores the export ID in ctx.
func WithExportID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, exportIDKey, id)
}

// ExportID returns the export ID stored in ctx, or "".
func ExportID(ctx context.Context) string {
	id, _ := ctx.Value(exportIDKey).(string)
	return id
}

// FromContext returns a logger enriched with request context.
//
// The returned logger carries request_id when chi's RequestID middleware ran
// and export_id once an export has been assigned one.
//
// Usage:
//
//	func handleExport(w http.ResponseWriter, r *http.Request) {
//	    logger := logging.FromContext(r.Context())
//	    logger.Info("export requested", "report", key)
//	}
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if exportID := ExportID(ctx); exportID != "" {
		logger = logger.With("export_id", exportID)
	}

	return logger
}

// WithFields returns a logger with additional structured fields.
//
// Usage:
//
//	exportLogger := logging.WithFields(ctx,
//	    "report", def.Key,
//	    "format", res.Kind(),
//	)
//	exportLogger.Info("export started")
//	// ... later ...
//	exportLogger.Info("export completed", "bytes", n)
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}
