// Package logging provides structured logging for interop-driver.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured logger writing to stderr.
// Format should be "json" or "text".
// Level should be "debug", "info", "warn", or "error".
// The driver's --debug flag maps to verbose, which forces debug level.
func NewLogger(format, level string, verbose bool) *slog.Logger {
	logLevel := parseLevel(level)
	if verbose {
		logLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	return slog.New(newHandler(os.Stderr, format, opts, "json"))
}

// NewLoggerWithWriter creates a logger that writes to a custom writer.
// Useful for testing.
func NewLoggerWithWriter(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	return slog.New(newHandler(w, format, opts, "text"))
}

// Discard returns a logger that drops everything.
// Used while the dashboard owns the terminal.
func Discard() *slog.Logger {
	return NewLoggerWithWriter(io.Discard, "json", "error")
}

// ForRun tags every record with the run ID and, when set, the worker number.
func ForRun(logger *slog.Logger, runID string, worker int) *slog.Logger {
	if worker > 0 {
		return logger.With("run_id", runID, "worker", worker)
	}
	return logger.With("run_id", runID)
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions, fallback string) slog.Handler {
	f := strings.ToLower(format)
	if f != "json" && f != "text" {
		f = fallback
	}
	if f == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// parseLevel converts a string level to slog.Level.
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

// SetDefault sets the default logger for the slog package.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
