// Package logging provides the single structured logging sink threaded
// through the datastream core. The original C implementation scattered
// LOG() printf-macro calls through every file; this package replaces that
// with one explicit dependency, constructed once by the caller and passed
// into each component that needs it.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger wraps *slog.Logger with the handful of level helpers the
// datastream core actually needs.
type Logger struct {
	*slog.Logger
}

// New builds a Logger writing structured text records to w, tagged with
// the given component name (e.g. "stream", "recovery", "mdal").
func New(w io.Writer, component string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{Logger: slog.New(h).With("component", component)}
}

// Discard returns a Logger that drops all records, for tests and
// collaborators that don't care about diagnostics.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// With returns a derived Logger carrying the given key/value pairs on
// every subsequent record, e.g. streamid/ctag for a particular stream.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Errf logs a formatted error-level record; kept for call sites that are
// most naturally expressed as one formatted message rather than key/value
// pairs (close mirror of the source's `LOG(LOG_ERR, "...", ...)` sites).
func (l *Logger) Errf(ctx context.Context, format string, args ...any) {
	l.Logger.Log(ctx, slog.LevelError, sprintf(format, args...))
}

// Warnf is the LOG_WARNING analogue.
func (l *Logger) Warnf(ctx context.Context, format string, args ...any) {
	l.Logger.Log(ctx, slog.LevelWarn, sprintf(format, args...))
}

// Infof is the LOG_INFO analogue.
func (l *Logger) Infof(ctx context.Context, format string, args ...any) {
	l.Logger.Log(ctx, slog.LevelInfo, sprintf(format, args...))
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
