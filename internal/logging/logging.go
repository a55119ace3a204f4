// Package logging builds the process slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a logger for the given mode and level. Dev mode writes text to
// stderr; prod mode writes JSON to stdout.
func New(mode, level string) *slog.Logger {
	return slog.New(NewHandler(mode, level, nil))
}

// NewHandler builds the handler used by New. A nil w selects the mode default.
func NewHandler(mode, level string, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	switch mode {
	case "prod":
		if w == nil {
			w = os.Stdout
		}
		return slog.NewJSONHandler(w, opts)
	default:
		if w == nil {
			w = os.Stderr
		}
		return slog.NewTextHandler(w, opts)
	}
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
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

// Component returns a child logger tagged with the component name.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", name)
}
