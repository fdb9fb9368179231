// Package logging builds the slog loggers used by every kernel component.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/me/kcore/internal/config"
)

// NewLogger returns a logger writing to stderr; stdout carries command
// output.
//
// format is "text" or "json"; anything else falls back to text.
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter returns a logger writing to w.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// FromConfig returns the logger described by the log section of the
// configuration.
func FromConfig(cfg config.LogConfig, w io.Writer) *slog.Logger {
	return NewLoggerWithWriter(ParseLevel(cfg.Level), cfg.Format, w)
}

// ForCPU returns a child of logger tagged with cpu.
func ForCPU(logger *slog.Logger, cpu int) *slog.Logger {
	return logger.With("cpu", cpu)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel converts debug, info, warn(ing) or error to a slog.Level.
// Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
