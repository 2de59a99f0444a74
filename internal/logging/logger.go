// Package logging builds the structured loggers used across dray.
// It wraps log/slog with level parsing, text or JSON output, and child
// loggers carrying build, worker and task identifiers.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Log levels supported by the logger
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// Output formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ParseLevel converts a string log level to slog.Level.
// Defaults to INFO if the level string is not recognized.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether level is one of the recognized names
func ValidLevel(level string) bool {
	switch strings.ToUpper(level) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// New creates a logger writing to w
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, FormatJSON) {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Open creates a logger writing to the file at path, or to stderr when path
// is empty. The returned closer releases the file.
func Open(path, level, format string) (*slog.Logger, io.Closer, error) {
	if path == "" {
		return New(os.Stderr, level, format), io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return New(f, level, format), f, nil
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithBuild returns a child logger tagged with the build ID
func WithBuild(l *slog.Logger, buildID string) *slog.Logger {
	return l.With(slog.String("build_id", buildID))
}

// WithWorker returns a child logger tagged with the worker ID
func WithWorker(l *slog.Logger, workerID string) *slog.Logger {
	return l.With(slog.String("worker_id", workerID))
}

// WithTask returns a child logger tagged with the task ID
func WithTask(l *slog.Logger, taskID string) *slog.Logger {
	return l.With(slog.String("task_id", taskID))
}
