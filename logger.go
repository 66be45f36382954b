package chunkdiff

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with chunkdiff-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithColumn adds the tracked column name to the logger.
func (l *Logger) WithColumn(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("column", name),
	}
}

// WithCount adds a count field to the logger.
func (l *Logger) WithCount(count int) *Logger {
	return &Logger{
		Logger: l.Logger.With("count", count),
	}
}

// LogDiff logs a completed diff call.
func (l *Logger) LogDiff(ctx context.Context, stats DiffStats, err error) {
	if err != nil {
		l.ErrorContext(ctx, "diff failed",
			"chunks", stats.Chunks,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "diff completed",
			"chunks", stats.Chunks,
			"skipped", stats.Skipped,
			"new", stats.New,
			"vanished", stats.Vanished,
			"comparisons", stats.Comparisons,
			"added", stats.Added,
			"removed", stats.Removed,
		)
	}
}

// LogCheckpoint logs a shadow checkpoint upload.
func (l *Logger) LogCheckpoint(ctx context.Context, name string, bytes int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed",
			"name", name,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "checkpoint saved",
			"name", name,
			"bytes", bytes,
		)
	}
}

// LogRestore logs a shadow restore from a checkpoint.
func (l *Logger) LogRestore(ctx context.Context, name string, chunks int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "restore failed",
			"name", name,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "checkpoint restored",
			"name", name,
			"chunks", chunks,
		)
	}
}
