// Package log provides the structured logging interface used across gopots.
//
// The interface is slog-compatible: messages carry alternating key/value fields.
// The default implementation is backed by zerolog; tests substitute TestLogger.
//
// Example usage:
//
//	logger := log.GetLoggerWithName("train").With(
//	    log.ModelNameKey, "SAITS",
//	)
//	logger.Info("Epoch finished",
//	    log.EpochKey, 3,
//	    log.LossKey, 0.1234,
//	)

package log

import (
	"context"
)

// Logger defines a structured logging interface compatible with Go's log/slog.
type Logger interface {
	// Debug logs a debug-level message with optional key/value fields.
	Debug(msg string, fields ...any)

	// Info logs an info-level message with optional key/value fields.
	Info(msg string, fields ...any)

	// Warn logs a warning-level message with optional key/value fields.
	Warn(msg string, fields ...any)

	// Error logs an error-level message. If the first field is an error,
	// it is attached as the record's error.
	//
	//   logger.Error("Checkpoint write failed", err, log.CheckpointPathKey, path)
	Error(msg string, fields ...any)

	// With returns a new Logger with the given fields pre-populated.
	With(fields ...any) Logger

	// Enabled reports whether the logger emits records at the given level.
	Enabled(ctx context.Context, level Level) bool
}

// Level represents a logging level, compatible with slog.Level.
type Level int

// Standard logging levels, values are compatible with slog.Level.
const (
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LoggerProvider creates and configures loggers.
type LoggerProvider interface {
	GetLogger() Logger
	GetLoggerWithName(name string) Logger
	SetLevel(level Level)
}
