// Package log provides a structured logging interface for training and inference.
//
// The interface is slog-compatible in shape (message plus alternating
// key/value fields) while the default implementation writes JSON lines
// through zerolog.
//
// Example usage:
//
//	logger := log.GetLogger().With(
//	    log.ModelNameKey, "MLPClassifier",
//	    log.EstimatorIDKey, id,
//	)
//	logger.Info("Training started",
//	    log.OperationKey, log.OperationFit,
//	    log.SamplesKey, 150,
//	)

package log

import (
	"context"
)

// Logger defines a structured logging interface.
//
// Fields are alternating key/value pairs. For Error, an error value passed as
// the first field is attached as the event's error, including its stack trace
// when it was created through pkg/errors.
type Logger interface {
	// Debug logs detailed diagnostic information, such as per-batch scores.
	Debug(msg string, fields ...any)

	// Info logs general operational information.
	Info(msg string, fields ...any)

	// Warn logs potentially problematic situations that do not stop the run.
	Warn(msg string, fields ...any)

	// Error logs error conditions.
	//
	//	logger.Error("Training failed", err, log.EpochKey, 3)
	Error(msg string, fields ...any)

	// With returns a Logger that adds fields to every subsequent record.
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
