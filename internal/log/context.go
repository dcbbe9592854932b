package log

import (
	"context"
)

// ContextKey type for context keys
type ContextKey string

const (
	// LoggerContextKey is the context key for the logger
	LoggerContextKey ContextKey = "logger"
)

// FromContext extracts a logger from the request context
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(LoggerContextKey).(*Logger); ok {
		return logger
	}
	// Return default logger if not found
	return Default("unknown")
}

// StructuredLogger provides structured logging methods with context awareness
type StructuredLogger struct {
	logger *Logger
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(logger *Logger) *StructuredLogger {
	return &StructuredLogger{
		logger: logger,
	}
}

// LogAuthOutcome logs the result of a session operation
func (sl *StructuredLogger) LogAuthOutcome(ctx context.Context, operation, sessionRef, userID string, err error) {
	fields := NewFields().
		WithSession(sessionRef, userID).
		WithOperation(operation)

	if err != nil {
		sl.logger.WarnContext(ctx, "Session operation failed", fields.WithError(err).ToSlice()...)
		return
	}
	sl.logger.InfoContext(ctx, "Session operation completed", fields.ToSlice()...)
}
