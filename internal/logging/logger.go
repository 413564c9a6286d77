package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a structured logger. Development mode switches to the
// console encoder; level accepts zap level names and falls back to info.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.TimeKey = "timestamp"

	if level = strings.TrimSpace(level); level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	return cfg.Build()
}

// WithOperation enriches the logger with operation and request identifiers.
func WithOperation(logger *zap.Logger, operation, requestID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	return logger.With(fields...)
}

// WithSession is WithOperation plus the owning page session.
func WithSession(logger *zap.Logger, operation, sessionID, requestID string) *zap.Logger {
	l := WithOperation(logger, operation, requestID)
	if sessionID != "" {
		l = l.With(zap.String("session_id", sessionID))
	}
	return l
}
