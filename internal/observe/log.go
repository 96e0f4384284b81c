// Package observe provides the gateway's observability plane: structured
// logging with request correlation, Prometheus metrics, an in-process
// metrics snapshot, OTel trace bootstrap, and the HTTP middleware that ties
// them to each request.
package observe

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unitrack/unitrack/internal/redact"
)

// NewLogger builds the production JSON logger. Field names follow the fixed
// wire set: timestamp, level, logger, message plus contextual fields. The
// returned AtomicLevel retunes the logger at runtime on config reload.
func NewLogger(level string) (*zap.Logger, zap.AtomicLevel, error) {
	atomic := zap.NewAtomicLevel()
	if err := SetLevel(atomic, level); err != nil {
		return nil, atomic, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = atomic
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.NameKey = "logger"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	return logger, atomic, err
}

// SetLevel parses a level name and applies it to an AtomicLevel.
func SetLevel(atomic zap.AtomicLevel, level string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	atomic.SetLevel(lvl)
	return nil
}

// LoggerFromContext decorates the logger with request_id, tenant_id,
// user_id, and active trace/span IDs from the context.
func LoggerFromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := make([]zap.Field, 0, 5)
	if id := RequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if id := TenantID(ctx); id != "" {
		fields = append(fields, zap.String("tenant_id", id))
	}
	if id := UserID(ctx); id != "" {
		fields = append(fields, zap.String("user_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// Redacted wraps a structured payload for logging with the credential
// redaction pass applied first. Leaking once is leaking forever, so the
// scrub happens before the field ever reaches an encoder.
func Redacted(key string, payload map[string]interface{}) zap.Field {
	return zap.Any(key, redact.Map(payload))
}
