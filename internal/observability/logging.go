package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/steward/internal/config"
	"github.com/pitabwire/steward/model"
)

type loggerKey struct{}

// NewLogger creates a JSON zap.Logger writing to stdout.
//
// Level conventions:
//   - error: store failures, failed cycles, 5xx responses
//   - warn:  per-account failures, lost transitions, notification failures
//   - info:  cycle summaries, step transitions, catalog reloads
//   - debug: per-trigger decisions, wake evaluation detail
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with the actor on the context.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	actor := model.ActorFrom(ctx)
	if actor == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("actor_id", actor.ActorID),
		zap.String("correlation_id", actor.CorrelationID),
	}
	if actor.TraceID != "" {
		fields = append(fields, zap.String("trace_id", actor.TraceID))
	}
	return logger.With(fields...)
}

// CycleLogger scopes a logger to one scheduler cycle.
func CycleLogger(logger *zap.Logger, cycleID string) *zap.Logger {
	return logger.With(zap.String("cycle_id", cycleID))
}
