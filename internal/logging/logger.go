package logging

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

type requestIDKey struct{}

type ContextLogger struct {
	*logrus.Logger
}

func NewLogger() *ContextLogger {
	logger, _ := NewLoggerWithConfig("info", os.Stdout)
	return logger
}

func NewLoggerWithConfig(level string, out io.Writer) (*ContextLogger, error) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(out)
	logger.SetLevel(parsed)

	return &ContextLogger{Logger: logger}, nil
}

// NewNopLogger discards everything; used by tests and by callers that do not
// care about output.
func NewNopLogger() *ContextLogger {
	logger, _ := NewLoggerWithConfig("panic", io.Discard)
	return logger
}

// WithRequestID stores the correlation id of the current request so every
// log entry written with this ctx carries it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func (l *ContextLogger) WithTracing(ctx context.Context) *logrus.Entry {
	entry := l.WithContext(ctx)

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		entry = entry.WithFields(logrus.Fields{
			"trace_id": spanCtx.TraceID().String(),
			"span_id":  spanCtx.SpanID().String(),
		})
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		entry = entry.WithField("request_id", requestID)
	}

	return entry
}

func (l *ContextLogger) InfoWithTracing(ctx context.Context, msg string, fields logrus.Fields) {
	entry := l.WithTracing(ctx)
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Info(msg)
}

func (l *ContextLogger) ErrorWithTracing(ctx context.Context, msg string, err error, fields logrus.Fields) {
	entry := l.WithTracing(ctx)
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}

func (l *ContextLogger) WarnWithTracing(ctx context.Context, msg string, fields logrus.Fields) {
	entry := l.WithTracing(ctx)
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Warn(msg)
}
