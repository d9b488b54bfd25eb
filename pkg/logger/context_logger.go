package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// WithTrace returns the logger annotated with the trace and span ids of
// the span carried in ctx, if any. Lines logged through it can be
// correlated with the request trace.
func WithTrace(ctx context.Context, log *zap.SugaredLogger) *zap.SugaredLogger {
	span := trace.SpanContextFromContext(ctx)
	if !span.IsValid() {
		return log
	}
	return log.With(
		"trace_id", span.TraceID().String(),
		"span_id", span.SpanID().String(),
	)
}
