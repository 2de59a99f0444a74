package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the global tracer for dray
var tracer = otel.Tracer("dray")

// Span names for dray operations
const (
	SpanBuildRun = "dray.build.run"

	SpanWorkerRun = "dray.worker.run"

	SpanTaskResolve = "dray.task.resolve"
	SpanTaskCheck   = "dray.task.check"
	SpanTaskExecute = "dray.task.execute"
)

// StartBuildSpan starts a span covering one build invocation
func StartBuildSpan(ctx context.Context, buildID string, roots []string, workers int) (context.Context, trace.Span) {
	return tracer.Start(ctx, SpanBuildRun, trace.WithAttributes(
		attribute.String(KeyBuildID, buildID),
		attribute.StringSlice(KeyBuildRoots, roots),
		attribute.Int(KeyWorkerCount, workers),
	))
}

// StartTaskSpan starts a span for a task operation with task attributes
func StartTaskSpan(ctx context.Context, name string, taskAttrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(taskAttrs...))
}

// StartWorkerSpan starts a span for a worker operation
func StartWorkerSpan(ctx context.Context, name string, workerID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyWorkerID, workerID))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records an error on a span with optional error category
func RecordError(span trace.Span, err error, errorCategory string) {
	if err == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("exception.message", err.Error()),
		attribute.String(KeyErrorType, ErrorTypeFromError(err)),
	}
	if errorCategory != "" {
		attrs = append(attrs, attribute.String(KeyErrorCategory, errorCategory))
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// RecordErrorWithStatus records an error, or marks the span ok when err is nil
func RecordErrorWithStatus(span trace.Span, err error, errorCategory string) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	RecordError(span, err, errorCategory)
}

// SetTaskState sets the task state as a span attribute
func SetTaskState(span trace.Span, state string) {
	span.SetAttributes(attribute.String(KeyTaskState, state))
}

// SetCheckResult records the outcome of a completion check
func SetCheckResult(span trace.Span, complete bool) {
	span.SetAttributes(attribute.Bool(KeyTaskComplete, complete))
}

// GetTraceID returns the trace ID from context if available
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// ErrorTypeFromError extracts a human-readable error type
func ErrorTypeFromError(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}
