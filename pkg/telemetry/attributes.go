// Package telemetry provides OpenTelemetry tracing for dray builds
package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention keys for dray-specific attributes
const (
	// Build attributes
	KeyBuildID    = "dray.build.id"
	KeyBuildRoots = "dray.build.roots"

	// Task attributes
	KeyTaskID       = "dray.task.id"
	KeyTaskKind     = "dray.task.kind"
	KeyTaskState    = "dray.task.state"
	KeyTaskExternal = "dray.task.external"
	KeyTaskAttempt  = "dray.task.attempt"
	KeyTaskComplete = "dray.task.complete"

	// Worker attributes
	KeyWorkerID    = "dray.worker.id"
	KeyWorkerCount = "dray.worker.count"

	// Error attributes
	KeyErrorType     = "dray.error.type"
	KeyErrorCategory = "dray.error.category"
)

// Error categories
const (
	ErrorCategoryGraph   = "graph"
	ErrorCategoryCheck   = "check"
	ErrorCategoryRun     = "run"
	ErrorCategoryTimeout = "timeout"
	ErrorCategoryUnknown = "unknown"
)

// TaskAttrs returns a set of attributes for a task
func TaskAttrs(id, kind, state string, external bool, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyTaskID, id),
		attribute.String(KeyTaskKind, kind),
		attribute.String(KeyTaskState, state),
		attribute.Bool(KeyTaskExternal, external),
		attribute.Int(KeyTaskAttempt, attempt),
	}
}

// WorkerAttrs returns a set of attributes for a worker
func WorkerAttrs(workerID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyWorkerID, workerID),
	}
}
