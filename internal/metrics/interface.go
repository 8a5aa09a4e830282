package metrics

import "context"

// Collector is the interface for metrics collection.
// Implementations are the Prometheus-backed collector and the no-op collector.
type Collector interface {
	RecordOperation(ctx context.Context, operation string, status string, durationMs int64)
	RecordError(ctx context.Context, operation string, errorType string)
	SetKnowledgeCount(ctx context.Context, kind string, count int64)
}

// Status labels shared by all operations.
const (
	StatusSuccess = "success"
	StatusEmpty   = "empty"
	StatusError   = "error"
)
