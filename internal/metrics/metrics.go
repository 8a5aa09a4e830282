package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector provides Prometheus metrics collection for qcselect operations
type MetricsCollector struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsTotal       *prometheus.CounterVec
	knowledgeCount    *prometheus.GaugeVec
	registry          *prometheus.Registry
}

// NewCollector creates a new Prometheus metrics collector
func NewCollector() *MetricsCollector {
	registry := prometheus.NewRegistry()

	operationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qcselect_operations_total",
			Help: "Total number of qcselect operations by type and status",
		},
		[]string{"operation", "status"},
	)

	operationDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qcselect_operation_duration_seconds",
			Help:    "Duration of qcselect operations by type",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"operation"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qcselect_errors_total",
			Help: "Total number of errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)

	knowledgeCount := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qcselect_knowledge_count",
			Help: "Current size of the knowledge base by kind",
		},
		[]string{"kind"},
	)

	registry.MustRegister(operationsTotal)
	registry.MustRegister(operationDuration)
	registry.MustRegister(errorsTotal)
	registry.MustRegister(knowledgeCount)

	return &MetricsCollector{
		operationsTotal:   operationsTotal,
		operationDuration: operationDuration,
		errorsTotal:       errorsTotal,
		knowledgeCount:    knowledgeCount,
		registry:          registry,
	}
}

// RecordOperation records the completion of an operation and its duration
func (m *MetricsCollector) RecordOperation(ctx context.Context, operation string, status string, durationMs int64) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(float64(durationMs) / 1000.0)
}

// RecordError records an error occurrence
func (m *MetricsCollector) RecordError(ctx context.Context, operation string, errorType string) {
	m.errorsTotal.WithLabelValues(operation, errorType).Inc()
}

// SetKnowledgeCount sets the current count for a knowledge kind (units, facts)
func (m *MetricsCollector) SetKnowledgeCount(ctx context.Context, kind string, count int64) {
	m.knowledgeCount.WithLabelValues(kind).Set(float64(count))
}

// Registry returns the Prometheus registry for HTTP exposure
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}
