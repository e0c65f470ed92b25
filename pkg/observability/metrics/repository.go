package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RepositoryMetrics counts and times repository operations per collection.
type RepositoryMetrics struct {
	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewRepositoryMetrics creates the repository collectors. Register them with Collectors.
func NewRepositoryMetrics() *RepositoryMetrics {
	return &RepositoryMetrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docorm_operations_total",
				Help: "Total number of repository operations",
			},
			[]string{"collection", "operation"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docorm_operation_errors_total",
				Help: "Total number of failed repository operations",
			},
			[]string{"collection", "operation"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docorm_operation_duration_seconds",
				Help:    "Repository operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"collection", "operation"},
		),
	}
}

// Collectors returns every collector owned by m.
func (m *RepositoryMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.operations, m.errors, m.duration}
}

// Observe records one finished operation.
func (m *RepositoryMetrics) Observe(collection, operation string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(collection, operation).Inc()
	m.duration.WithLabelValues(collection, operation).Observe(elapsed.Seconds())
	if err != nil {
		m.errors.WithLabelValues(collection, operation).Inc()
	}
}

// Operations returns the counter for one collection/operation pair.
func (m *RepositoryMetrics) Operations(collection, operation string) prometheus.Counter {
	return m.operations.WithLabelValues(collection, operation)
}

// Errors returns the error counter for one collection/operation pair.
func (m *RepositoryMetrics) Errors(collection, operation string) prometheus.Counter {
	return m.errors.WithLabelValues(collection, operation)
}
