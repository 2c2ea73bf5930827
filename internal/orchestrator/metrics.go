package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts orchestrator operations and their latency.
type Metrics struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

// NewMetrics registers the orchestrator collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cutover",
			Subsystem: "orchestrator",
			Name:      "operations_total",
			Help:      "Orchestrator operations by action and outcome.",
		}, []string{"action", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cutover",
			Subsystem: "orchestrator",
			Name:      "operation_duration_seconds",
			Help:      "Orchestrator operation latency by action.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"action"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.durations)
	}
	return m
}

// Observe records one finished operation.
func (m *Metrics) Observe(action string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.operations.WithLabelValues(action, outcome).Inc()
	m.durations.WithLabelValues(action).Observe(duration.Seconds())
}
