// internal/executor/metrics.go
package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics registers collectors on reg; nil leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	executions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_executions_total",
		Help: "Executions by side and result",
	}, []string{"side", "result"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "custody_execution_duration_seconds",
		Help:    "Execution duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
	}, []string{"side"})

	if reg != nil {
		reg.MustRegister(executions, duration)
	}
	return &Metrics{executions: executions, duration: duration}
}

func (m *Metrics) track(side string, start time.Time, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.executions.WithLabelValues(side, result).Inc()
	m.duration.WithLabelValues(side).Observe(time.Since(start).Seconds())
}
