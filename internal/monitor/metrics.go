// internal/monitor/metrics.go
package monitor

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	cycles   *prometheus.CounterVec
	fired    *prometheus.CounterVec
	pending  prometheus.Gauge
	inFlight prometheus.Gauge
}

// NewMetrics registers collectors on reg; nil leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_monitor_cycles_total",
			Help: "Monitor cycles by outcome (ok, idle, abandoned)",
		}, []string{"outcome"}),
		fired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_monitor_fired_total",
			Help: "Positions consumed by the monitor",
		}, []string{"side"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "custody_pending_positions",
			Help: "Pending positions seen by the last cycle",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "custody_monitor_executions_in_flight",
			Help: "Fired positions still executing",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.fired, m.pending, m.inFlight)
	}
	return m
}
