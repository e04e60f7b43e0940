// internal/blockchain/solbc/transaction/metrics.go
package transaction

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeConfirmed = "confirmed"
	outcomeFailed    = "failed"
)

// Metrics covers the send-and-confirm path.
type Metrics struct {
	outcomes *prometheus.CounterVec
	rebuilds prometheus.Counter
	duration *prometheus.HistogramVec
}

// NewMetrics registers collectors on reg. A nil reg leaves them
// unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Subsystem: "tx",
			Name:      "sent_total",
			Help:      "Transactions sent, by final outcome",
		}, []string{"outcome"}),
		rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "custody",
			Subsystem: "tx",
			Name:      "blockhash_rebuilds_total",
			Help:      "Rebuilds caused by an expired or rejected blockhash",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "custody",
			Subsystem: "tx",
			Name:      "confirm_seconds",
			Help:      "Send-and-confirm duration",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 9),
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.rebuilds, m.duration)
	}
	return m
}

func (m *Metrics) rebuilt() { m.rebuilds.Inc() }

func (m *Metrics) observe(start time.Time, err error) {
	outcome := outcomeConfirmed
	if err != nil {
		outcome = outcomeFailed
	}
	m.outcomes.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
