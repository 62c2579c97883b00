package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics disables
// instrumentation.
type Metrics struct {
	ActiveStreams      prometheus.Gauge
	AdmissionsRejected prometheus.Counter
	TimeoutEvictions   prometheus.Counter
	BatchesFired       prometheus.Counter
	BatchedEntries     prometheus.Counter
	IdleConnections    prometheus.Gauge
}

// NewMetrics registers the engine's collectors with reg and returns them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_active_streams",
			Help: "Number of streams currently admitted and in flight.",
		}),
		AdmissionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_admissions_rejected_total",
			Help: "Calls refused because the concurrent stream ceiling was reached.",
		}),
		TimeoutEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_timeout_evictions_total",
			Help: "Streams evicted by the sweep for exceeding their lifetime.",
		}),
		BatchesFired: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_batches_fired_total",
			Help: "Coalesced batches executed, by any trigger.",
		}),
		BatchedEntries: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_batched_entries_total",
			Help: "Outbound calls resolved through a coalesced batch.",
		}),
		IdleConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_idle_connections",
			Help: "Downstream connections currently idle in the pool.",
		}),
	}
}

func (m *Metrics) addActive(delta float64) {
	if m != nil {
		m.ActiveStreams.Add(delta)
	}
}

func (m *Metrics) rejectedAdmission() {
	if m != nil {
		m.AdmissionsRejected.Inc()
	}
}

func (m *Metrics) evictedTimeout() {
	if m != nil {
		m.TimeoutEvictions.Inc()
	}
}

func (m *Metrics) firedBatch(entries int) {
	if m != nil {
		m.BatchesFired.Inc()
		m.BatchedEntries.Add(float64(entries))
	}
}

func (m *Metrics) addIdleConns(delta float64) {
	if m != nil {
		m.IdleConnections.Add(delta)
	}
}
