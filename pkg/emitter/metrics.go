package emitter

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "kflow"

// Metrics counts what the emitter did with events.
type Metrics struct {
	Emitted    prometheus.Counter
	Dropped    prometheus.Counter
	Flushed    prometheus.Counter
	SinkErrors prometheus.Counter
	Buffered   prometheus.Gauge
	Calls      *prometheus.CounterVec
}

// NewMetrics creates the emitter metrics and registers them on reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Emitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_emitted_total",
			Help:      "Events accepted by the emitter.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dropped_total",
			Help:      "Events discarded because the buffer was full or the sink failed.",
		}),
		Flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_flushed_total",
			Help:      "Events successfully written to the sink.",
		}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sink_errors_total",
			Help:      "Failed sink writes.",
		}),
		Buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "events_buffered",
			Help:      "Events waiting in the emitter buffer.",
		}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_total",
			Help:      "Intercepted calls by symbol.",
		}, []string{"symbol"}),
	}
	if reg != nil {
		reg.MustRegister(m.Emitted, m.Dropped, m.Flushed, m.SinkErrors, m.Buffered, m.Calls)
	}
	return m
}
