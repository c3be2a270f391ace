// Package metrics holds the prometheus collectors of the realtime subsystem.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "realtime"

// Result label values.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultDropped = "dropped"
)

type Metrics struct {
	IDsIssued         prometheus.Counter
	SequenceExhausted prometheus.Counter
	BusPublished      *prometheus.CounterVec
	BridgeReceived    *prometheus.CounterVec
	PushConnections   prometheus.Gauge
	PushSent          *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IDsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ids_issued_total",
			Help:      "Ids issued by the snowflake generator.",
		}),
		SequenceExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "id_sequence_exhausted_total",
			Help:      "Times a millisecond ran out of sequence numbers and the generator waited.",
		}),
		BusPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_published_total",
			Help:      "Bridge publishes by result.",
		}, []string{"bridge", "result"}),
		BridgeReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_received_total",
			Help:      "Bus events received by a bridge, by local delivery result.",
		}, []string{"bridge", "result"}),
		PushConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_connections",
			Help:      "Live server-sent-event connections on this process.",
		}),
		PushSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_sent_total",
			Help:      "Pushes to local connections by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.IDsIssued,
			m.SequenceExhausted,
			m.BusPublished,
			m.BridgeReceived,
			m.PushConnections,
			m.PushSent,
		)
	}
	return m
}

// Nop returns unregistered collectors, for tests and tools.
func Nop() *Metrics { return New(nil) }
