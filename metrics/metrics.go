// Package metrics exposes the prometheus collectors instrumented
// across the connection map and stream state machines. It supplements, not replaces, the logging façade: logs
// explain a single event, these gauges/counters answer "how much, how
// often" across the fleet of connections.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the collectors a DCP engine instance registers.
// Constructed once per process (or once per test) and threaded into
// conn.ConnectionMap and stream constructors, mirroring the explicit
// construction-injection used for logging.
type Registry struct {
	ActiveConnections      *prometheus.GaugeVec
	DeadConnectionsTot     prometheus.Counter
	ReadyQueueDepth        *prometheus.GaugeVec
	BufferedItems          *prometheus.GaugeVec
	NoopRoundTrips         prometheus.Counter
	BackfillItemsScanned   prometheus.Counter
	SeqnoAcksEmitted       *prometheus.CounterVec
	StreamStateTransitions *prometheus.CounterVec
}

// NewRegistry constructs a Registry and registers its collectors with
// reg. Passing prometheus.NewRegistry() keeps tests isolated from the
// default global registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dcp",
			Name:      "active_connections",
			Help:      "Number of live DCP connections by role.",
		}, []string{"role"}),
		DeadConnectionsTot: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dcp",
			Name:      "dead_connections_total",
			Help:      "Connections reaped by manageConnections.",
		}),
		ReadyQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dcp",
			Name:      "ready_queue_depth",
			Help:      "Pending response messages per producer stream.",
		}, []string{"vbucket"}),
		BufferedItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dcp",
			Name:      "consumer_buffered_items",
			Help:      "Items buffered by a passive stream awaiting storage capacity.",
		}, []string{"vbucket"}),
		NoopRoundTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dcp",
			Name:      "noop_round_trips_total",
			Help:      "Noop keepalive probes that received a timely response.",
		}),
		BackfillItemsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dcp",
			Name:      "backfill_items_scanned_total",
			Help:      "Items read from persistent storage by the backfill manager.",
		}),
		SeqnoAcksEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dcp",
			Name:      "seqno_acks_emitted_total",
			Help:      "Seqno-ack messages emitted by kind.",
		}, []string{"kind"}),
		StreamStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dcp",
			Name:      "stream_state_transitions_total",
			Help:      "Active/passive stream state transitions.",
		}, []string{"from", "to"}),
	}

	reg.MustRegister(
		r.ActiveConnections,
		r.DeadConnectionsTot,
		r.ReadyQueueDepth,
		r.BufferedItems,
		r.NoopRoundTrips,
		r.BackfillItemsScanned,
		r.SeqnoAcksEmitted,
		r.StreamStateTransitions,
	)
	return r
}
