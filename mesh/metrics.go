package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
)

// collectors are registered on the registerer given to `NewMetrics`
// use `prometheus.NewRegistry()` per test to avoid duplicate registration
type Metrics struct {
	FramesReceived  *prometheus.CounterVec
	ProtocolErrors  prometheus.Counter
	StaleEvents     prometheus.Counter
	SendsRejected   prometheus.Counter
	UtterancesSent  prometheus.Counter
	ConnectionState *prometheus.GaugeVec

	NodesMerged    prometheus.Counter
	LinksMerged    prometheus.Counter
	DuplicatesNoop prometheus.Counter
	GraphNodes     prometheus.Gauge
	GraphLinks     prometheus.Gauge

	Reseeds prometheus.Counter
	Ticks   prometheus.Counter
	Alpha   prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindmesh_frames_received_total",
				Help: "Inbound frames from the current connection, by message type",
			},
			[]string{"type"},
		),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindmesh_protocol_errors_total",
			Help: "Inbound frames dropped because they failed to decode or validate",
		}),
		StaleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindmesh_stale_events_total",
			Help: "Connection callbacks discarded because the connection was superseded",
		}),
		SendsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindmesh_sends_rejected_total",
			Help: "Sends rejected because the connection was not open",
		}),
		UtterancesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindmesh_utterances_sent_total",
			Help: "Utterance frames written to the connection",
		}),
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mindmesh_connection_state",
				Help: "1 for the current connection state, 0 otherwise",
			},
			[]string{"state"},
		),
		NodesMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindmesh_nodes_merged_total",
			Help: "Nodes added to the graph",
		}),
		LinksMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindmesh_links_merged_total",
			Help: "Links added to the graph",
		}),
		DuplicatesNoop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindmesh_duplicates_total",
			Help: "Nodes and links discarded because they were already present",
		}),
		GraphNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mindmesh_graph_nodes",
			Help: "Nodes in the session graph",
		}),
		GraphLinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mindmesh_graph_links",
			Help: "Links in the session graph",
		}),
		Reseeds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindmesh_layout_reseeds_total",
			Help: "Layout rebuilds after a structural change",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mindmesh_layout_ticks_total",
			Help: "Layout ticks that advanced the simulation",
		}),
		Alpha: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mindmesh_layout_alpha",
			Help: "Current layout temperature",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(
			metrics.FramesReceived,
			metrics.ProtocolErrors,
			metrics.StaleEvents,
			metrics.SendsRejected,
			metrics.UtterancesSent,
			metrics.ConnectionState,
			metrics.NodesMerged,
			metrics.LinksMerged,
			metrics.DuplicatesNoop,
			metrics.GraphNodes,
			metrics.GraphLinks,
			metrics.Reseeds,
			metrics.Ticks,
			metrics.Alpha,
		)
	}
	return metrics
}

// unregistered collectors, for components created without a registry
func NewNoopMetrics() *Metrics {
	return NewMetrics(nil)
}

func (self *Metrics) setConnectionState(state ConnectionState) {
	for _, s := range []ConnectionState{ConnectionStateConnecting, ConnectionStateOpen, ConnectionStateClosed} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		self.ConnectionState.WithLabelValues(s.String()).Set(v)
	}
}
