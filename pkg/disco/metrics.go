package disco

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus instrumentation for one node, scoped to
// an instance rather than registered globally so multiple nodes in one
// process (as the integration tests spin up) don't collide on a shared
// default registry.
type Metrics struct {
	Registry *prometheus.Registry

	MeshNodes   prometheus.Gauge
	MeshEdges   prometheus.Gauge
	FetchesOpen prometheus.Gauge
	FramesSent  *prometheus.CounterVec
	FramesRecv  *prometheus.CounterVec
	EdgeChurn   prometheus.Counter
}

// NewMetrics builds and registers a fresh set of gauges/counters.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		MeshNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "disco",
			Name:      "mesh_nodes",
			Help:      "Number of known peers in the node store.",
		}),
		MeshEdges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "disco",
			Name:      "mesh_edges",
			Help:      "Number of initialized peer connections.",
		}),
		FetchesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "disco",
			Name:      "fetches_open",
			Help:      "Number of outstanding key fetches.",
		}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "disco",
			Name:      "frames_sent_total",
			Help:      "Gossip frames sent, by tag.",
		}, []string{"tag"}),
		FramesRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "disco",
			Name:      "frames_received_total",
			Help:      "Gossip frames received, by tag.",
		}, []string{"tag"}),
		EdgeChurn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "disco",
			Name:      "edge_churn_total",
			Help:      "Edges torn down by the mesh manager to force diffusion.",
		}),
	}
	reg.MustRegister(m.MeshNodes, m.MeshEdges, m.FetchesOpen, m.FramesSent, m.FramesRecv, m.EdgeChurn)
	return m
}

// Handler exposes /metrics for this node's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
