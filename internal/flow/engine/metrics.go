package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the engine's Prometheus surface, namespaced "flowfile_".
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	inflightNodes prometheus.Gauge
	queueDepth    prometheus.Gauge
	nodeLatency   *prometheus.HistogramVec
	nodesTotal    *prometheus.CounterVec
	cacheEvents   *prometheus.CounterVec
	runsTotal     *prometheus.CounterVec
}

// NewMetrics registers the engine metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		inflightNodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "flowfile_inflight_nodes",
			Help: "Nodes currently executing.",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "flowfile_queue_depth",
			Help: "Nodes ready and waiting for a scheduler slot.",
		}),
		nodeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowfile_node_latency_ms",
			Help:    "Node execution duration in milliseconds.",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"kind", "status"}),
		nodesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowfile_nodes_total",
			Help: "Node executions by kind and terminal state.",
		}, []string{"kind", "status"}),
		cacheEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowfile_cache_events_total",
			Help: "Cache hits, misses, and corruption discards.",
		}, []string{"event"}),
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowfile_runs_total",
			Help: "Flow runs by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) nodeStarted() {
	if m == nil {
		return
	}
	m.inflightNodes.Inc()
}

func (m *Metrics) nodeFinished(kind, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.inflightNodes.Dec()
	m.nodeLatency.WithLabelValues(kind, status).Observe(float64(took.Milliseconds()))
	m.nodesTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) queued(delta int) {
	if m == nil {
		return
	}
	m.queueDepth.Add(float64(delta))
}

func (m *Metrics) cacheEvent(event string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) runFinished(outcome string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(outcome).Inc()
}
