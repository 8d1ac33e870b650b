package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine execution metrics.
//
// Metrics exposed (all namespaced "flowline_"):
//   - inflight_nodes (gauge): nodes currently executing on this engine.
//   - pending_nodes (gauge): eligible nodes waiting for a slot.
//   - node_duration_ms (histogram): node execution duration, labeled by
//     definition, node key, and status.
//   - lock_acquire_ms (histogram): distributed lock acquisition latency,
//     labeled by outcome (acquired/contended/error).
//   - retries_total (counter): node retry attempts.
//   - failovers_total (counter): instances reclaimed by recovery.
//
// Thread-safe; prometheus collectors handle their own synchronization.
type PrometheusMetrics struct {
	inflightNodes prometheus.Gauge
	pendingNodes  prometheus.Gauge
	nodeDuration  *prometheus.HistogramVec
	lockAcquire   *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	failovers     *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers all engine metrics with the
// provided registry. A nil registry uses the default registerer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowline",
			Name:      "inflight_nodes",
			Help:      "Number of nodes currently executing on this engine.",
		}),
		pendingNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowline",
			Name:      "pending_nodes",
			Help:      "Number of eligible nodes waiting for an execution slot.",
		}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowline",
			Name:      "node_duration_ms",
			Help:      "Node execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"definition", "node_key", "status"}),
		lockAcquire: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowline",
			Name:      "lock_acquire_ms",
			Help:      "Distributed lock acquisition latency in milliseconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}, []string{"outcome"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "retries_total",
			Help:      "Cumulative node retry attempts.",
		}, []string{"definition", "node_key"}),
		failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowline",
			Name:      "failovers_total",
			Help:      "Instances reclaimed from a dead engine by recovery.",
		}, []string{"definition"}),
	}
}

// NodeStarted marks one more node in flight.
func (m *PrometheusMetrics) NodeStarted() {
	if m == nil {
		return
	}
	m.inflightNodes.Inc()
}

// NodeFinished records a node's outcome and duration.
func (m *PrometheusMetrics) NodeFinished(definition, nodeKey, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.inflightNodes.Dec()
	m.nodeDuration.WithLabelValues(definition, nodeKey, status).Observe(float64(d.Milliseconds()))
}

// SetPending records the current eligible-node backlog.
func (m *PrometheusMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingNodes.Set(float64(n))
}

// LockAcquire records a lock acquisition attempt.
func (m *PrometheusMetrics) LockAcquire(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.lockAcquire.WithLabelValues(outcome).Observe(float64(d.Milliseconds()))
}

// Retry counts a node retry.
func (m *PrometheusMetrics) Retry(definition, nodeKey string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(definition, nodeKey).Inc()
}

// Failover counts a recovery reclaim.
func (m *PrometheusMetrics) Failover(definition string) {
	if m == nil {
		return
	}
	m.failovers.WithLabelValues(definition).Inc()
}
