package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tendrl"

// Drop reasons.
const (
	ReasonRejected     = "rejected"
	ReasonExpired      = "expired"
	ReasonOfflineFull  = "offline_full"
	ReasonOfflineError = "offline_error"
	ReasonNoOffline    = "offline_disabled"
	ReasonShutdown     = "shutdown"
)

// Metrics groups the engine's instruments.
type Metrics struct {
	reg *prometheus.Registry

	Enqueued   prometheus.Counter
	QueueFull  prometheus.Counter
	Delivered  prometheus.Counter
	Offlined   prometheus.Counter
	Replayed   prometheus.Counter
	Expired    prometheus.Counter
	Dropped    *prometheus.CounterVec
	SendErrors *prometheus.CounterVec

	QueueDepth  prometheus.Gauge
	LoadFactor  prometheus.Gauge
	BatchTarget prometheus.Gauge
	Healthy     prometheus.Gauge

	SendLatency prometheus.Histogram
}

// New creates the instruments on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_enqueued_total",
			Help: "Messages accepted into the in-memory queue.",
		}),
		QueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_full_total",
			Help: "Publish calls refused because the queue was at capacity.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_delivered_total",
			Help: "Messages acknowledged by the collector, live or replayed.",
		}),
		Offlined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_offlined_total",
			Help: "Messages written to the offline store.",
		}),
		Replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_replayed_total",
			Help: "Offline messages delivered on replay.",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_expired_total",
			Help: "Offline messages purged after their TTL elapsed.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_dropped_total",
			Help: "Messages discarded, by reason.",
		}, []string{"reason"}),
		SendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "send_errors_total",
			Help: "Failed batch sends, by error kind.",
		}, []string{"kind"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Messages currently buffered in memory.",
		}),
		LoadFactor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "load_factor",
			Help: "Weighted resource load relative to target; above 1 means over target.",
		}),
		BatchTarget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "batch_size_target",
			Help: "Batch size the scheduler currently aims for.",
		}),
		Healthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "transport_healthy",
			Help: "1 while the transport is considered reachable.",
		}),
		SendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "send_latency_seconds",
			Help:    "Time spent in one Send call, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	m.reg.MustRegister(
		m.Enqueued, m.QueueFull, m.Delivered, m.Offlined, m.Replayed, m.Expired,
		m.Dropped, m.SendErrors,
		m.QueueDepth, m.LoadFactor, m.BatchTarget, m.Healthy,
		m.SendLatency,
	)
	m.Healthy.Set(1)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Drop counts n messages discarded for reason.
func (m *Metrics) Drop(reason string, n int) {
	m.Dropped.WithLabelValues(reason).Add(float64(n))
}
