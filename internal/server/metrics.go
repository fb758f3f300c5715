package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type relayMetrics struct {
	activeConns  prometheus.Gauge
	connTotal    prometheus.Counter
	activeTopics prometheus.Gauge
	frameErrors  *prometheus.CounterVec
	frameLatency *prometheus.HistogramVec
	rejected     *prometheus.CounterVec
	pushed       *prometheus.CounterVec
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aether_relay_connections_active",
			Help: "Current number of open client streams.",
		}),
		connTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aether_relay_connections_total",
			Help: "Total number of client streams handled since start.",
		}),
		activeTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aether_relay_topics_active",
			Help: "Rendezvous topics with at least one subscriber.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_relay_errors_total",
			Help: "Frame validation or handling errors.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aether_relay_latency_seconds",
			Help:    "Latency for handling relay frames.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"op"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_relay_deposits_rejected_total",
			Help: "Deposits dropped before persistence, by reason.",
		}, []string{"reason"}),
		pushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_relay_shards_pushed_total",
			Help: "Shards pushed to subscribers, by trigger.",
		}, []string{"trigger"}),
	}

	reg.MustRegister(
		m.activeConns,
		m.connTotal,
		m.activeTopics,
		m.frameErrors,
		m.frameLatency,
		m.rejected,
		m.pushed,
	)
	return m
}

func (m *relayMetrics) incConn() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
	m.connTotal.Inc()
}

func (m *relayMetrics) decConn() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

func (m *relayMetrics) setTopics(n int) {
	if m == nil {
		return
	}
	m.activeTopics.Set(float64(n))
}

func (m *relayMetrics) recordError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *relayMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *relayMetrics) recordRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *relayMetrics) recordPushed(trigger string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pushed.WithLabelValues(trigger).Add(float64(n))
}
