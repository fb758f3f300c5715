package mesh

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks client-side session activity. A nil *Metrics is a no-op.
type Metrics struct {
	shardsSent        prometheus.Counter
	shardsReceived    prometheus.Counter
	duplicates        prometheus.Counter
	decryptDrops      prometheus.Counter
	messagesDelivered prometheus.Counter
	reconnects        prometheus.Counter
	pendingMessages   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		shardsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aether_mesh_shards_sent_total",
			Help: "Shards deposited at the relay.",
		}),
		shardsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aether_mesh_shards_received_total",
			Help: "Shards received in swarm frames.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aether_mesh_duplicate_shards_total",
			Help: "Shards skipped because they were already processed.",
		}),
		decryptDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aether_mesh_decrypt_drops_total",
			Help: "Envelopes dropped because they failed to decrypt or decode.",
		}),
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aether_mesh_messages_delivered_total",
			Help: "Messages handed to the application.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aether_mesh_reconnects_total",
			Help: "Reconnect attempts to the relay.",
		}),
		pendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aether_mesh_pending_reassemblies",
			Help: "Chunked messages waiting for missing fragments.",
		}),
	}

	reg.MustRegister(
		m.shardsSent,
		m.shardsReceived,
		m.duplicates,
		m.decryptDrops,
		m.messagesDelivered,
		m.reconnects,
		m.pendingMessages,
	)
	return m
}

func (m *Metrics) RecordShardsSent(n int) {
	if m == nil {
		return
	}
	m.shardsSent.Add(float64(n))
}

func (m *Metrics) RecordShardReceived() {
	if m == nil {
		return
	}
	m.shardsReceived.Inc()
}

func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) RecordDecryptDrop() {
	if m == nil {
		return
	}
	m.decryptDrops.Inc()
}

func (m *Metrics) RecordDelivered() {
	if m == nil {
		return
	}
	m.messagesDelivered.Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingMessages.Set(float64(n))
}
