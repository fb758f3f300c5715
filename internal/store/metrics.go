package store

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts shard lifecycle events per backend.
type Metrics struct {
	saved   *prometheus.CounterVec
	deleted *prometheus.CounterVec
	expired *prometheus.CounterVec
	errors  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		saved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_store_shards_saved_total",
			Help: "Shards persisted by the store.",
		}, []string{"backend"}),
		deleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_store_shards_deleted_total",
			Help: "Shards deleted after acknowledgement.",
		}, []string{"backend"}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_store_shards_expired_total",
			Help: "Shards incinerated after their retention window.",
		}, []string{"backend"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aether_store_errors_total",
			Help: "Store operation failures grouped by operation.",
		}, []string{"backend", "op"}),
	}

	reg.MustRegister(m.saved, m.deleted, m.expired, m.errors)
	return m
}

func (m *Metrics) recordSaved(backend string) {
	if m == nil {
		return
	}
	m.saved.WithLabelValues(backend).Inc()
}

func (m *Metrics) recordDeleted(backend string) {
	if m == nil {
		return
	}
	m.deleted.WithLabelValues(backend).Inc()
}

func (m *Metrics) recordExpired(backend string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.WithLabelValues(backend).Add(float64(n))
}

func (m *Metrics) recordError(backend, op string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(backend, op).Inc()
}
