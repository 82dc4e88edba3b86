// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the daemon's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter

	OutboxBacklog    prometheus.Gauge
	ReplicationSent  prometheus.Counter
	ReplicationFails prometheus.Counter

	SessionsEnded  prometheus.Counter
	MemoriesPurged prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memoryd",
			Name:      "requests_total",
			Help:      "Requests handled, by action and status.",
		}, []string{"action", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "memoryd",
			Name:      "request_duration_seconds",
			Help:      "Request handling latency, by action.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memoryd",
			Name:      "cache_hits_total",
			Help:      "Hot cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memoryd",
			Name:      "cache_misses_total",
			Help:      "Hot cache misses.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memoryd",
			Name:      "cache_evictions_total",
			Help:      "Hot cache evictions.",
		}),
		OutboxBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "memoryd",
			Name:      "outbox_backlog",
			Help:      "Replication outbox rows awaiting delivery.",
		}),
		ReplicationSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memoryd",
			Name:      "replication_sent_total",
			Help:      "Outbox records delivered to the peer.",
		}),
		ReplicationFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memoryd",
			Name:      "replication_failures_total",
			Help:      "Failed replication delivery attempts.",
		}),
		SessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memoryd",
			Name:      "sessions_ended_total",
			Help:      "Sessions ended, explicit or by idle sweep.",
		}),
		MemoriesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memoryd",
			Name:      "memories_purged_total",
			Help:      "Expired or soft-deleted memories hard-purged.",
		}),
	}
	reg.MustRegister(
		m.Requests, m.RequestDuration,
		m.CacheHits, m.CacheMisses, m.CacheEvictions,
		m.OutboxBacklog, m.ReplicationSent, m.ReplicationFails,
		m.SessionsEnded, m.MemoriesPurged,
	)
	return m
}

// Handler serves the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
