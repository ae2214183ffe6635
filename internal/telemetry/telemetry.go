// Package telemetry provides Prometheus instrumentation for the flagsync
// SDK.
//
// All metrics are registered in a custom [prometheus.Registry] (not the
// global default) so an embedding application only ever sees flagsync
// metrics it asked for.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the SDK.
type Metrics struct {
	Registry *prometheus.Registry

	SyncCyclesTotal   *prometheus.CounterVec
	SyncCycleDuration *prometheus.HistogramVec
	QueueBytes        *prometheus.GaugeVec
	RecordsSent       *prometheus.CounterVec
	RecordBytesSent   *prometheus.CounterVec
	RecordsFailed     *prometheus.CounterVec
	RecordsDropped    *prometheus.CounterVec
	CacheClearsTotal  prometheus.Counter
	PushUpdatesTotal  prometheus.Counter
}

// New creates and registers all flagsync metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SyncCyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_sync_cycles_total",
			Help: "Total number of synchronization cycles by resource and outcome.",
		}, []string{"resource", "outcome"}),

		SyncCycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagsync_sync_cycle_duration_seconds",
			Help:    "Synchronization cycle latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"resource"}),

		QueueBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flagsync_queue_bytes_estimate",
			Help: "Estimated bytes of active records per telemetry queue.",
		}, []string{"queue"}),

		RecordsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_records_sent_total",
			Help: "Total records delivered to the remote sink.",
		}, []string{"queue"}),

		RecordBytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_record_bytes_sent_total",
			Help: "Total estimated bytes delivered to the remote sink.",
		}, []string{"queue"}),

		RecordsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_records_failed_total",
			Help: "Total records whose delivery failed and were reverted for retry.",
		}, []string{"queue"}),

		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_records_dropped_total",
			Help: "Total records discarded by the retention sweep.",
		}, []string{"queue"}),

		CacheClearsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagsync_cache_clears_total",
			Help: "Total local cache invalidations (filter/spec drift, expiration, cipher change).",
		}),

		PushUpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagsync_push_updates_total",
			Help: "Total push notifications that triggered a sync or instant update.",
		}),
	}

	reg.MustRegister(
		m.SyncCyclesTotal,
		m.SyncCycleDuration,
		m.QueueBytes,
		m.RecordsSent,
		m.RecordBytesSent,
		m.RecordsFailed,
		m.RecordsDropped,
		m.CacheClearsTotal,
		m.PushUpdatesTotal,
	)
	return m
}

// ObserveSyncCycle records one cycle for a resource.
func (m *Metrics) ObserveSyncCycle(resource, outcome string, elapsed time.Duration) {
	m.SyncCyclesTotal.WithLabelValues(resource, outcome).Inc()
	m.SyncCycleDuration.WithLabelValues(resource).Observe(elapsed.Seconds())
}

// Handler returns an HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
