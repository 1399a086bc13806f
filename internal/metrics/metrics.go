// Package metrics defines the Prometheus metrics of a Lifeboat node.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Batch statuses.
const (
	BatchApplied = "applied"
	BatchInvalid = "invalid"
	BatchFailed  = "failed"
)

// Metrics holds collectors registered on a private registry, so several
// nodes in one test process never collide on the default registry.
type Metrics struct {
	registry *prometheus.Registry

	restoreBatches       *prometheus.CounterVec
	restoredEvents       *prometheus.CounterVec
	restoreBatchDuration *prometheus.HistogramVec
	exportRequests       *prometheus.CounterVec
	storedEvents         prometheus.Gauge
	guardDenials         *prometheus.CounterVec
}

// New creates the collectors and a registry that also exposes Go runtime
// and process metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		restoreBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeboat_restore_batches_total",
			Help: "Restore batches by status",
		}, []string{"status"}),
		restoredEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeboat_restore_events_total",
			Help: "Events received by restore, by outcome",
		}, []string{"outcome"}),
		restoreBatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifeboat_restore_batch_duration_seconds",
			Help:    "Time to validate and apply one restore batch",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"status"}),
		exportRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeboat_export_requests_total",
			Help: "Export pages served, by whether a snapshot was included",
		}, []string{"snapshot"}),
		storedEvents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lifeboat_stored_events",
			Help: "Events in the local log as of the last export or restore",
		}),
		guardDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeboat_guard_denials_total",
			Help: "Requests refused by the access guard, by reason",
		}, []string{"reason"}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveBatch records one restore batch.
func (m *Metrics) ObserveBatch(status string, d time.Duration, inserted, alreadyPresent, rejected int) {
	if m == nil {
		return
	}
	m.restoreBatches.WithLabelValues(status).Inc()
	m.restoreBatchDuration.WithLabelValues(status).Observe(d.Seconds())
	if status != BatchApplied {
		return
	}
	m.restoredEvents.WithLabelValues("inserted").Add(float64(inserted))
	m.restoredEvents.WithLabelValues("already_present").Add(float64(alreadyPresent))
	m.restoredEvents.WithLabelValues("rejected").Add(float64(rejected))
}

// ObserveExport records one export page.
func (m *Metrics) ObserveExport(withSnapshot bool) {
	if m == nil {
		return
	}
	label := "false"
	if withSnapshot {
		label = "true"
	}
	m.exportRequests.WithLabelValues(label).Inc()
}

// SetStoredEvents updates the stored-events gauge.
func (m *Metrics) SetStoredEvents(n int64) {
	if m == nil {
		return
	}
	m.storedEvents.Set(float64(n))
}

// ObserveDenial records a request refused by the access guard.
func (m *Metrics) ObserveDenial(reason string) {
	if m == nil {
		return
	}
	m.guardDenials.WithLabelValues(reason).Inc()
}
