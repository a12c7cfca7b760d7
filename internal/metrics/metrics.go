// Package metrics exports engine counters and histograms to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dragonflow"

// Metrics holds the engine collectors on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	nodeRuns      *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	lines         *prometheus.CounterVec
	lineDuration  prometheus.Histogram
	workerCrashes prometheus.Counter
	activeWorkers prometheus.Gauge
	queuedItems   prometheus.Gauge
	events        *prometheus.CounterVec
}

// New creates and registers the engine collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		nodeRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_runs_total",
			Help:      "Node runs by flow and final status.",
		}, []string{"flow", "status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node wall time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"flow"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_total",
			Help:      "Executed lines by final status.",
		}, []string{"status"}),
		lineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "line_duration_seconds",
			Help:      "Line wall time measured by the coordinator.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		workerCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_crashes_total",
			Help:      "Workers lost while executing a line.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently provisioned.",
		}),
		queuedItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_items",
			Help:      "Work items waiting for a worker.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events delivered by the event bus, by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(
		m.nodeRuns, m.nodeDuration, m.cacheLookups,
		m.lines, m.lineDuration, m.workerCrashes,
		m.activeWorkers, m.queuedItems, m.events,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveNode records one finished node run.
func (m *Metrics) ObserveNode(flow, status string, d time.Duration) {
	m.nodeRuns.WithLabelValues(flow, status).Inc()
	if d > 0 {
		m.nodeDuration.WithLabelValues(flow).Observe(d.Seconds())
	}
}

// ObserveCache records a cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveLine records one finished line.
func (m *Metrics) ObserveLine(status string, d time.Duration) {
	m.lines.WithLabelValues(status).Inc()
	m.lineDuration.Observe(d.Seconds())
}

// WorkerCrashed counts a lost worker.
func (m *Metrics) WorkerCrashed() { m.workerCrashes.Inc() }

// SetActiveWorkers sets the provisioned worker gauge.
func (m *Metrics) SetActiveWorkers(n int) { m.activeWorkers.Set(float64(n)) }

// SetQueued sets the queued work item gauge.
func (m *Metrics) SetQueued(n int) { m.queuedItems.Set(float64(n)) }

// ObserveEvent counts one delivered lifecycle event.
func (m *Metrics) ObserveEvent(eventType string) { m.events.WithLabelValues(eventType).Inc() }
