// Package metrics exposes engine telemetry on a dedicated Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "perfwatch"

// Tick results recorded on the ticks counter.
const (
	TickOK       = "ok"
	TickSkipped  = "skipped"
	TickFailed   = "failed"
	TickUnbound  = "unresolved"
	TickLockHeld = "lock_held"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ticks             *prometheus.CounterVec
	tickDuration      prometheus.Histogram
	sourceFailures    *prometheus.CounterVec
	incidentsOpened   *prometheus.CounterVec
	incidentsResolved *prometheus.CounterVec
	incidentsAcked    prometheus.Counter
	incidentsSwept    prometheus.Counter
	openIncidents     prometheus.Gauge
}

// New registers every collector on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_ticks_total",
			Help:      "Monitor ticks by result.",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_tick_duration_seconds",
			Help:      "Wall time of one evaluation pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		sourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_failures_total",
			Help:      "Metric reads that failed or timed out.",
		}, []string{"metric"}),
		incidentsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_opened_total",
			Help:      "Incidents opened by the monitor.",
		}, []string{"metric", "severity"}),
		incidentsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_resolved_total",
			Help:      "Incidents auto-resolved by the monitor.",
		}, []string{"metric"}),
		incidentsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_acknowledged_total",
			Help:      "Incident acknowledgments applied.",
		}),
		incidentsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_swept_total",
			Help:      "Resolved incidents removed by retention.",
		}),
		openIncidents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_incidents",
			Help:      "Active plus acknowledged incidents after the last tick.",
		}),
	}
	m.registry.MustRegister(
		m.ticks,
		m.tickDuration,
		m.sourceFailures,
		m.incidentsOpened,
		m.incidentsResolved,
		m.incidentsAcked,
		m.incidentsSwept,
		m.openIncidents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry; it doubles as a Gatherer.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTick records one tick outcome.
func (m *Metrics) ObserveTick(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
	if result == TickOK {
		m.tickDuration.Observe(elapsed.Seconds())
	}
}

// SourceFailed counts a failed metric read.
func (m *Metrics) SourceFailed(metric string) {
	if m == nil {
		return
	}
	m.sourceFailures.WithLabelValues(metric).Inc()
}

// IncidentOpened counts a created incident.
func (m *Metrics) IncidentOpened(metric, severity string) {
	if m == nil {
		return
	}
	m.incidentsOpened.WithLabelValues(metric, severity).Inc()
}

// IncidentResolved counts an auto-resolved incident.
func (m *Metrics) IncidentResolved(metric string) {
	if m == nil {
		return
	}
	m.incidentsResolved.WithLabelValues(metric).Inc()
}

// IncidentsAcknowledged adds n acknowledgments.
func (m *Metrics) IncidentsAcknowledged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.incidentsAcked.Add(float64(n))
}

// IncidentsSwept adds n retention deletions.
func (m *Metrics) IncidentsSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.incidentsSwept.Add(float64(n))
}

// SetOpenIncidents sets the open incident gauge.
func (m *Metrics) SetOpenIncidents(n int64) {
	if m == nil {
		return
	}
	m.openIncidents.Set(float64(n))
}
