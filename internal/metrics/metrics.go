// Package metrics exposes the sync pipeline as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/hylla/shiftsync/internal/app"
	"github.com/hylla/shiftsync/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shiftsync"

// Metrics implements the bus, processor, tracker, and resync observers.
type Metrics struct {
	registry *prometheus.Registry

	published    *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	resyncQueued *prometheus.CounterVec
	subscribers  prometheus.Gauge
	processed    *prometheus.CounterVec
	retried      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	tracked      prometheus.Gauge
	rebuilds     *prometheus.CounterVec
	resyncs      *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "published_total",
			Help: "Sync events published, by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "dropped_total",
			Help: "Events dropped from a full subscriber queue, by subscriber class.",
		}, []string{"subscriber_class"}),
		resyncQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "resync_markers_total",
			Help: "Resync markers queued for a subscriber, by subscriber class.",
		}, []string{"subscriber_class"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "subscribers",
			Help: "Active bus subscriptions.",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "processor", Name: "processed_total",
			Help: "Events handled by the sync queue processor.",
		}, []string{"kind"}),
		retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "processor", Name: "retries_total",
			Help: "Processing attempts retried after a transient failure.",
		}, []string{"kind"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "processor", Name: "dead_letters_total",
			Help: "Events moved to the dead letter table.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "processor", Name: "rejected_commands_total",
			Help: "Commands refused by attendance rules, by code.",
		}, []string{"code"}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tracking", Name: "employees",
			Help: "Employees in the live status table.",
		}),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tracking", Name: "rebuilds_total",
			Help: "Live status table rebuilds, by reason.",
		}, []string{"reason"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "resync", Name: "resyncs_total",
			Help: "Client snapshot resyncs, by reason and outcome.",
		}, []string{"reason", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.published, m.dropped, m.resyncQueued, m.subscribers,
		m.processed, m.retried, m.deadLettered, m.rejected,
		m.tracked, m.rebuilds, m.resyncs,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Published(kind domain.SyncEventKind) {
	m.published.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Dropped(subscriberID string) {
	m.dropped.WithLabelValues(subscriberClass(subscriberID)).Inc()
}

func (m *Metrics) ResyncQueued(subscriberID string) {
	m.resyncQueued.WithLabelValues(subscriberClass(subscriberID)).Inc()
}

// subscriberClass folds per-connection subscriber ids into a fixed label set.
func subscriberClass(subscriberID string) string {
	switch subscriberID {
	case app.DefaultProcessorSubscriberID:
		return "processor"
	case app.DefaultTrackerSubscriberID:
		return "tracker"
	default:
		return "stream"
	}
}

func (m *Metrics) Subscribers(n int) {
	m.subscribers.Set(float64(n))
}

func (m *Metrics) Processed(kind domain.SyncEventKind) {
	m.processed.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Retried(kind domain.SyncEventKind) {
	m.retried.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) DeadLettered(kind domain.SyncEventKind) {
	m.deadLettered.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Rejected(code string) {
	m.rejected.WithLabelValues(code).Inc()
}

func (m *Metrics) Tracked(employees int) {
	m.tracked.Set(float64(employees))
}

func (m *Metrics) Rebuilt(reason string) {
	m.rebuilds.WithLabelValues(reason).Inc()
}

func (m *Metrics) Resynced(reason string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.resyncs.WithLabelValues(reason, outcome).Inc()
}
