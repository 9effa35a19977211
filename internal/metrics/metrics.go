// Package metrics holds the Prometheus collectors of the pairbox server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a registry and the server collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	wsConnections  prometheus.Gauge
	messages       *prometheus.CounterVec
	recordFailures prometheus.Counter
	projects       prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairbox_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pairbox_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pairbox_ws_connections",
			Help: "Open realtime websocket connections",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairbox_messages_relayed_total",
			Help: "Chat messages fanned out to project rooms",
		}, []string{"source"}),
		recordFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairbox_message_record_failures_total",
			Help: "Relayed messages that could not be stored in project history",
		}),
		projects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairbox_projects_created_total",
			Help: "Projects created",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.wsConnections,
		m.messages,
		m.recordFailures,
		m.projects,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one served request. route is the matched pattern,
// not the raw path.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ConnOpened counts a websocket connection.
func (m *Metrics) ConnOpened() {
	if m != nil {
		m.wsConnections.Inc()
	}
}

// ConnClosed releases a websocket connection.
func (m *Metrics) ConnClosed() {
	if m != nil {
		m.wsConnections.Dec()
	}
}

// MessageRelayed counts a fanned out message. source is "local" for
// messages from this server's clients and "relay" for peer replicas.
func (m *Metrics) MessageRelayed(source string) {
	if m != nil {
		m.messages.WithLabelValues(source).Inc()
	}
}

// RecordFailed counts a message that was relayed but not stored.
func (m *Metrics) RecordFailed() {
	if m != nil {
		m.recordFailures.Inc()
	}
}

// ProjectCreated counts a created project.
func (m *Metrics) ProjectCreated() {
	if m != nil {
		m.projects.Inc()
	}
}
