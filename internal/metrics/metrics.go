// Package metrics exposes Prometheus collectors for the coordination core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conductor"

type Metrics struct {
	registry *prometheus.Registry

	notifications   *prometheus.CounterVec
	pushDrops       prometheus.Counter
	sessions        *prometheus.GaugeVec
	evictions       prometheus.Counter
	clockCommands   *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	pushSubscribers prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_published_total",
			Help:      "Notifications written to mailboxes, by command.",
		}, []string{"command"}),
		pushDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_dropped_total",
			Help:      "Push deliveries skipped because a subscriber buffer was full.",
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Live sessions per project.",
		}, []string{"project"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions removed for missing heartbeats.",
		}),
		clockCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clock_commands_total",
			Help:      "Clock commands handled, by command and outcome.",
		}, []string{"command", "outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_decisions_total",
			Help:      "Change record decisions, by resulting status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method and status code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		pushSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_subscribers",
			Help:      "Open SSE and WebSocket subscriptions.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.notifications, m.pushDrops, m.sessions, m.evictions,
		m.clockCommands, m.decisions, m.httpRequests, m.httpDuration, m.pushSubscribers,
	)
	return m
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) NotificationPublished(command string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(command).Inc()
}

func (m *Metrics) PushDropped() {
	if m == nil {
		return
	}
	m.pushDrops.Inc()
}

func (m *Metrics) SetLiveSessions(project string, n int) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(project).Set(float64(n))
}

func (m *Metrics) SessionsEvicted(n int) {
	if m == nil {
		return
	}
	m.evictions.Add(float64(n))
}

func (m *Metrics) ClockCommand(command, outcome string) {
	if m == nil {
		return
	}
	m.clockCommands.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) Decision(status string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveHTTP(method, code string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, code).Inc()
	m.httpDuration.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.pushSubscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.pushSubscribers.Dec()
}
