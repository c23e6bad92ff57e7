// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event names for the events counter.
const (
	EventConnAccepted   = "conn_accepted"
	EventConnReplaced   = "conn_replaced"
	EventAuthFailed     = "auth_failed"
	EventTargetOffline  = "target_offline"
	EventSenderMismatch = "sender_mismatch"
	EventRateLimited    = "rate_limited"
	EventBadMessage     = "bad_message"
	EventSlowConsumer   = "slow_consumer"
)

const namespace = "call_relay"

// Metrics is safe for concurrent use. A nil *Metrics discards everything so
// callers never need to check.
type Metrics struct {
	reg *prometheus.Registry

	events      *prometheus.CounterVec
	forwarded   *prometheus.CounterVec
	connections prometheus.Gauge

	mu     sync.Mutex
	counts map[string]uint64
}

// New creates a registry with the relay collectors plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Relay events by name.",
		}, []string{"event"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Signaling messages delivered to a target, by delivered type.",
		}, []string{"type"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently registered signaling connections.",
		}),
		counts: make(map[string]uint64),
	}
	m.reg.MustRegister(
		m.events,
		m.forwarded,
		m.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Inc(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
	m.mu.Lock()
	m.counts[event]++
	m.mu.Unlock()
}

// Get returns the in-process count for event.
func (m *Metrics) Get(event string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[event]
}

func (m *Metrics) Forwarded(messageType string) {
	if m == nil {
		return
	}
	m.forwarded.WithLabelValues(messageType).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
