// Package metrics exposes Prometheus counters for the bridge.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/scriptbridge/schema"
)

// Envelope outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeDropped = "dropped"
)

// Metrics holds the bridge's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	envelopes   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	connected   prometheus.Gauge
	bulkItems   *prometheus.CounterVec

	mu            sync.Mutex
	connectedTabs map[schema.TabID]struct{}
}

// New constructs Metrics with process and Go runtime collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry:      reg,
		connectedTabs: make(map[schema.TabID]struct{}),
		envelopes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptbridge_envelopes_total",
			Help: "Envelopes seen by the router by channel, type and outcome",
		}, []string{"channel", "type", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scriptbridge_handler_duration_seconds",
			Help:    "Router handler latency by type",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptbridge_connection_transitions_total",
			Help: "Connection state transitions by resulting status and failure cause",
		}, []string{"status", "cause"}),
		connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "scriptbridge_connected_tabs",
			Help: "Tabs currently connected to an evaluation server",
		}),
		bulkItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scriptbridge_bulk_items_total",
			Help: "Bulk mutation items by outcome",
		}, []string{"outcome"}),
	}
}

// Envelope records a routed or dropped envelope. Dropped envelopes are not
// labelled with their claimed type.
func (m *Metrics) Envelope(channel string, typ schema.MessageType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := string(typ)
	if outcome == OutcomeDropped {
		label = "-"
	} else {
		m.duration.WithLabelValues(label).Observe(elapsed.Seconds())
	}
	m.envelopes.WithLabelValues(channel, label, outcome).Inc()
}

// BulkItem records one bulk item outcome.
func (m *Metrics) BulkItem(ok bool) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if !ok {
		outcome = OutcomeError
	}
	m.bulkItems.WithLabelValues(outcome).Inc()
}

// OnConnectionEvent records a connection status change.
func (m *Metrics) OnConnectionEvent(event schema.ConnectionEvent) {
	if m == nil {
		return
	}
	snap := event.Snapshot
	status := string(snap.Status)
	if event.Removed {
		status = "removed"
	}
	m.transitions.WithLabelValues(status, string(snap.LastFailure)).Inc()

	m.mu.Lock()
	if snap.Status == schema.StatusConnected && !event.Removed {
		m.connectedTabs[snap.TabID] = struct{}{}
	} else {
		delete(m.connectedTabs, snap.TabID)
	}
	count := len(m.connectedTabs)
	m.mu.Unlock()
	m.connected.Set(float64(count))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
