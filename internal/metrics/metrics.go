// Package metrics exposes gateway counters in Prometheus format.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkt.systems/terminus/internal/transfer"
)

const namespace = "terminus"

// Metrics holds the gateway collectors. A nil *Metrics records nothing.
type Metrics struct {
	reg              *prometheus.Registry
	connections      prometheus.Gauge
	events           *prometheus.CounterVec
	permissionDenied prometheus.Counter
	transfers        *prometheus.CounterVec
	transferBytes    *prometheus.CounterVec
	fanoutDropped    *prometheus.CounterVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open WebSocket connections.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound WebSocket events by type.",
		}, []string{"type"}),
		permissionDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_denied_total",
			Help:      "Viewer actions dropped for lack of permission.",
		}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Finished transfers by direction and terminal status.",
		}, []string{"direction", "status"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved by finished transfers.",
		}, []string{"direction"}),
		fanoutDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_dropped_total",
			Help:      "Bus messages dropped for slow local subscribers.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.events,
		m.permissionDenied,
		m.transfers,
		m.transferBytes,
		m.fanoutDropped,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// WatchSessions reports fn as the live session gauge.
func (m *Metrics) WatchSessions(fn func() int) {
	m.gaugeFunc("sessions", "Terminal sessions owned by this instance.", fn)
}

// WatchTransfers reports fn as the active transfer gauge.
func (m *Metrics) WatchTransfers(fn func() int) {
	m.gaugeFunc("active_transfers", "Transfers in progress.", fn)
}

func (m *Metrics) gaugeFunc(name, help string, fn func() int) {
	if m == nil || fn == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) }))
}

// ConnOpened counts a new WebSocket connection.
func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

// ConnClosed counts a closed WebSocket connection.
func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// Event counts one inbound event.
func (m *Metrics) Event(typ string) {
	if m != nil {
		m.events.WithLabelValues(typ).Inc()
	}
}

// PermissionDenied counts one dropped viewer action.
func (m *Metrics) PermissionDenied() {
	if m != nil {
		m.permissionDenied.Inc()
	}
}

// TransferDone records a finished transfer. It fits transfer.Manager.OnDone.
func (m *Metrics) TransferDone(rec transfer.Record) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(string(rec.Direction), string(rec.Status)).Inc()
	m.transferBytes.WithLabelValues(string(rec.Direction)).Add(float64(rec.TransferredBytes))
}

// FanoutDropped counts a message the in-process bus dropped on topic.
func (m *Metrics) FanoutDropped(topic string) {
	if m == nil {
		return
	}
	kind := "output"
	if strings.HasSuffix(topic, ":ctl") {
		kind = "control"
	}
	m.fanoutDropped.WithLabelValues(kind).Inc()
}
