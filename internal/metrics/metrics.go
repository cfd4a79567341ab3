// Package metrics holds the Prometheus collectors for the transport and
// event pipeline. A nil *Metrics is valid and records nothing, so
// components can be constructed without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agstream"

// Metrics is a set of collectors bound to one registry.
type Metrics struct {
	registry *prometheus.Registry

	connections       prometheus.Gauge
	connectsTotal     prometheus.Counter
	handshakeFailures *prometheus.CounterVec
	framesIn          *prometheus.CounterVec
	framesOut         *prometheus.CounterVec
	bytesOut          prometheus.Counter
	events            *prometheus.CounterVec
	broadcastFailures prometheus.Counter
	inbound           *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	runs              *prometheus.CounterVec
}

// New creates collectors on a fresh registry, including the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of open WebSocket connections",
		}),
		connectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total number of completed WebSocket handshakes",
		}),
		handshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Rejected upgrade requests by HTTP status",
		}, []string{"status"}),
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from clients by opcode",
		}, []string{"opcode"}),
		framesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to clients by opcode",
		}, []string{"opcode"}),
		bytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Frame payload bytes written to clients",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events emitted by kind and delivery mode",
		}, []string{"kind", "mode"}),
		broadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Peers dropped because a send failed",
		}),
		inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound client messages by type and outcome",
		}, []string{"type", "outcome"}),
		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent handling one inbound message",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Agent runs by result",
		}, []string{"result"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.connectsTotal.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) HandshakeFailed(status int) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) FrameReceived(opcode string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(opcode).Inc()
}

func (m *Metrics) FrameSent(opcode string, n int) {
	if m == nil {
		return
	}
	m.framesOut.WithLabelValues(opcode).Inc()
	m.bytesOut.Add(float64(n))
}

// EventEmitted counts one event; mode is "broadcast" or "unicast".
func (m *Metrics) EventEmitted(kind, mode string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, mode).Inc()
}

func (m *Metrics) BroadcastFailed() {
	if m == nil {
		return
	}
	m.broadcastFailures.Inc()
}

// Inbound records one dispatched client message.
func (m *Metrics) Inbound(typ, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(typ, outcome).Inc()
	m.dispatchDuration.WithLabelValues(typ).Observe(seconds)
}

func (m *Metrics) RunCompleted(ok bool) {
	if m == nil {
		return
	}
	result := "finished"
	if !ok {
		result = "error"
	}
	m.runs.WithLabelValues(result).Inc()
}
