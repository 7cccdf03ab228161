// Package metrics exposes the server's diagnostic counters through
// Prometheus. Every recording method is safe on a nil *Metrics, which is how
// library types run when the host does not ask for metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transport labels for dispatched packets.
const (
	TransportTCP = "tcp"
	TransportUDP = "udp"
)

// UDP drop reasons.
const (
	DropMalformed       = "malformed"
	DropUnknownIdentity = "unknown_identity"
	DropQueueFull       = "queue_full"
)

// Handshake failure reasons.
const (
	HandshakeSendFailed = "send_failed"
	HandshakeCollision  = "identity_collision"
	HandshakeClosed     = "closed_before_established"
)

// Metrics contains the Prometheus collectors for one server.
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	HandshakesCompleted prometheus.Counter
	HandshakesFailed    *prometheus.CounterVec
	ConnectedClients    prometheus.Gauge

	SocketFaults *prometheus.CounterVec

	UDPDatagrams prometheus.Counter
	UDPDropped   *prometheus.CounterVec

	PacketsDispatched *prometheus.CounterVec
	PacketsUnhandled  *prometheus.CounterVec
	DecodeErrors      prometheus.Counter

	RemoteCalls        *prometheus.CounterVec
	RemoteCallDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
//
// Parameters:
//   - reg: Registry the collectors are added to
//   - namespace: Prefix for every metric name, e.g. "syncio"
//
// Returns:
//   - A new *Metrics
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ConnectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Total number of TCP connections accepted",
		}),
		HandshakesCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_completed_total",
			Help:      "Total number of clients that completed the handshake",
		}),
		HandshakesFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_failed_total",
			Help:      "Total number of handshakes that failed, by reason",
		}, []string{"reason"}),
		ConnectedClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Current number of registered clients",
		}),
		SocketFaults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_faults_total",
			Help:      "Total number of socket faults raised as exception events, by operation",
		}, []string{"op"}),
		UDPDatagrams: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_total",
			Help:      "Total number of UDP datagrams received",
		}),
		UDPDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_dropped_total",
			Help:      "Total number of UDP datagrams dropped, by reason",
		}, []string{"reason"}),
		PacketsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dispatched_total",
			Help:      "Total number of packets handed to the dispatcher, by transport",
		}, []string{"transport"}),
		PacketsUnhandled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_unhandled_total",
			Help:      "Total number of packets no handler accepted, by transport",
		}, []string{"transport"}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_decode_errors_total",
			Help:      "Total number of TCP payloads dropped because they could not be decoded",
		}),
		RemoteCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "Total number of remote calls answered, by function and status",
		}, []string{"name", "status"}),
		RemoteCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Time spent answering remote calls",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}, []string{"name"}),
	}
}

// ConnectionAccepted records an accepted TCP connection.
func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.Inc()
}

// HandshakeCompleted records a client becoming visible.
func (m *Metrics) HandshakeCompleted() {
	if m == nil {
		return
	}
	m.HandshakesCompleted.Inc()
}

// HandshakeFailed records a handshake that did not complete.
func (m *Metrics) HandshakeFailed(reason string) {
	if m == nil {
		return
	}
	m.HandshakesFailed.WithLabelValues(reason).Inc()
}

// ClientRegistered records a client entering the registry.
func (m *Metrics) ClientRegistered() {
	if m == nil {
		return
	}
	m.ConnectedClients.Inc()
}

// ClientUnregistered records a client leaving the registry.
func (m *Metrics) ClientUnregistered() {
	if m == nil {
		return
	}
	m.ConnectedClients.Dec()
}

// SocketFault records an exception event.
func (m *Metrics) SocketFault(op string) {
	if m == nil {
		return
	}
	m.SocketFaults.WithLabelValues(op).Inc()
}

// UDPDatagram records a received datagram.
func (m *Metrics) UDPDatagram() {
	if m == nil {
		return
	}
	m.UDPDatagrams.Inc()
}

// UDPDrop records a datagram discarded before dispatch.
func (m *Metrics) UDPDrop(reason string) {
	if m == nil {
		return
	}
	m.UDPDropped.WithLabelValues(reason).Inc()
}

// Dispatched records a packet handed to the dispatcher and whether a handler
// took it.
func (m *Metrics) Dispatched(transport string, handled bool) {
	if m == nil {
		return
	}
	m.PacketsDispatched.WithLabelValues(transport).Inc()
	if !handled {
		m.PacketsUnhandled.WithLabelValues(transport).Inc()
	}
}

// DecodeError records a TCP payload that failed to decode.
func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// RemoteCall records an answered remote call.
func (m *Metrics) RemoteCall(name, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.RemoteCalls.WithLabelValues(name, status).Inc()
	m.RemoteCallDuration.WithLabelValues(name).Observe(took.Seconds())
}
