package socket

import (
	"context"
	"net"
	"time"

	"github.com/cyberinferno/go-syncio/logger"
)

// Family selects the address family of a socket. It is fixed at construction.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

// String returns a human-readable name for the family.
func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// ParseFamily converts "ipv4"/"ipv6" (or "4"/"6") into a Family.
func ParseFamily(s string) (Family, bool) {
	switch s {
	case "ipv4", "4", "":
		return IPv4, true
	case "ipv6", "6":
		return IPv6, true
	default:
		return IPv4, false
	}
}

func (f Family) tcpNetwork() string {
	if f == IPv6 {
		return "tcp6"
	}
	return "tcp4"
}

func (f Family) udpNetwork() string {
	if f == IPv6 {
		return "udp6"
	}
	return "udp4"
}

// ListenFunc opens a stream listener. It has the shape of
// (*net.ListenConfig).Listen.
type ListenFunc func(ctx context.Context, network, address string) (net.Listener, error)

// ListenPacketFunc opens a datagram endpoint. It has the shape of
// (*net.ListenConfig).ListenPacket.
type ListenPacketFunc func(ctx context.Context, network, address string) (net.PacketConn, error)

// DialFunc opens an outbound connection. It has the shape of
// (*net.Dialer).DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Default tuning values.
const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultBackoffInitial = 5 * time.Millisecond
	DefaultBackoffMax     = time.Second
	DefaultUDPBufferSize  = 64 * 1024
)

type options struct {
	listen         ListenFunc
	listenPacket   ListenPacketFunc
	dial           DialFunc
	backoffInitial time.Duration
	backoffMax     time.Duration
	udpBufferSize  int
	logger         logger.Logger
}

func defaultOptions() options {
	var lc net.ListenConfig
	dialer := &net.Dialer{Timeout: DefaultDialTimeout}

	return options{
		listen:         lc.Listen,
		listenPacket:   lc.ListenPacket,
		dial:           dialer.DialContext,
		backoffInitial: DefaultBackoffInitial,
		backoffMax:     DefaultBackoffMax,
		udpBufferSize:  DefaultUDPBufferSize,
		logger:         logger.Nop(),
	}
}

// Option configures a Socket or ServerSocket.
type Option func(*options)

// WithListenFunc replaces the function used to open TCP listeners. Tests use
// it to wrap listeners and inject faults.
func WithListenFunc(fn ListenFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.listen = fn
		}
	}
}

// WithListenPacketFunc replaces the function used to open the UDP endpoint of
// a ServerSocket.
func WithListenPacketFunc(fn ListenPacketFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.listenPacket = fn
		}
	}
}

// WithDialer replaces the function used by Connect.
func WithDialer(fn DialFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.dial = fn
		}
	}
}

// WithDialTimeout sets the timeout of the default dialer.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			dialer := &net.Dialer{Timeout: d}
			o.dial = dialer.DialContext
		}
	}
}

// WithAcceptBackoff bounds the pause between consecutive accept or UDP
// receive faults. The pause starts at initial, grows exponentially up to
// maxDelay and resets after the next success.
func WithAcceptBackoff(initial, maxDelay time.Duration) Option {
	return func(o *options) {
		if initial > 0 {
			o.backoffInitial = initial
		}
		if maxDelay >= o.backoffInitial {
			o.backoffMax = maxDelay
		}
	}
}

// WithUDPBufferSize sets the largest datagram a ServerSocket will read.
func WithUDPBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.udpBufferSize = n
		}
	}
}

// WithLogger sets the logger for socket diagnostics.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
