package client

import (
	"time"

	"github.com/cyberinferno/go-syncio/logger"
	"github.com/cyberinferno/go-syncio/packet"
	"github.com/cyberinferno/go-syncio/socket"
)

// Default timeouts.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultUDPEchoWait      = 250 * time.Millisecond
	DefaultReconnectInitial = 500 * time.Millisecond
	DefaultReconnectMax     = 30 * time.Second
)

type options struct {
	logger           logger.Logger
	packager         *packet.Packager
	family           socket.Family
	socketOpts       []socket.Option
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	maxFrameSize     int
	udpBufferSize    int
	udpEchoWait      time.Duration
	autoReconnect    bool
	reconnectInitial time.Duration
	reconnectMax     time.Duration
}

func defaultOptions() options {
	return options{
		logger:           logger.Nop(),
		family:           socket.IPv4,
		handshakeTimeout: DefaultHandshakeTimeout,
		writeTimeout:     DefaultWriteTimeout,
		maxFrameSize:     packet.DefaultMaxFrameSize,
		udpBufferSize:    socket.DefaultUDPBufferSize,
		udpEchoWait:      DefaultUDPEchoWait,
		reconnectInitial: DefaultReconnectInitial,
		reconnectMax:     DefaultReconnectMax,
	}
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the client logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPackager sets the codec. It must know the same application packet
// types as the server's.
func WithPackager(p *packet.Packager) Option {
	return func(o *options) {
		if p != nil {
			o.packager = p
		}
	}
}

// WithFamily selects the address family used to dial.
func WithFamily(f socket.Family) Option {
	return func(o *options) {
		o.family = f
	}
}

// WithSocketOptions passes opts to the underlying socket.
func WithSocketOptions(opts ...socket.Option) Option {
	return func(o *options) {
		o.socketOpts = append(o.socketOpts, opts...)
	}
}

// WithHandshakeTimeout bounds the wait for the server's Handshake Packet.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithWriteTimeout bounds every TCP write. Zero means no deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.writeTimeout = d
		}
	}
}

// WithMaxFrameSize bounds inbound TCP frames.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrameSize = n
		}
	}
}

// WithUDPEchoWait sets how long ConnectUDP waits for an echo before it sends
// the handshake datagram again.
func WithUDPEchoWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.udpEchoWait = d
		}
	}
}

// WithAutoReconnect makes the client redial the last address after the
// connection is lost, backing off exponentially from initial to maxDelay.
// A new handshake assigns a new identity.
func WithAutoReconnect(initial, maxDelay time.Duration) Option {
	return func(o *options) {
		o.autoReconnect = true
		if initial > 0 {
			o.reconnectInitial = initial
		}
		if maxDelay >= o.reconnectInitial {
			o.reconnectMax = maxDelay
		}
	}
}
