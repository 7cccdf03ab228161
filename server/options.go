package server

import (
	"time"

	"github.com/cyberinferno/go-syncio/callcache"
	"github.com/cyberinferno/go-syncio/idgenerator"
	"github.com/cyberinferno/go-syncio/logger"
	"github.com/cyberinferno/go-syncio/metrics"
	"github.com/cyberinferno/go-syncio/packet"
	"github.com/cyberinferno/go-syncio/session"
	"github.com/cyberinferno/go-syncio/socket"
)

// DefaultWriteTimeout bounds writes to a client unless WithWriteTimeout says
// otherwise.
const DefaultWriteTimeout = 10 * time.Second

type options struct {
	logger       logger.Logger
	packager     *packet.Packager
	generator    idgenerator.Generator
	metrics      *metrics.Metrics
	family       socket.Family
	socketOpts   []socket.Option
	callCache    callcache.Cache
	maxFrameSize int
	writeTimeout time.Duration
	udpQueueSize int
}

func defaultOptions() options {
	return options{
		logger:       logger.Nop(),
		generator:    idgenerator.Random{},
		family:       socket.IPv4,
		maxFrameSize: packet.DefaultMaxFrameSize,
		writeTimeout: DefaultWriteTimeout,
		udpQueueSize: session.DefaultUDPQueueSize,
	}
}

// Option configures a Server.
type Option func(*options)

// WithLogger sets the logger shared by the server, its listeners and its
// sessions.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPackager sets the codec. Application packet types must be registered
// on it; by default the server creates its own, reachable through Packager.
func WithPackager(p *packet.Packager) Option {
	return func(o *options) {
		if p != nil {
			o.packager = p
		}
	}
}

// WithIDGenerator sets the initial identity generator.
func WithIDGenerator(g idgenerator.Generator) Option {
	return func(o *options) {
		if g != nil {
			o.generator = g
		}
	}
}

// WithMetrics records server activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithFamily selects the address family of every listener.
func WithFamily(f socket.Family) Option {
	return func(o *options) {
		o.family = f
	}
}

// WithSocketOptions passes opts to every listener the server opens.
func WithSocketOptions(opts ...socket.Option) Option {
	return func(o *options) {
		o.socketOpts = append(o.socketOpts, opts...)
	}
}

// WithCallCache enables caching for remote functions bound with
// rpc.WithCacheTTL.
func WithCallCache(c callcache.Cache) Option {
	return func(o *options) {
		o.callCache = c
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

// WithWriteTimeout bounds every write to a client. Zero means no deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.writeTimeout = d
		}
	}
}

// WithUDPQueueSize bounds the datagrams each client may have waiting for its
// handlers. Datagrams beyond it are dropped.
func WithUDPQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.udpQueueSize = n
		}
	}
}
