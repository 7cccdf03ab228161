// Package server accepts syncio clients. For every connection it assigns an
// identity, delivers the Handshake Packet and only then makes the client
// visible to the application. Afterwards it decodes the client's TCP
// traffic and the UDP datagrams carrying the client's identity, and
// dispatches both to the registered handlers. Remote-call requests are
// routed to the built-in rpc.Manager.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-syncio/callback"
	"github.com/cyberinferno/go-syncio/idgenerator"
	"github.com/cyberinferno/go-syncio/logger"
	"github.com/cyberinferno/go-syncio/metrics"
	"github.com/cyberinferno/go-syncio/packet"
	"github.com/cyberinferno/go-syncio/registry"
	"github.com/cyberinferno/go-syncio/rpc"
	"github.com/cyberinferno/go-syncio/safeset"
	"github.com/cyberinferno/go-syncio/session"
	"github.com/cyberinferno/go-syncio/socket"
)

// ConnectHandler is called once for every client that completed the
// handshake.
type ConnectHandler func(s *Server, client *session.Session)

// Server is the session orchestrator. It may listen on any number of ports;
// all of them share one registry of clients and one set of handlers. It is
// safe for concurrent use.
type Server struct {
	opts      options
	log       logger.Logger
	metrics   *metrics.Metrics
	packager  *packet.Packager
	callbacks *callback.Manager[*session.Session]
	clients   *registry.Clients
	rpc       *rpc.Manager

	genMu     sync.RWMutex
	generator idgenerator.Generator

	listeners *safeset.SafeSet[*socket.ServerSocket]
	pending   *safeset.SafeSet[*session.Session]

	hmu       sync.RWMutex
	onConnect []ConnectHandler
}

// New creates a server with no listeners. Remote-call requests are routed to
// the server's rpc.Manager from the start.
func New(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if o.packager == nil {
		o.packager = packet.NewPackager()
	}

	log := o.logger.With(logger.F("component", "server"))

	s := &Server{
		opts:      o,
		log:       log,
		metrics:   o.metrics,
		packager:  o.packager,
		callbacks: callback.NewManager[*session.Session](),
		clients:   registry.New(),
		rpc: rpc.NewManager(
			rpc.WithLogger(o.logger),
			rpc.WithMetrics(o.metrics),
			rpc.WithCache(o.callCache),
		),
		generator: o.generator,
		listeners: safeset.NewSafeSet[*socket.ServerSocket](),
		pending:   safeset.NewSafeSet[*session.Session](),
	}

	callback.SetHandler(s.callbacks, s.handleRemoteCall)
	return s
}

// ListenTCP opens a listener on port, together with a UDP endpoint on the
// same port. Port 0 picks an ephemeral port; read it back with
// ServerSocket.Port.
//
// Parameters:
//   - port: The port to listen on
//
// Returns:
//   - The open listener, indexed under its bound port until it closes
//   - An error wrapping *socket.Error if either endpoint cannot be opened;
//     nothing is registered in that case
func (s *Server) ListenTCP(port int) (*socket.ServerSocket, error) {
	sockOpts := append([]socket.Option{socket.WithLogger(s.opts.logger)}, s.opts.socketOpts...)
	ss := socket.NewServerSocket(s.opts.family, sockOpts...)

	ss.OnClientConnect(func(_ *socket.Socket, conn net.Conn) {
		s.handshake(conn)
	})
	ss.OnUDPData(s.handleUDP)
	ss.OnException(s.handleException)
	ss.OnClose(func(*socket.Socket) {
		if s.listeners.Remove(ss) {
			s.log.Info("listener closed", logger.F("addr", ss.Endpoint()))
		}
	})

	if err := ss.BeginAccept(port); err != nil {
		s.log.Error("failed to listen", logger.F("port", port), logger.Err(err))
		return nil, fmt.Errorf("server: listen on port %d: %w", port, err)
	}

	s.listeners.Add(ss)
	if !ss.Bound() {
		// Closed before it was indexed.
		s.listeners.Remove(ss)
	}

	s.log.Info("listening", logger.F("addr", ss.Endpoint()))
	return ss, nil
}

// handshake runs on its own goroutine per accepted connection.
func (s *Server) handshake(conn net.Conn) {
	s.metrics.ConnectionAccepted()

	client := session.New(conn, s.packager,
		session.WithLogger(s.opts.logger),
		session.WithWriteTimeout(s.opts.writeTimeout),
		session.WithMaxFrameSize(s.opts.maxFrameSize),
		session.WithUDPQueueSize(s.opts.udpQueueSize),
		session.WithDecodeErrorHandler(func(*session.Session, error) {
			s.metrics.DecodeError()
		}),
	)

	client.AssignID(s.idGenerator().Generate())

	s.pending.Add(client)
	defer s.pending.Remove(client)

	client.BeginReceive(s.receiveTCP)

	if err := client.Send(&packet.HandshakePacket{Success: true, ID: client.ID()}); err != nil {
		s.log.Warn("handshake failed",
			logger.F("remote_addr", conn.RemoteAddr().String()), logger.Err(err))
		s.metrics.HandshakeFailed(metrics.HandshakeSendFailed)
		_ = client.Close()
		return
	}

	if !s.clients.Add(client) {
		s.log.Warn("identity already registered, dropping new client",
			logger.F("client_id", client.ID().String()),
			logger.F("remote_addr", conn.RemoteAddr().String()))
		s.metrics.HandshakeFailed(metrics.HandshakeCollision)
		_ = client.Close()
		return
	}
	s.metrics.ClientRegistered()

	client.OnDisconnect(func(c *session.Session) {
		if s.clients.Remove(c) {
			s.metrics.ClientUnregistered()
			s.log.Debug("client disconnected", logger.F("client_id", c.ID().String()))
		}
	})

	if !client.MarkEstablished() {
		s.metrics.HandshakeFailed(metrics.HandshakeClosed)
		return
	}

	s.metrics.HandshakeCompleted()
	s.log.Debug("client connected",
		logger.F("client_id", client.ID().String()),
		logger.F("remote_addr", conn.RemoteAddr().String()))

	s.emitConnect(client)
}

func (s *Server) receiveTCP(client *session.Session, p packet.Packet) {
	s.dispatch(client, p, metrics.TransportTCP)
}

func (s *Server) receiveUDP(client *session.Session, p packet.Packet) {
	s.dispatch(client, p, metrics.TransportUDP)
}

func (s *Server) dispatch(client *session.Session, p packet.Packet, transport string) {
	handled := s.callbacks.Handle(client, p)
	s.metrics.Dispatched(transport, handled)
	if !handled {
		s.log.Debug("no handler for packet",
			logger.F("client_id", client.ID().String()),
			logger.F("packet", reflect.TypeOf(p).String()),
			logger.F("transport", transport))
	}
}

// handleUDP correlates a datagram with an established client by the identity
// it carries and queues it on that client. Datagrams that do not decode or
// name no registered client are dropped. It runs on the listener's receive
// goroutine and must not block.
func (s *Server) handleUDP(ss *socket.ServerSocket, data []byte, from net.Addr) {
	s.metrics.UDPDatagram()

	id, p, err := s.packager.UnpackIdentified(data)
	if err != nil {
		s.metrics.UDPDrop(metrics.DropMalformed)
		s.log.Debug("dropping malformed datagram",
			logger.F("from", from.String()), logger.F("size", len(data)), logger.Err(err))
		return
	}

	client, ok := s.clients.Lookup(id)
	if !ok {
		s.metrics.UDPDrop(metrics.DropUnknownIdentity)
		s.log.Debug("dropping datagram from unknown identity",
			logger.F("from", from.String()), logger.F("client_id", id.String()))
		return
	}

	handler := s.receiveUDP
	if _, ok := p.(*packet.UDPHandshakePacket); ok {
		client.BindUDP(ss.PacketConn(), from)
		handler = s.echoUDPHandshake
	}

	if err := client.EnqueueUDP(handler, p); err != nil {
		if errors.Is(err, session.ErrQueueFull) {
			s.metrics.UDPDrop(metrics.DropQueueFull)
		}
		s.log.Debug("dropping datagram",
			logger.F("client_id", id.String()), logger.Err(err))
	}
}

// echoUDPHandshake answers a UDP handshake over the client's TCP connection.
// It never reaches the application handlers.
func (s *Server) echoUDPHandshake(client *session.Session, p packet.Packet) {
	if err := client.Send(p); err != nil {
		s.log.Debug("failed to echo UDP handshake",
			logger.F("client_id", client.ID().String()), logger.Err(err))
	}
}

func (s *Server) handleRemoteCall(client *session.Session, req *packet.RemoteCallRequest) {
	if err := s.rpc.HandleRequest(context.Background(), client, req); err != nil {
		s.log.Debug("failed to answer remote call",
			logger.F("client_id", client.ID().String()),
			logger.F("name", req.Name), logger.Err(err))
	}
}

func (s *Server) handleException(e socket.ExceptionEvent) {
	op := "unknown"
	var sockErr *socket.Error
	if errors.As(e.Err, &sockErr) {
		op = string(sockErr.Op)
	}

	s.metrics.SocketFault(op)
	s.log.Warn("socket fault", logger.F("op", op), logger.Err(e.Err))
}

func (s *Server) emitConnect(client *session.Session) {
	s.hmu.RLock()
	handlers := append([]ConnectHandler(nil), s.onConnect...)
	s.hmu.RUnlock()

	for _, h := range handlers {
		h(s, client)
	}
}

func (s *Server) idGenerator() idgenerator.Generator {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	return s.generator
}

// SetIDGenerator replaces the identity generator used for new connections.
// A nil generator is ignored. The generator must not produce an identity
// still held by a connected client; a colliding connection is dropped.
func (s *Server) SetIDGenerator(g idgenerator.Generator) {
	if g == nil {
		return
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.generator = g
}

// OnClientConnect subscribes fn to clients completing the handshake. It runs
// after the client is registered and its Handshake Packet was sent.
func (s *Server) OnClientConnect(fn ConnectHandler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

// SetArrayHandler registers the handler for object arrays. A nil fn removes
// it.
func (s *Server) SetArrayHandler(fn callback.ArrayHandler[*session.Session]) {
	s.callbacks.SetArrayHandler(fn)
}

// SetPacketHandler registers the handler for typed packets that have no
// handler of their own. A nil fn removes it.
func (s *Server) SetPacketHandler(fn callback.PacketHandler[*session.Session]) {
	s.callbacks.SetPacketHandler(fn)
}

// SetHandler registers fn for packets of concrete type T, replacing any
// previous handler for T. Registering a handler for *packet.RemoteCallRequest
// takes remote calls away from the server's rpc.Manager; the server logs a
// warning when that happens. RestoreRemoteCalls undoes it.
//
// Returns:
//   - true if a handler for T was replaced
func SetHandler[T packet.Packet](s *Server, fn func(client *session.Session, p T)) bool {
	replaced := callback.SetHandler(s.callbacks, fn)

	var zero T
	if _, ok := any(zero).(*packet.RemoteCallRequest); ok && replaced {
		s.log.Warn("remote call routing replaced by application handler")
	}

	return replaced
}

// RestoreRemoteCalls routes remote-call requests back to the server's
// rpc.Manager.
func (s *Server) RestoreRemoteCalls() {
	callback.SetHandler(s.callbacks, s.handleRemoteCall)
}

// RegisterRemoteFunction binds fn under name. See package rpc for the
// supported function shapes.
func (s *Server) RegisterRemoteFunction(name string, fn any, opts ...rpc.BindOption) (*rpc.Binding, error) {
	return s.rpc.Bind(name, fn, opts...)
}

// SetDefaultRemoteFunctionAuth sets the policy for remote functions that
// have no policy of their own. Nil authorizes every client.
func (s *Server) SetDefaultRemoteFunctionAuth(fn rpc.AuthFunc) {
	s.rpc.SetDefaultAuth(fn)
}

// RemoteFunctions returns the server's rpc.Manager.
func (s *Server) RemoteFunctions() *rpc.Manager {
	return s.rpc
}

// Packager returns the codec shared by all sessions.
func (s *Server) Packager() *packet.Packager {
	return s.packager
}

// Clients returns the registry of established clients.
func (s *Server) Clients() *registry.Clients {
	return s.clients
}

// Handshaking returns the number of connections whose handshake is in
// progress.
func (s *Server) Handshaking() int {
	return s.pending.Size()
}

// Listener returns the open listener bound to port.
func (s *Server) Listener(port int) (*socket.ServerSocket, bool) {
	return s.listeners.Find(func(ss *socket.ServerSocket) bool {
		return ss.Port() == port
	})
}

// Listeners returns the open listeners ordered by port.
func (s *Server) Listeners() []*socket.ServerSocket {
	out := s.listeners.Values()
	slices.SortFunc(out, func(a, b *socket.ServerSocket) int {
		return a.Port() - b.Port()
	})
	return out
}

// CloseListeners closes every open listener concurrently. Connected clients
// stay connected.
//
// Returns:
//   - The first error reported by a listener, if any
func (s *Server) CloseListeners() error {
	var g errgroup.Group
	for _, ss := range s.listeners.Values() {
		g.Go(ss.Close)
	}
	return g.Wait()
}
