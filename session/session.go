// Package session implements the server side of one connected client: the
// TCP connection it owns, the identity assigned at handshake, an optional UDP
// return path and the framed read loop that feeds decoded packets to the
// server.
package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cyberinferno/go-syncio/logger"
	"github.com/cyberinferno/go-syncio/packet"
)

var (
	// ErrClosed is returned when sending on a disconnected session.
	ErrClosed = errors.New("session: closed")
	// ErrNoUDPPath is returned by SendUDP before the client completed a UDP
	// handshake.
	ErrNoUDPPath = errors.New("session: no UDP path recorded")
	// ErrQueueFull is returned by EnqueueUDP when the session's datagram queue
	// has no room.
	ErrQueueFull = errors.New("session: datagram queue full")
)

// DefaultUDPQueueSize is the number of datagrams a session buffers while its
// handler is busy.
const DefaultUDPQueueSize = 64

// State is the lifecycle stage of a session.
type State int32

const (
	Handshaking State = iota // Connected; Handshake Packet not yet delivered
	Established              // Handshake delivered; visible in the registry
	Disconnected             // Connection closed; terminal
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Handshaking:
		return "Handshaking"
	case Established:
		return "Established"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Handler receives packets decoded by the read loop.
type Handler func(s *Session, p packet.Packet)

// DisconnectHandler is called once when the session disconnects.
type DisconnectHandler func(s *Session)

// DecodeErrorHandler is called for every payload the read loop could not
// decode. The payload is dropped and the loop continues.
type DecodeErrorHandler func(s *Session, err error)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger. Connection fields are added to it.
func WithLogger(l logger.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithWriteTimeout bounds every Send. Zero means no deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.writeTimeout = d
	}
}

// WithMaxFrameSize bounds the size of a single inbound frame.
func WithMaxFrameSize(n int) Option {
	return func(s *Session) {
		s.maxFrameSize = n
	}
}

// WithUDPQueueSize bounds the datagrams waiting for the session's handler.
func WithUDPQueueSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.udpQueueSize = n
		}
	}
}

// WithDecodeErrorHandler observes payloads dropped by the read loop.
func WithDecodeErrorHandler(fn DecodeErrorHandler) Option {
	return func(s *Session) {
		s.onDecodeError = fn
	}
}

// Session is a connected client as seen by the server. It is safe for
// concurrent use.
type Session struct {
	conn     net.Conn
	packager *packet.Packager
	log      logger.Logger

	writeTimeout  time.Duration
	maxFrameSize  int
	onDecodeError DecodeErrorHandler

	idMu sync.RWMutex
	id   uuid.UUID

	state   atomic.Int32
	writeMu sync.Mutex

	udpMu   sync.RWMutex
	udpConn net.PacketConn
	udpAddr net.Addr

	udpQueueSize int
	udpQueue     chan queuedPacket
	udpOnce      sync.Once
	done         chan struct{}

	dmu          sync.Mutex
	onDisconnect []DisconnectHandler
	closeOnce    sync.Once
	closeErr     error
	receiving    atomic.Bool
}

// New wraps conn in a session in the Handshaking state. The session owns
// conn from here on.
//
// Parameters:
//   - conn: The accepted connection
//   - packager: Codec shared with the server
//   - opts: Optional settings
//
// Returns:
//   - A new *Session
func New(conn net.Conn, packager *packet.Packager, opts ...Option) *Session {
	s := &Session{
		conn:         conn,
		packager:     packager,
		log:          logger.Nop(),
		maxFrameSize: packet.DefaultMaxFrameSize,
		udpQueueSize: DefaultUDPQueueSize,
		done:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.log = s.log.With(logger.F("remote_addr", conn.RemoteAddr().String()))
	s.state.Store(int32(Handshaking))
	return s
}

// AssignID sets the session identity. It must be called before BeginReceive;
// the server calls it once, before the Handshake Packet is sent.
func (s *Session) AssignID(id uuid.UUID) {
	s.idMu.Lock()
	s.id = id
	s.idMu.Unlock()

	s.log = s.log.With(logger.F("client_id", id.String()))
}

// ID returns the identity assigned at handshake, or uuid.Nil before that.
func (s *Session) ID() uuid.UUID {
	s.idMu.RLock()
	defer s.idMu.RUnlock()
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// RemoteAddr returns the address of the peer's TCP endpoint.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// MarkEstablished moves the session from Handshaking to Established.
//
// Returns:
//   - false if the session was not handshaking (for instance it already
//     disconnected)
func (s *Session) MarkEstablished() bool {
	return s.state.CompareAndSwap(int32(Handshaking), int32(Established))
}

// BeginReceive starts the read loop. Each frame is decoded and passed to
// handler on the loop's goroutine. Payloads that fail to decode are dropped;
// a read or framing error disconnects the session. Calling BeginReceive more
// than once has no effect.
func (s *Session) BeginReceive(handler Handler) {
	if !s.receiving.CompareAndSwap(false, true) {
		return
	}

	go s.receiveLoop(handler)
}

func (s *Session) receiveLoop(handler Handler) {
	defer func() { _ = s.Close() }()

	for {
		data, err := packet.ReadFrame(s.conn, s.maxFrameSize)
		if err != nil {
			if s.State() != Disconnected {
				if errors.Is(err, io.EOF) {
					s.log.Debug("connection closed by peer")
				} else if !errors.Is(err, net.ErrClosed) {
					s.log.Warn("read failed", logger.Err(err))
				}
			}
			return
		}

		p, err := s.packager.Unpack(data)
		if err != nil {
			s.log.Debug("dropping undecodable payload", logger.F("size", len(data)), logger.Err(err))
			if s.onDecodeError != nil {
				s.onDecodeError(s, err)
			}
			continue
		}

		handler(s, p)
	}
}

type queuedPacket struct {
	handler Handler
	p       packet.Packet
}

// EnqueueUDP queues p for handler on the session's datagram worker, so the
// caller never waits on the handler. One session's datagrams are handled in
// arrival order. The worker starts on first use and stops when the session
// disconnects.
//
// Returns:
//   - ErrClosed if the session is disconnected, ErrQueueFull if the queue has
//     no room; p is dropped in both cases
func (s *Session) EnqueueUDP(handler Handler, p packet.Packet) error {
	if s.State() == Disconnected {
		return ErrClosed
	}

	s.udpOnce.Do(func() {
		s.udpQueue = make(chan queuedPacket, s.udpQueueSize)
		go s.udpLoop()
	})

	select {
	case s.udpQueue <- queuedPacket{handler: handler, p: p}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Session) udpLoop() {
	for {
		select {
		case <-s.done:
			return
		case item := <-s.udpQueue:
			if s.State() == Disconnected {
				return
			}
			item.handler(s, item.p)
		}
	}
}

// Send serializes p and writes it as one frame. Concurrent calls are
// serialized. A write failure disconnects the session.
//
// Parameters:
//   - p: The packet or ObjectArray to send
//
// Returns:
//   - ErrClosed if the session is disconnected, an encode error, or the write
//     error
func (s *Session) Send(p packet.Packet) error {
	if s.State() == Disconnected {
		return ErrClosed
	}

	payload, err := s.packager.Pack(p)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return fmt.Errorf("session: failed to set write deadline: %w", err)
		}

		defer func() {
			_ = s.conn.SetWriteDeadline(time.Time{})
		}()
	}

	if err := packet.WriteFrame(s.conn, payload); err != nil {
		s.log.Debug("write failed", logger.Err(err))
		go func() { _ = s.Close() }()
		return fmt.Errorf("session: write failed: %w", err)
	}

	return nil
}

// BindUDP records the datagram endpoint the client last reached the server
// from, and the server socket to answer through.
func (s *Session) BindUDP(conn net.PacketConn, addr net.Addr) {
	s.udpMu.Lock()
	defer s.udpMu.Unlock()
	s.udpConn = conn
	s.udpAddr = addr
}

// UDPAddr returns the recorded UDP endpoint of the client, or nil.
func (s *Session) UDPAddr() net.Addr {
	s.udpMu.RLock()
	defer s.udpMu.RUnlock()
	return s.udpAddr
}

// SendUDP sends p as a single datagram to the recorded UDP endpoint.
// Datagrams from the server carry no identity prefix.
//
// Returns:
//   - ErrClosed, ErrNoUDPPath, an encode error, or the write error
func (s *Session) SendUDP(p packet.Packet) error {
	if s.State() == Disconnected {
		return ErrClosed
	}

	s.udpMu.RLock()
	conn, addr := s.udpConn, s.udpAddr
	s.udpMu.RUnlock()

	if conn == nil || addr == nil {
		return ErrNoUDPPath
	}

	payload, err := s.packager.Pack(p)
	if err != nil {
		return err
	}

	if _, err := conn.WriteTo(payload, addr); err != nil {
		return fmt.Errorf("session: UDP write failed: %w", err)
	}

	return nil
}

// OnDisconnect registers fn to run once when the session disconnects. If
// the session is already disconnected, fn runs immediately on the caller's
// goroutine.
func (s *Session) OnDisconnect(fn DisconnectHandler) {
	s.dmu.Lock()
	if s.State() == Disconnected {
		s.dmu.Unlock()
		fn(s)
		return
	}

	s.onDisconnect = append(s.onDisconnect, fn)
	s.dmu.Unlock()
}

// Close disconnects the session and runs the disconnect handlers. It is safe
// to call more than once.
//
// Returns:
//   - The error from closing the connection on the first call; later calls
//     return the same error
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.dmu.Lock()
		s.state.Store(int32(Disconnected))
		close(s.done)
		handlers := s.onDisconnect
		s.onDisconnect = nil
		s.dmu.Unlock()

		s.closeErr = s.conn.Close()
		s.log.Debug("disconnected")

		for _, fn := range handlers {
			fn(s)
		}
	})

	return s.closeErr
}
