// Package socket wraps TCP sockets so that connect, listen, accept and close
// failures are reported to the caller instead of tearing down the goroutine
// that hit them.
//
// A Socket owns at most one handle at a time: an outbound connection or a
// listener. Every Connect or BeginAccept first releases whatever handle the
// Socket held before, so a Socket can be reused without leaking. Faults in
// the accept loop are delivered to OnException handlers and the loop keeps
// accepting; only Close stops it.
package socket

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cyberinferno/go-syncio/logger"
)

// ConnectHandler receives connections accepted by a listening socket. The
// handler owns conn and must close it when done.
type ConnectHandler func(s *Socket, conn net.Conn)

// ExceptionHandler receives faults raised by a socket. Handlers are invoked
// from their own goroutines; implementations must be safe for concurrent use.
type ExceptionHandler func(event ExceptionEvent)

// CloseHandler is invoked once each time a bound socket is closed.
type CloseHandler func(s *Socket)

// Socket is a TCP socket that reports failures as events. The zero value is
// not usable; create one with New.
type Socket struct {
	family Family
	opts   options
	log    logger.Logger

	mu             sync.Mutex
	conn           net.Conn
	ln             net.Listener
	done           chan struct{}
	successfulBind bool
	endpoint       string

	hmu         sync.RWMutex
	onConnect   []ConnectHandler
	onException []ExceptionHandler
	onClose     []CloseHandler
}

// New creates an unbound socket of the given family.
func New(family Family, opts ...Option) *Socket {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Socket{
		family: family,
		opts:   o,
		log:    o.logger.With(logger.F("component", "socket"), logger.F("family", family.String())),
	}
}

// Family returns the address family fixed at construction.
func (s *Socket) Family() Family {
	return s.family
}

// OnClientConnect subscribes fn to connections accepted by BeginAccept.
// Handlers run in registration order on a goroutine of their own per
// connection. If no handler is registered, accepted connections are closed.
func (s *Socket) OnClientConnect(fn ConnectHandler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

// OnException subscribes fn to connect, accept and receive faults.
func (s *Socket) OnException(fn ExceptionHandler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.onException = append(s.onException, fn)
}

// OnClose subscribes fn to closure of the socket. Handlers run synchronously
// on the goroutine that closed the socket.
func (s *Socket) OnClose(fn CloseHandler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// Connect dials host:port. See ConnectEndpoint.
func (s *Socket) Connect(ctx context.Context, host string, port int) error {
	return s.connect(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
}

// ConnectEndpoint releases any handle the socket holds and dials addr. A
// failure is returned and also raised as an exception event.
//
// Parameters:
//   - ctx: Bounds the dial in addition to the configured dial timeout
//   - addr: The remote endpoint
//
// Returns:
//   - nil on success; otherwise an *Error with Op OpConnect, or ErrInterrupted
//     when the socket was reused during the dial
func (s *Socket) ConnectEndpoint(ctx context.Context, addr net.Addr) error {
	return s.connect(ctx, addr.String())
}

func (s *Socket) connect(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	s.createNewSocket()
	s.endpoint = endpoint
	generation := s.done
	s.mu.Unlock()

	conn, err := s.opts.dial(ctx, s.family.tcpNetwork(), endpoint)

	s.mu.Lock()
	if s.done != generation {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrInterrupted
	}

	if err != nil {
		s.successfulBind = false
		s.mu.Unlock()

		sockErr := &Error{Op: OpConnect, Addr: endpoint, Err: err}
		s.emitException(sockErr)
		return sockErr
	}

	s.conn = conn
	s.successfulBind = true
	s.mu.Unlock()

	s.log.Debug("connected", logger.F("addr", endpoint))
	return nil
}

// BeginAccept releases any handle the socket holds, listens on endpoint and
// starts the accept loop. A bind failure is returned only; no event is
// raised and the socket is left unbound.
//
// Parameters:
//   - endpoint: The local address, e.g. ":9000" or "127.0.0.1:0"
//
// Returns:
//   - nil once the socket is listening; otherwise an *Error with Op OpListen
func (s *Socket) BeginAccept(endpoint string) error {
	s.mu.Lock()
	s.createNewSocket()

	ln, err := s.opts.listen(context.Background(), s.family.tcpNetwork(), endpoint)
	if err != nil {
		s.successfulBind = false
		s.endpoint = endpoint
		s.mu.Unlock()
		return &Error{Op: OpListen, Addr: endpoint, Err: err}
	}

	s.ln = ln
	s.endpoint = ln.Addr().String()
	s.successfulBind = true
	done := s.done
	s.mu.Unlock()

	s.log.Debug("listening", logger.F("addr", s.endpoint))
	go s.acceptLoop(ln, done)
	return nil
}

// Bound reports whether the socket holds a handle and the last connect or
// listen attempt succeeded.
func (s *Socket) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundLocked()
}

func (s *Socket) boundLocked() bool {
	return s.successfulBind && (s.conn != nil || s.ln != nil)
}

// Close shuts the socket down and releases its handle. Closing a socket that
// is not bound is a no-op, so Close may be called any number of times.
//
// Returns:
//   - The error from closing the handle, if any
func (s *Socket) Close() error {
	s.mu.Lock()
	if !s.boundLocked() {
		s.mu.Unlock()
		return nil
	}

	err := s.releaseLocked()
	s.mu.Unlock()

	s.log.Debug("closed", logger.F("addr", s.Endpoint()))
	s.emitClose()
	return err
}

// Endpoint returns the listen address after BeginAccept, or the remote
// address passed to Connect.
func (s *Socket) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Addr returns the local address of the current handle, or nil.
func (s *Socket) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.ln != nil:
		return s.ln.Addr()
	case s.conn != nil:
		return s.conn.LocalAddr()
	default:
		return nil
	}
}

// Port returns the local TCP port of the current handle, or 0.
func (s *Socket) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Conn returns the connection established by Connect, or nil.
func (s *Socket) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// createNewSocket releases the current handle and starts a new generation.
// Caller must hold s.mu.
func (s *Socket) createNewSocket() {
	_ = s.releaseLocked()
	s.done = make(chan struct{})
}

// releaseLocked closes the current handle and ends its generation so that
// loops bound to it exit quietly. Caller must hold s.mu.
func (s *Socket) releaseLocked() error {
	if s.done != nil {
		close(s.done)
		s.done = nil
	}

	var err error
	if s.conn != nil {
		if tcp, ok := s.conn.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		err = s.conn.Close()
		s.conn = nil
	}

	if s.ln != nil {
		err = errors.Join(err, s.ln.Close())
		s.ln = nil
	}

	s.successfulBind = false
	return err
}

// abort releases the handle without raising a close event.
func (s *Socket) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.releaseLocked()
}

// closeGeneration closes the socket if done is still its current generation.
func (s *Socket) closeGeneration(done chan struct{}) {
	s.mu.Lock()
	if s.done != done {
		s.mu.Unlock()
		return
	}
	_ = s.releaseLocked()
	s.mu.Unlock()

	s.emitClose()
}

// acceptLoop accepts until done is closed. Every completion is reported, as
// a connection or as a fault, and the loop always goes back to Accept.
func (s *Socket) acceptLoop(ln net.Listener, done chan struct{}) {
	b := newBackoff(s.opts)
	addr := ln.Addr().String()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if isDone(done) {
				return
			}

			s.emitException(&Error{Op: OpAccept, Addr: addr, Err: err})

			if errors.Is(err, net.ErrClosed) {
				s.log.Warn("listener closed underneath socket", logger.F("addr", addr))
				s.closeGeneration(done)
				return
			}

			if !sleep(b.NextBackOff(), done) {
				return
			}
			continue
		}

		b.Reset()
		if isDone(done) {
			_ = conn.Close()
			return
		}

		s.emitConnect(conn)
	}
}

func (s *Socket) emitConnect(conn net.Conn) {
	s.hmu.RLock()
	handlers := append([]ConnectHandler(nil), s.onConnect...)
	s.hmu.RUnlock()

	if len(handlers) == 0 {
		_ = conn.Close()
		return
	}

	go func() {
		for _, h := range handlers {
			h(s, conn)
		}
	}()
}

func (s *Socket) emitException(err error) {
	s.log.Debug("socket exception", logger.Err(err))

	s.hmu.RLock()
	handlers := append([]ExceptionHandler(nil), s.onException...)
	s.hmu.RUnlock()

	event := ExceptionEvent{Socket: s, Err: err, Timestamp: time.Now()}
	for _, h := range handlers {
		go h(event)
	}
}

func (s *Socket) emitClose() {
	s.hmu.RLock()
	handlers := append([]CloseHandler(nil), s.onClose...)
	s.hmu.RUnlock()

	for _, h := range handlers {
		h(s)
	}
}

func newBackoff(o options) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.backoffInitial
	b.MaxInterval = o.backoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sleep waits for d or until done is closed.
//
// Returns:
//   - false if done was closed
func sleep(d time.Duration, done chan struct{}) bool {
	if d < 0 {
		d = 0
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}

func isDone(done chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
