// Package client provides the peer side of a go-syncio server: it connects
// over TCP, completes the handshake, optionally opens the identified UDP path,
// dispatches inbound packets to registered handlers and issues remote calls.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/cyberinferno/go-syncio/callback"
	"github.com/cyberinferno/go-syncio/logger"
	"github.com/cyberinferno/go-syncio/packet"
	"github.com/cyberinferno/go-syncio/safemap"
	"github.com/cyberinferno/go-syncio/socket"
)

// State represents the current state of the connection to the server.
type State int

const (
	Disconnected State = iota // Not connected and not attempting to connect
	Connecting                // Dial or handshake in progress
	Connected                 // Handshake received; the client has an identity
	Reconnecting              // Connection lost; retrying (auto-reconnect only)
	Closed                    // Client has been closed and will not reconnect
)

// String returns a human-readable name for the connection state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StateEvent is emitted when the connection state changes.
type StateEvent struct {
	State     State     // The new state
	Address   string    // The server address ("host:port")
	Timestamp time.Time // When the change occurred
	Error     error     // Non-nil if the change was caused by an error
}

// StateHandler is called on every state change. Handlers run on the
// goroutine that caused the change and must not block.
type StateHandler func(event StateEvent)

var errNoEcho = errors.New("client: no UDP echo yet")

// Client is a connection to a go-syncio server. It is safe for concurrent use.
type Client struct {
	opts      options
	log       logger.Logger
	sock      *socket.Socket
	packager  *packet.Packager
	callbacks *callback.Manager[*Client]
	pending   *safemap.SafeMap[uuid.UUID, chan *packet.RemoteCallResponse]
	udpEcho   chan struct{}

	mu      sync.RWMutex
	state   State
	address string
	conn    net.Conn
	udp     net.Conn
	id      uuid.UUID
	done    chan struct{}
	closed  bool

	writeMu sync.Mutex

	hmu           sync.RWMutex
	onStateChange StateHandler

	autoReconnect bool
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

// New creates a client in the Disconnected state. Call Connect to reach a
// server and Close when done.
//
// Parameters:
//   - opts: Optional settings
//
// Returns:
//   - A new *Client
func New(opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if o.packager == nil {
		o.packager = packet.NewPackager()
	}

	socketOpts := append([]socket.Option{socket.WithLogger(o.logger)}, o.socketOpts...)

	return &Client{
		opts:          o,
		log:           o.logger,
		sock:          socket.New(o.family, socketOpts...),
		packager:      o.packager,
		callbacks:     callback.NewManager[*Client](),
		pending:       safemap.NewSafeMap[uuid.UUID, chan *packet.RemoteCallResponse](),
		udpEcho:       make(chan struct{}, 1),
		state:         Disconnected,
		autoReconnect: o.autoReconnect,
		stopChan:      make(chan struct{}),
	}
}

// Packager returns the codec. Application packet types must be registered on
// it before they are sent or received.
func (c *Client) Packager() *packet.Packager {
	return c.packager
}

// OnStateChange registers the handler for state changes. Only one handler is
// active; repeated calls replace it. Pass nil to clear it.
func (c *Client) OnStateChange(handler StateHandler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.onStateChange = handler
}

// SetPacketHandler registers the fallback for typed packets without a
// handler of their own.
func (c *Client) SetPacketHandler(fn callback.PacketHandler[*Client]) {
	c.callbacks.SetPacketHandler(fn)
}

// SetArrayHandler registers the handler for object arrays.
func (c *Client) SetArrayHandler(fn callback.ArrayHandler[*Client]) {
	c.callbacks.SetArrayHandler(fn)
}

// SetHandler registers fn for packets of concrete type T.
//
// Returns:
//   - true if it replaced an earlier handler for T
func SetHandler[T packet.Packet](c *Client, fn func(c *Client, p T)) bool {
	return callback.SetHandler(c.callbacks, fn)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the client is in the Connected state.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// ID returns the identity the server assigned in the last handshake, or
// uuid.Nil before the first one.
func (c *Client) ID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Connect dials host:port and waits for the server's Handshake Packet.
//
// Parameters:
//   - ctx: Bounds the dial and the handshake wait
//   - host: Server host
//   - port: Server port
//
// Returns:
//   - nil once the handshake completed; ErrClosed, ErrAlreadyConnected, a
//     *socket.Error from the dial, or an error wrapping ErrHandshakeFailed
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = Connecting
	c.mu.Unlock()

	return c.connect(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
}

func (c *Client) connect(ctx context.Context, address string) error {
	c.setState(Connecting, address, nil)

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		c.setState(Disconnected, address, err)
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		c.setState(Disconnected, address, err)
		return err
	}

	if err := c.sock.Connect(ctx, host, port); err != nil {
		c.setState(Disconnected, address, err)
		return err
	}

	conn := c.sock.Conn()
	if conn == nil {
		c.setState(Disconnected, address, ErrClosed)
		return ErrClosed
	}

	id, err := c.readHandshake(ctx, conn)
	if err != nil {
		_ = c.sock.Close()
		c.setState(Disconnected, address, err)
		return err
	}

	done := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = c.sock.Close()
		return ErrClosed
	}
	c.conn = conn
	c.id = id
	c.done = done
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Debug("handshake completed", logger.F("addr", address), logger.F("client_id", id.String()))
	c.setState(Connected, address, nil)

	go c.readLoop(conn, done)

	return nil
}

func (c *Client) readHandshake(ctx context.Context, conn net.Conn) (uuid.UUID, error) {
	deadline := time.Now().Add(c.opts.handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	data, err := packet.ReadFrame(conn, c.opts.maxFrameSize)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return uuid.Nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	p, err := c.packager.Unpack(data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	hs, ok := p.(*packet.HandshakePacket)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: expected handshake, got %T", ErrHandshakeFailed, p)
	}

	if !hs.Success || hs.ID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: rejected by server", ErrHandshakeFailed)
	}

	return hs.ID, nil
}

func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	defer c.wg.Done()

	for {
		data, err := packet.ReadFrame(conn, c.opts.maxFrameSize)
		if err != nil {
			c.connectionLost(done, err)
			return
		}

		p, err := c.packager.Unpack(data)
		if err != nil {
			c.log.Debug("dropping undecodable payload", logger.F("size", len(data)), logger.Err(err))
			continue
		}

		c.receive(p)
	}
}

func (c *Client) receive(p packet.Packet) {
	switch pkt := p.(type) {
	case *packet.RemoteCallResponse:
		if ch, ok := c.pending.Load(pkt.CallID); ok {
			c.pending.Delete(pkt.CallID)
			select {
			case ch <- pkt:
			default:
			}
			return
		}
	case *packet.UDPHandshakePacket:
		select {
		case c.udpEcho <- struct{}{}:
		default:
		}
		return
	}

	if !c.callbacks.Handle(c, p) {
		c.log.Debug("no handler for packet", logger.F("type", fmt.Sprintf("%T", p)))
	}
}

// Send serializes p and writes it as one TCP frame.
//
// Parameters:
//   - p: The packet or ObjectArray to send
//
// Returns:
//   - ErrNotConnected, an encode error, or the write error
func (c *Client) Send(p packet.Packet) error {
	c.mu.RLock()
	conn, done, state := c.conn, c.done, c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	payload, err := c.packager.Pack(p)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
			return err
		}

		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}

	if err := packet.WriteFrame(conn, payload); err != nil {
		go c.connectionLost(done, err)
		return fmt.Errorf("client: write failed: %w", err)
	}

	return nil
}

// SendArray sends values as an object array over TCP.
func (c *Client) SendArray(values ...any) error {
	return c.Send(packet.ObjectArray(values))
}

// ConnectUDP opens the UDP path to the server the client is connected to.
// It sends an identified UDP Handshake Packet and waits for the server to
// echo it over TCP, resending while no echo arrives.
//
// Parameters:
//   - ctx: Bounds the whole exchange
//
// Returns:
//   - nil once the echo arrived; ErrNotConnected, a dial error, or the
//     context's error
func (c *Client) ConnectUDP(ctx context.Context) error {
	c.mu.RLock()
	conn, done, state := c.conn, c.done, c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	var d net.Dialer
	udp, err := d.DialContext(ctx, udpNetwork(c.opts.family), conn.RemoteAddr().String())
	if err != nil {
		return fmt.Errorf("client: UDP dial failed: %w", err)
	}

	c.mu.Lock()
	if c.done != done || c.closed {
		c.mu.Unlock()
		_ = udp.Close()
		return ErrNotConnected
	}
	previous := c.udp
	c.udp = udp
	c.wg.Add(1)
	c.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}

	go c.udpLoop(udp, done)

	select {
	case <-c.udpEcho:
	default:
	}

	b := backoff.NewConstantBackOff(0)
	return backoff.Retry(func() error {
		if err := c.SendUDP(&packet.UDPHandshakePacket{}); err != nil {
			return backoff.Permanent(err)
		}

		timer := time.NewTimer(c.opts.udpEchoWait)
		defer timer.Stop()

		select {
		case <-c.udpEcho:
			return nil
		case <-done:
			return backoff.Permanent(ErrDisconnected)
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-timer.C:
			return errNoEcho
		}
	}, backoff.WithContext(b, ctx))
}

func (c *Client) udpLoop(udp net.Conn, done chan struct{}) {
	defer c.wg.Done()

	buf := make([]byte, c.opts.udpBufferSize)
	for {
		n, err := udp.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || isDone(done) {
				return
			}

			// ICMP errors surface as read errors on a connected UDP socket.
			c.log.Debug("UDP read failed", logger.Err(err))
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		p, err := c.packager.Unpack(buf[:n])
		if err != nil {
			c.log.Debug("dropping undecodable datagram", logger.F("size", n), logger.Err(err))
			continue
		}

		c.receive(p)
	}
}

// SendUDP sends p as one datagram prefixed with the client's identity.
//
// Returns:
//   - ErrNoUDP before ConnectUDP, an encode error, or the write error
func (c *Client) SendUDP(p packet.Packet) error {
	c.mu.RLock()
	udp, id := c.udp, c.id
	c.mu.RUnlock()

	if udp == nil {
		return ErrNoUDP
	}

	payload, err := c.packager.PackIdentified(id, p)
	if err != nil {
		return err
	}

	if _, err := udp.Write(payload); err != nil {
		return fmt.Errorf("client: UDP write failed: %w", err)
	}

	return nil
}

// Call invokes the remote function name with args and waits for the reply.
//
// Parameters:
//   - ctx: Bounds the wait for the reply
//   - name: The bound function name
//   - args: Arguments, each encoded as JSON
//
// Returns:
//   - The raw JSON result on success; a *CallError when the server reports a
//     failure, ErrDisconnected if the connection drops first, or the
//     context's error
func (c *Client) Call(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	encoded := make([]json.RawMessage, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("client: encode argument %d of %s: %w", i, name, err)
		}
		encoded[i] = raw
	}

	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()

	callID := uuid.New()
	reply := make(chan *packet.RemoteCallResponse, 1)
	c.pending.Store(callID, reply)
	defer c.pending.Delete(callID)

	if err := c.Send(&packet.RemoteCallRequest{CallID: callID, Name: name, Args: encoded}); err != nil {
		return nil, err
	}

	select {
	case resp := <-reply:
		if resp.Status != packet.CallSuccess {
			return nil, &CallError{Name: name, Status: resp.Status, Message: resp.Error}
		}
		return resp.Result, nil
	case <-done:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallAs invokes a remote function and decodes its result into T.
func CallAs[T any](ctx context.Context, c *Client, name string, args ...any) (T, error) {
	var out T

	raw, err := c.Call(ctx, name, args...)
	if err != nil {
		return out, err
	}

	if len(raw) == 0 {
		return out, nil
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("client: decode result of %s: %w", name, err)
	}

	return out, nil
}

// Disconnect closes the current connection and moves to Disconnected. The
// client may Connect again. Safe to call when not connected.
func (c *Client) Disconnect() error {
	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()

	c.teardown(done, nil)
	return nil
}

// Close shuts down the client and waits for its goroutines. After Close the
// client is in the Closed state. Calling Close more than once is safe.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	done := c.done
	c.mu.Unlock()

	close(c.stopChan)
	c.teardown(done, nil)
	_ = c.sock.Close()
	c.wg.Wait()

	c.setState(Closed, c.currentAddress(), nil)
	return nil
}

// connectionLost handles the loss of the connection identified by done and
// starts reconnecting when enabled.
func (c *Client) connectionLost(done chan struct{}, cause error) {
	if errors.Is(cause, io.EOF) {
		c.log.Debug("connection closed by server")
	} else if !errors.Is(cause, net.ErrClosed) {
		c.log.Warn("connection lost", logger.Err(cause))
	}

	if !c.teardown(done, cause) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.autoReconnect && !c.closed {
		c.wg.Add(1)
		go c.reconnectLoop(c.address)
	}
}

// teardown releases the connection identified by done.
//
// Returns:
//   - false if done is not the current connection (already torn down)
func (c *Client) teardown(done chan struct{}, cause error) bool {
	c.mu.Lock()
	if done == nil || c.done != done || isDone(done) {
		c.mu.Unlock()
		return false
	}

	close(done)
	udp := c.udp
	c.udp = nil
	c.conn = nil
	_ = c.sock.Close()
	address := c.address
	closed := c.closed
	c.mu.Unlock()

	if udp != nil {
		_ = udp.Close()
	}

	if !closed {
		c.setState(Disconnected, address, cause)
	}
	return true
}

func (c *Client) reconnectLoop(address string) {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.reconnectInitial
	b.MaxInterval = c.opts.reconnectMax
	b.MaxElapsedTime = 0

	_ = backoff.RetryNotify(func() error {
		if c.isClosed() {
			return backoff.Permanent(ErrClosed)
		}
		c.setState(Reconnecting, address, nil)
		return c.connect(ctx, address)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		c.log.Debug("reconnect failed", logger.F("retry_in", next.String()), logger.Err(err))
	})
}

func (c *Client) setState(state State, address string, err error) {
	c.mu.Lock()
	if c.closed && state != Closed {
		c.mu.Unlock()
		return
	}
	c.state = state
	if address != "" {
		c.address = address
	}
	c.mu.Unlock()

	c.hmu.RLock()
	handler := c.onStateChange
	c.hmu.RUnlock()

	if handler != nil {
		handler(StateEvent{State: state, Address: address, Timestamp: time.Now(), Error: err})
	}
}

func (c *Client) currentAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func isDone(done chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func udpNetwork(f socket.Family) string {
	if f == socket.IPv6 {
		return "udp6"
	}
	return "udp4"
}
