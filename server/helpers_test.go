package server

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-syncio/metrics"
	"github.com/cyberinferno/go-syncio/packet"
	"github.com/cyberinferno/go-syncio/socket"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// chatPacket is an application packet type used across the tests.
type chatPacket struct {
	Text string `json:"text"`
}

func (*chatPacket) PacketID() uint16 { return packet.FirstUserID }

func newTestServer(t *testing.T, opts ...Option) (*Server, int, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry(), "test")
	srv := New(append([]Option{WithMetrics(m)}, opts...)...)
	require.NoError(t, srv.Packager().Register(func() packet.Packet { return &chatPacket{} }))

	ss, err := srv.ListenTCP(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.CloseListeners() })

	return srv, ss.Port(), m
}

func loopback(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// peer is a hand-driven client speaking the wire protocol directly.
type peer struct {
	t        *testing.T
	conn     net.Conn
	packager *packet.Packager
	id       uuid.UUID
}

func dial(t *testing.T, port int) *peer {
	t.Helper()
	conn, err := net.Dial("tcp4", loopback(port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	p := &peer{t: t, conn: conn, packager: packet.NewPackager()}
	require.NoError(t, p.packager.Register(func() packet.Packet { return &chatPacket{} }))
	return p
}

// connect dials and consumes the Handshake Packet.
func connect(t *testing.T, port int) *peer {
	t.Helper()
	p := dial(t, port)
	hs, ok := p.read().(*packet.HandshakePacket)
	require.True(t, ok, "first packet must be the handshake")
	require.True(t, hs.Success)
	p.id = hs.ID
	return p
}

func (p *peer) read() packet.Packet {
	p.t.Helper()
	pkt, err := p.tryRead()
	require.NoError(p.t, err)
	return pkt
}

func (p *peer) tryRead() (packet.Packet, error) {
	if err := p.conn.SetReadDeadline(time.Now().Add(waitFor)); err != nil {
		return nil, err
	}
	data, err := packet.ReadFrame(p.conn, 0)
	if err != nil {
		return nil, err
	}
	return p.packager.Unpack(data)
}

func (p *peer) send(pkt packet.Packet) {
	p.t.Helper()
	payload, err := p.packager.Pack(pkt)
	require.NoError(p.t, err)
	require.NoError(p.t, packet.WriteFrame(p.conn, payload))
}

// udp opens a datagram socket for sending identified envelopes to port.
func (p *peer) udp(port int) *udpPeer {
	p.t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(p.t, err)
	p.t.Cleanup(func() { _ = pc.Close() })

	addr, err := net.ResolveUDPAddr("udp4", loopback(port))
	require.NoError(p.t, err)
	return &udpPeer{peer: p, pc: pc, server: addr}
}

type udpPeer struct {
	*peer
	pc     net.PacketConn
	server net.Addr
}

func (u *udpPeer) sendAs(id uuid.UUID, pkt packet.Packet) {
	u.t.Helper()
	data, err := u.packager.PackIdentified(id, pkt)
	require.NoError(u.t, err)
	u.sendRaw(data)
}

func (u *udpPeer) sendRaw(data []byte) {
	u.t.Helper()
	_, err := u.pc.WriteTo(data, u.server)
	require.NoError(u.t, err)
}

// gatedListen wraps every accepted connection with wrap.
func gatedListen(wrap func(net.Conn) net.Conn) socket.ListenFunc {
	var lc net.ListenConfig
	return func(ctx context.Context, network, address string) (net.Listener, error) {
		ln, err := lc.Listen(ctx, network, address)
		if err != nil {
			return nil, err
		}
		return &wrappingListener{Listener: ln, wrap: wrap}, nil
	}
}

type wrappingListener struct {
	net.Listener
	wrap func(net.Conn) net.Conn
}

func (l *wrappingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return l.wrap(c), nil
}

// gatedConn blocks its first Write until release is closed, and fails every
// write when fail is set.
type gatedConn struct {
	net.Conn
	once    sync.Once
	writing chan struct{}
	release chan struct{}
	fail    error
}

func (c *gatedConn) Write(b []byte) (int, error) {
	c.once.Do(func() {
		close(c.writing)
		<-c.release
	})
	if c.fail != nil {
		return 0, c.fail
	}
	return c.Conn.Write(b)
}
