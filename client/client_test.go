package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-syncio/packet"
	"github.com/cyberinferno/go-syncio/server"
	"github.com/cyberinferno/go-syncio/session"
	"github.com/cyberinferno/go-syncio/socket"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type chatPacket struct {
	Text string `json:"text"`
}

func (*chatPacket) PacketID() uint16 { return packet.FirstUserID }

func registerChat(t *testing.T, p *packet.Packager) {
	t.Helper()
	require.NoError(t, p.Register(func() packet.Packet { return &chatPacket{} }))
}

func newServer(t *testing.T) (*server.Server, int) {
	t.Helper()
	srv := server.New()
	registerChat(t, srv.Packager())

	ss, err := srv.ListenTCP(0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = srv.CloseListeners()
		for _, s := range srv.Clients().Snapshot() {
			_ = s.Close()
		}
	})

	return srv, ss.Port()
}

func newClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	c := New(opts...)
	registerChat(t, c.Packager())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connectClient(t *testing.T, port int, opts ...Option) *Client {
	t.Helper()
	c := newClient(t, opts...)
	require.NoError(t, c.Connect(context.Background(), "127.0.0.1", port))
	return c
}

func sessionOf(t *testing.T, srv *server.Server, id uuid.UUID) *session.Session {
	t.Helper()
	var s *session.Session
	require.Eventually(t, func() bool {
		var ok bool
		s, ok = srv.Clients().Lookup(id)
		return ok
	}, waitFor, tick)
	return s
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Reconnecting", Reconnecting.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", State(42).String())
}

func TestClient_Connect(t *testing.T) {
	t.Run("handshake assigns the server's identity", func(t *testing.T) {
		srv, port := newServer(t)

		var mu sync.Mutex
		var states []State
		c := newClient(t)
		c.OnStateChange(func(e StateEvent) {
			mu.Lock()
			states = append(states, e.State)
			mu.Unlock()
		})

		require.NoError(t, c.Connect(context.Background(), "127.0.0.1", port))
		assert.True(t, c.IsConnected())
		assert.NotEqual(t, uuid.Nil, c.ID())

		s := sessionOf(t, srv, c.ID())
		assert.Equal(t, c.ID(), s.ID())

		mu.Lock()
		assert.Equal(t, []State{Connecting, Connected}, states)
		mu.Unlock()

		assert.ErrorIs(t, c.Connect(context.Background(), "127.0.0.1", port), ErrAlreadyConnected)
	})

	t.Run("dial failure leaves the client disconnected", func(t *testing.T) {
		ln, err := net.Listen("tcp4", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		require.NoError(t, ln.Close())

		c := newClient(t, WithSocketOptions(socket.WithDialTimeout(time.Second)))
		err = c.Connect(context.Background(), "127.0.0.1", port)
		require.Error(t, err)

		var sockErr *socket.Error
		assert.ErrorAs(t, err, &sockErr)
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("rejected handshake fails the connect", func(t *testing.T) {
		ln, err := net.Listen("tcp4", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			payload, _ := packet.NewPackager().Pack(&packet.HandshakePacket{Success: false})
			_ = packet.WriteFrame(conn, payload)
			time.Sleep(100 * time.Millisecond)
		}()

		c := newClient(t)
		err = c.Connect(context.Background(), "127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
		assert.ErrorIs(t, err, ErrHandshakeFailed)
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("silent server times out the handshake", func(t *testing.T) {
		ln, err := net.Listen("tcp4", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			time.Sleep(500 * time.Millisecond)
			_ = conn.Close()
		}()

		c := newClient(t, WithHandshakeTimeout(50*time.Millisecond))
		err = c.Connect(context.Background(), "127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
		assert.ErrorIs(t, err, ErrHandshakeFailed)
	})
}

func TestClient_TCPExchange(t *testing.T) {
	srv, port := newServer(t)

	fromClient := make(chan string, 1)
	server.SetHandler(srv, func(_ *session.Session, p *chatPacket) { fromClient <- p.Text })

	arrays := make(chan packet.ObjectArray, 1)
	srv.SetArrayHandler(func(_ *session.Session, values packet.ObjectArray) { arrays <- values })

	c := connectClient(t, port)

	fromServer := make(chan string, 1)
	assert.False(t, SetHandler(c, func(_ *Client, p *chatPacket) { fromServer <- p.Text }))

	require.NoError(t, c.Send(&chatPacket{Text: "ping"}))
	select {
	case text := <-fromClient:
		assert.Equal(t, "ping", text)
	case <-time.After(waitFor):
		t.Fatal("server did not receive the packet")
	}

	require.NoError(t, c.SendArray("move", 1, 2))
	select {
	case values := <-arrays:
		assert.Equal(t, packet.ObjectArray{"move", float64(1), float64(2)}, values)
	case <-time.After(waitFor):
		t.Fatal("server did not receive the array")
	}

	require.NoError(t, sessionOf(t, srv, c.ID()).Send(&chatPacket{Text: "pong"}))
	select {
	case text := <-fromServer:
		assert.Equal(t, "pong", text)
	case <-time.After(waitFor):
		t.Fatal("client did not receive the packet")
	}
}

func TestClient_Call(t *testing.T) {
	srv, port := newServer(t)
	_, err := srv.RegisterRemoteFunction("add", func(a, b int) int { return a + b })
	require.NoError(t, err)
	_, err = srv.RegisterRemoteFunction("fail", func() error { return errors.New("boom") })
	require.NoError(t, err)

	c := connectClient(t, port)
	ctx := context.Background()

	t.Run("result is decoded", func(t *testing.T) {
		sum, err := CallAs[int](ctx, c, "add", 2, 3)
		require.NoError(t, err)
		assert.Equal(t, 5, sum)
	})

	t.Run("failures surface as CallError", func(t *testing.T) {
		tests := []struct {
			name   string
			fn     string
			args   []any
			status packet.CallStatus
		}{
			{"unknown function", "missing", nil, packet.CallDoesNotExist},
			{"wrong arity", "add", []any{1}, packet.CallInvalidParameters},
			{"function error", "fail", nil, packet.CallException},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := c.Call(ctx, tt.fn, tt.args...)
				var callErr *CallError
				require.ErrorAs(t, err, &callErr)
				assert.Equal(t, tt.status, callErr.Status)
				assert.Equal(t, tt.fn, callErr.Name)
			})
		}
	})

	t.Run("concurrent calls are correlated", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sum, err := CallAs[int](ctx, c, "add", i, i)
				assert.NoError(t, err)
				assert.Equal(t, 2*i, sum)
			}(i)
		}
		wg.Wait()
	})

	t.Run("context bounds the wait", func(t *testing.T) {
		_, err := srv.RegisterRemoteFunction("slow", func() { time.Sleep(300 * time.Millisecond) })
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = c.Call(ctx, "slow")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestClient_UDP(t *testing.T) {
	srv, port := newServer(t)

	fromClient := make(chan uuid.UUID, 1)
	server.SetHandler(srv, func(s *session.Session, p *chatPacket) {
		if p.Text == "over udp" {
			fromClient <- s.ID()
		}
	})

	c := connectClient(t, port)
	assert.ErrorIs(t, c.SendUDP(&chatPacket{}), ErrNoUDP)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.ConnectUDP(ctx))

	s := sessionOf(t, srv, c.ID())
	require.NotNil(t, s.UDPAddr())

	require.NoError(t, c.SendUDP(&chatPacket{Text: "over udp"}))
	select {
	case id := <-fromClient:
		assert.Equal(t, c.ID(), id)
	case <-time.After(waitFor):
		t.Fatal("server did not receive the datagram")
	}

	fromServer := make(chan string, 1)
	SetHandler(c, func(_ *Client, p *chatPacket) { fromServer <- p.Text })
	require.NoError(t, s.SendUDP(&chatPacket{Text: "back over udp"}))
	select {
	case text := <-fromServer:
		assert.Equal(t, "back over udp", text)
	case <-time.After(waitFor):
		t.Fatal("client did not receive the datagram")
	}
}

func TestClient_ConnectUDPRequiresConnection(t *testing.T) {
	c := newClient(t)
	assert.ErrorIs(t, c.ConnectUDP(context.Background()), ErrNotConnected)
	assert.ErrorIs(t, c.Send(&chatPacket{}), ErrNotConnected)
}

func TestClient_Disconnect(t *testing.T) {
	t.Run("server close moves the client to disconnected", func(t *testing.T) {
		srv, port := newServer(t)
		c := connectClient(t, port)

		lost := make(chan error, 1)
		c.OnStateChange(func(e StateEvent) {
			if e.State == Disconnected {
				lost <- e.Error
			}
		})

		require.NoError(t, sessionOf(t, srv, c.ID()).Close())

		select {
		case <-lost:
		case <-time.After(waitFor):
			t.Fatal("disconnect not observed")
		}
		assert.Equal(t, Disconnected, c.State())
		assert.ErrorIs(t, c.Send(&chatPacket{}), ErrNotConnected)
	})

	t.Run("pending calls fail when the connection drops", func(t *testing.T) {
		srv, port := newServer(t)
		release := make(chan struct{})
		_, err := srv.RegisterRemoteFunction("block", func() { <-release })
		require.NoError(t, err)
		defer close(release)

		c := connectClient(t, port)
		s := sessionOf(t, srv, c.ID())

		errCh := make(chan error, 1)
		go func() {
			_, err := c.Call(context.Background(), "block")
			errCh <- err
		}()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, s.Close())

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrDisconnected)
		case <-time.After(waitFor):
			t.Fatal("call did not fail")
		}
	})

	t.Run("explicit disconnect allows reconnecting", func(t *testing.T) {
		_, port := newServer(t)
		c := connectClient(t, port)
		first := c.ID()

		require.NoError(t, c.Disconnect())
		assert.Equal(t, Disconnected, c.State())

		require.NoError(t, c.Connect(context.Background(), "127.0.0.1", port))
		assert.NotEqual(t, first, c.ID())
	})
}

func TestClient_AutoReconnect(t *testing.T) {
	srv, port := newServer(t)
	c := connectClient(t, port, WithAutoReconnect(10*time.Millisecond, 50*time.Millisecond))
	first := c.ID()

	require.NoError(t, sessionOf(t, srv, first).Close())

	assert.Eventually(t, func() bool {
		return c.IsConnected() && c.ID() != first
	}, waitFor, tick)
	sessionOf(t, srv, c.ID())
}

func TestClient_Close(t *testing.T) {
	_, port := newServer(t)
	c := connectClient(t, port)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.State())
	assert.ErrorIs(t, c.Connect(context.Background(), "127.0.0.1", port), ErrClosed)
	assert.ErrorIs(t, c.Send(&chatPacket{}), ErrNotConnected)
}
