package socket

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerSocket_UDP(t *testing.T) {
	t.Run("datagrams reach the UDP handlers", func(t *testing.T) {
		ss := NewServerSocket(IPv4)

		type datagram struct {
			data []byte
			from net.Addr
		}
		received := make(chan datagram, 1)
		ss.OnUDPData(func(_ *ServerSocket, data []byte, from net.Addr) {
			received <- datagram{data: data, from: from}
		})

		require.NoError(t, ss.BeginAccept(0))
		t.Cleanup(func() { _ = ss.Close() })
		require.NotNil(t, ss.PacketConn())

		conn, err := net.Dial("udp4", loopback(ss.Port()))
		require.NoError(t, err)
		defer conn.Close()

		_, err = conn.Write([]byte("hello"))
		require.NoError(t, err)

		select {
		case d := <-received:
			assert.Equal(t, []byte("hello"), d.data)
			assert.Equal(t, conn.LocalAddr().String(), d.from.String())
		case <-time.After(waitFor):
			t.Fatal("datagram not delivered")
		}
	})

	t.Run("TCP and UDP share the port", func(t *testing.T) {
		ss := NewServerSocket(IPv4)
		require.NoError(t, ss.BeginAccept(0))
		t.Cleanup(func() { _ = ss.Close() })

		udpAddr, ok := ss.PacketConn().LocalAddr().(*net.UDPAddr)
		require.True(t, ok)
		assert.Equal(t, ss.Port(), udpAddr.Port)
	})

	t.Run("close releases the UDP endpoint", func(t *testing.T) {
		ss := NewServerSocket(IPv4)
		require.NoError(t, ss.BeginAccept(0))
		port := ss.Port()

		require.NoError(t, ss.Close())
		assert.Nil(t, ss.PacketConn())
		assert.False(t, ss.Bound())

		pc, err := net.ListenPacket("udp4", loopback(port))
		require.NoError(t, err)
		_ = pc.Close()
	})

	t.Run("UDP failure leaves nothing bound", func(t *testing.T) {
		injected := errors.New("no datagrams today")
		ss := NewServerSocket(IPv4,
			WithListenPacketFunc(func(context.Context, string, string) (net.PacketConn, error) {
				return nil, injected
			}),
		)

		err := ss.BeginAccept(0)
		require.Error(t, err)
		assert.ErrorIs(t, err, injected)

		var sockErr *Error
		require.ErrorAs(t, err, &sockErr)
		assert.Equal(t, OpListen, sockErr.Op)
		assert.False(t, ss.Bound())
		assert.Nil(t, ss.PacketConn())
	})

	t.Run("relisten moves both endpoints", func(t *testing.T) {
		ss := NewServerSocket(IPv4)
		require.NoError(t, ss.BeginAccept(0))
		first := ss.Port()

		second := freePort(t)
		require.NoError(t, ss.BeginAccept(second))
		t.Cleanup(func() { _ = ss.Close() })
		assert.Equal(t, second, ss.Port())

		pc, err := net.ListenPacket("udp4", loopback(first))
		require.NoError(t, err)
		_ = pc.Close()
	})
}
