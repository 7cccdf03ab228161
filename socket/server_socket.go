package socket

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/cyberinferno/go-syncio/logger"
)

// UDPDataHandler receives datagrams read by a ServerSocket. data is owned by
// the handler.
type UDPDataHandler func(s *ServerSocket, data []byte, from net.Addr)

// ServerSocket is a listening Socket paired with a UDP endpoint on the same
// port. Datagrams carry no connection, so the ServerSocket only hands them to
// OnUDPData handlers; correlating them with a client is up to the caller.
type ServerSocket struct {
	*Socket

	umu        sync.Mutex
	packetConn net.PacketConn
	udpDone    chan struct{}

	uhmu      sync.RWMutex
	onUDPData []UDPDataHandler
}

// NewServerSocket creates an unbound ServerSocket.
func NewServerSocket(family Family, opts ...Option) *ServerSocket {
	ss := &ServerSocket{Socket: New(family, opts...)}
	ss.Socket.OnClose(func(*Socket) {
		ss.closeUDP()
	})
	return ss
}

// OnUDPData subscribes fn to datagrams. Handlers run synchronously on the
// receive goroutine, in registration order.
func (ss *ServerSocket) OnUDPData(fn UDPDataHandler) {
	ss.uhmu.Lock()
	defer ss.uhmu.Unlock()
	ss.onUDPData = append(ss.onUDPData, fn)
}

// BeginAccept listens for TCP connections on port on all interfaces of the
// socket's family, then opens the UDP endpoint on the port the listener
// actually bound. Port 0 picks an ephemeral port.
//
// Parameters:
//   - port: The port to listen on
//
// Returns:
//   - nil once both endpoints are open; otherwise an *Error with Op OpListen,
//     in which case neither endpoint is left open
func (ss *ServerSocket) BeginAccept(port int) error {
	ss.closeUDP()

	if err := ss.Socket.BeginAccept(listenAddress(port)); err != nil {
		return err
	}

	udpAddr := listenAddress(ss.Port())
	pc, err := ss.opts.listenPacket(context.Background(), ss.family.udpNetwork(), udpAddr)
	if err != nil {
		ss.Socket.abort()
		return &Error{Op: OpListen, Addr: udpAddr, Err: err}
	}

	if uc, ok := pc.(*net.UDPConn); ok {
		if err := uc.SetReadBuffer(ss.opts.udpBufferSize); err != nil {
			ss.log.Warn("failed to set UDP read buffer size",
				logger.F("buffer_size", ss.opts.udpBufferSize), logger.Err(err))
		}
	}

	done := make(chan struct{})
	ss.umu.Lock()
	ss.packetConn = pc
	ss.udpDone = done
	ss.umu.Unlock()

	go ss.receiveLoop(pc, done)
	return nil
}

// PacketConn returns the UDP endpoint, or nil when the socket is not bound.
func (ss *ServerSocket) PacketConn() net.PacketConn {
	ss.umu.Lock()
	defer ss.umu.Unlock()
	return ss.packetConn
}

func (ss *ServerSocket) closeUDP() {
	ss.umu.Lock()
	defer ss.umu.Unlock()

	if ss.udpDone != nil {
		close(ss.udpDone)
		ss.udpDone = nil
	}

	if ss.packetConn != nil {
		_ = ss.packetConn.Close()
		ss.packetConn = nil
	}
}

func (ss *ServerSocket) receiveLoop(pc net.PacketConn, done chan struct{}) {
	b := newBackoff(ss.opts)
	buf := make([]byte, ss.opts.udpBufferSize)
	addr := pc.LocalAddr().String()

	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if isDone(done) || errors.Is(err, net.ErrClosed) {
				return
			}

			ss.emitException(&Error{Op: OpReceive, Addr: addr, Err: err})
			if !sleep(b.NextBackOff(), done) {
				return
			}
			continue
		}

		b.Reset()
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		ss.emitUDPData(data, from)
	}
}

func (ss *ServerSocket) emitUDPData(data []byte, from net.Addr) {
	ss.uhmu.RLock()
	handlers := append([]UDPDataHandler(nil), ss.onUDPData...)
	ss.uhmu.RUnlock()

	for _, h := range handlers {
		h(ss, data, from)
	}
}

func listenAddress(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}
