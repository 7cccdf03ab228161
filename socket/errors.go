package socket

import (
	"errors"
	"fmt"
	"time"
)

// ErrInterrupted is returned by Connect when another Connect or BeginAccept
// reused the socket while the dial was in flight.
var ErrInterrupted = errors.New("socket: reused during connect")

// Op names the socket operation that failed.
type Op string

const (
	OpConnect Op = "connect"
	OpListen  Op = "listen"
	OpAccept  Op = "accept"
	OpReceive Op = "receive"
)

// Error describes a failed socket operation.
type Error struct {
	Op   Op
	Addr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("socket %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ExceptionEvent reports a fault raised by a socket. It is passed to the
// handlers registered with OnException.
type ExceptionEvent struct {
	Socket    *Socket
	Err       error
	Timestamp time.Time
}
