package client

import (
	"errors"
	"fmt"

	"github.com/cyberinferno/go-syncio/packet"
)

var (
	ErrClosed           = errors.New("client: closed")
	ErrAlreadyConnected = errors.New("client: already connected or connecting")
	ErrNotConnected     = errors.New("client: not connected")
	ErrDisconnected     = errors.New("client: disconnected while waiting")
	ErrHandshakeFailed  = errors.New("client: handshake failed")
	ErrNoUDP            = errors.New("client: UDP not connected")
)

// CallError reports a remote call the server did not complete successfully.
type CallError struct {
	Name    string
	Status  packet.CallStatus
	Message string
}

func (e *CallError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote call %s: %s", e.Name, e.Status)
	}
	return fmt.Sprintf("remote call %s: %s: %s", e.Name, e.Status, e.Message)
}
