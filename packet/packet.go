// Package packet defines the packets exchanged between a go-syncio server and
// its clients, and the Packager that turns them into bytes.
//
// A payload is either a typed Packet, identified on the wire by its uint16
// PacketID, or an ObjectArray of loosely typed values. TCP payloads travel in
// length-prefixed frames (see WriteFrame); UDP payloads carry the sender's
// identity in front of the payload (see Packager.PackIdentified).
package packet

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Packet is implemented by every typed packet.
type Packet interface {
	// PacketID returns the wire identifier of the packet's concrete type.
	PacketID() uint16
}

// Built-in packet identifiers. Identifiers below FirstUserID are reserved.
const (
	HandshakeID          uint16 = 1
	UDPHandshakeID       uint16 = 2
	RemoteCallRequestID  uint16 = 3
	RemoteCallResponseID uint16 = 4

	FirstUserID uint16 = 0x100
)

// HandshakePacket is the first packet a server sends on a new connection. It
// carries the identity the client must present on the UDP path.
type HandshakePacket struct {
	Success bool      `json:"success"`
	ID      uuid.UUID `json:"id"`
}

// PacketID implements Packet.
func (*HandshakePacket) PacketID() uint16 { return HandshakeID }

// UDPHandshakePacket checks the UDP path of an established client. The server
// echoes it back unchanged.
type UDPHandshakePacket struct{}

// PacketID implements Packet.
func (*UDPHandshakePacket) PacketID() uint16 { return UDPHandshakeID }

// RemoteCallRequest asks the server to invoke a bound function.
type RemoteCallRequest struct {
	CallID uuid.UUID         `json:"call_id"`
	Name   string            `json:"name"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// PacketID implements Packet.
func (*RemoteCallRequest) PacketID() uint16 { return RemoteCallRequestID }

// CallStatus is the outcome of a remote call.
type CallStatus uint8

const (
	CallSuccess CallStatus = iota
	CallDoesNotExist
	CallNotAuthorized
	CallInvalidParameters
	CallException
)

// String returns a human-readable name for the status.
func (s CallStatus) String() string {
	switch s {
	case CallSuccess:
		return "success"
	case CallDoesNotExist:
		return "does_not_exist"
	case CallNotAuthorized:
		return "not_authorized"
	case CallInvalidParameters:
		return "invalid_parameters"
	case CallException:
		return "exception"
	default:
		return "unknown"
	}
}

// RemoteCallResponse answers a RemoteCallRequest with the same CallID.
type RemoteCallResponse struct {
	CallID uuid.UUID       `json:"call_id"`
	Name   string          `json:"name"`
	Status CallStatus      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PacketID implements Packet.
func (*RemoteCallResponse) PacketID() uint16 { return RemoteCallResponseID }

// ObjectArray is an untyped payload. After a round trip its elements hold
// whatever encoding/json decodes into an interface value (float64, string,
// bool, nil, []any, map[string]any).
type ObjectArray []any

// PacketID implements Packet. Object arrays have no type identifier.
func (ObjectArray) PacketID() uint16 { return 0 }
