package packet

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

const (
	kindPacket byte = 1
	kindArray  byte = 2

	packetHeaderSize = 3
	identitySize     = 16
)

var (
	ErrNilPacket     = errors.New("packet: nil packet")
	ErrShortPayload  = errors.New("packet: payload too short")
	ErrUnknownKind   = errors.New("packet: unknown payload kind")
	ErrUnknownPacket = errors.New("packet: unknown packet id")
	ErrReservedID    = errors.New("packet: packet id is reserved")
	ErrDuplicateID   = errors.New("packet: packet id already registered")
	ErrInvalidType   = errors.New("packet: factory must return a non-nil pointer")
)

// Factory returns a new, empty instance of a packet type. It must return a
// pointer so that Unpack can decode into it.
type Factory func() Packet

// Packager serializes packets. It knows how to decode every packet type that
// has been registered with it; the built-in types are registered by
// NewPackager. A Packager is safe for concurrent use.
type Packager struct {
	mu        sync.RWMutex
	factories map[uint16]Factory
}

// NewPackager returns a Packager with the built-in packet types registered.
func NewPackager() *Packager {
	p := &Packager{factories: make(map[uint16]Factory)}
	p.factories[HandshakeID] = func() Packet { return &HandshakePacket{} }
	p.factories[UDPHandshakeID] = func() Packet { return &UDPHandshakePacket{} }
	p.factories[RemoteCallRequestID] = func() Packet { return &RemoteCallRequest{} }
	p.factories[RemoteCallResponseID] = func() Packet { return &RemoteCallResponse{} }
	return p
}

// Register makes an application packet type decodable. Both ends of a
// connection must register the same types under the same identifiers.
//
// Parameters:
//   - factory: Returns a new pointer to the packet type
//
// Returns:
//   - ErrReservedID if the type's PacketID is below FirstUserID
//   - ErrDuplicateID if another type already uses the identifier
//   - ErrInvalidType if factory returns nil or a non-pointer
func (p *Packager) Register(factory Factory) error {
	if factory == nil {
		return ErrInvalidType
	}

	sample := factory()
	if sample == nil || reflect.TypeOf(sample).Kind() != reflect.Pointer {
		return ErrInvalidType
	}

	id := sample.PacketID()
	if id < FirstUserID {
		return fmt.Errorf("%w: %d", ErrReservedID, id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.factories[id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	p.factories[id] = factory
	return nil
}

// Pack serializes pkt into a payload.
func (p *Packager) Pack(pkt Packet) ([]byte, error) {
	if arr, ok := pkt.(ObjectArray); ok {
		body, err := json.Marshal([]any(arr))
		if err != nil {
			return nil, fmt.Errorf("packet: failed to encode object array: %w", err)
		}

		return append([]byte{kindArray}, body...), nil
	}

	if pkt == nil || reflect.ValueOf(pkt).Kind() == reflect.Pointer && reflect.ValueOf(pkt).IsNil() {
		return nil, ErrNilPacket
	}

	body, err := json.Marshal(pkt)
	if err != nil {
		return nil, fmt.Errorf("packet: failed to encode packet %d: %w", pkt.PacketID(), err)
	}

	out := make([]byte, packetHeaderSize, packetHeaderSize+len(body))
	out[0] = kindPacket
	binary.LittleEndian.PutUint16(out[1:], pkt.PacketID())
	return append(out, body...), nil
}

// Unpack decodes a payload produced by Pack.
func (p *Packager) Unpack(data []byte) (Packet, error) {
	if len(data) == 0 {
		return nil, ErrShortPayload
	}

	switch data[0] {
	case kindArray:
		var values []any
		if err := json.Unmarshal(data[1:], &values); err != nil {
			return nil, fmt.Errorf("packet: failed to decode object array: %w", err)
		}

		return ObjectArray(values), nil
	case kindPacket:
		if len(data) < packetHeaderSize {
			return nil, ErrShortPayload
		}

		id := binary.LittleEndian.Uint16(data[1:])
		p.mu.RLock()
		factory, ok := p.factories[id]
		p.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownPacket, id)
		}

		pkt := factory()
		if err := json.Unmarshal(data[packetHeaderSize:], pkt); err != nil {
			return nil, fmt.Errorf("packet: failed to decode packet %d: %w", id, err)
		}

		return pkt, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, data[0])
	}
}

// PackIdentified serializes pkt behind the sender's identity. This is the
// envelope used on the UDP path, where there is no connection to tell the
// server who sent a datagram.
func (p *Packager) PackIdentified(id uuid.UUID, pkt Packet) ([]byte, error) {
	payload, err := p.Pack(pkt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, identitySize+len(payload))
	out = append(out, id[:]...)
	return append(out, payload...), nil
}

// UnpackIdentified decodes an envelope produced by PackIdentified.
func (p *Packager) UnpackIdentified(data []byte) (uuid.UUID, Packet, error) {
	if len(data) <= identitySize {
		return uuid.Nil, nil, ErrShortPayload
	}

	id, err := uuid.FromBytes(data[:identitySize])
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("packet: invalid identity: %w", err)
	}

	pkt, err := p.Unpack(data[identitySize:])
	if err != nil {
		return uuid.Nil, nil, err
	}

	return id, pkt, nil
}
