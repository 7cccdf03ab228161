// Package callback routes decoded packets to the handlers an application has
// registered for them.
package callback

import (
	"reflect"
	"sync"

	"github.com/cyberinferno/go-syncio/packet"
)

// PacketHandler handles any typed packet.
type PacketHandler[C any] func(conn C, p packet.Packet)

// ArrayHandler handles untyped object-array payloads.
type ArrayHandler[C any] func(conn C, values packet.ObjectArray)

// Manager stores at most one handler per concrete packet type, one fallback
// for any typed packet and one handler for object arrays. C is the
// connection handle passed to handlers (a server session or a client).
//
// Registration and dispatch may run concurrently.
type Manager[C any] struct {
	mu       sync.RWMutex
	typed    map[reflect.Type]PacketHandler[C]
	fallback PacketHandler[C]
	arrays   ArrayHandler[C]
}

// NewManager returns an empty Manager.
func NewManager[C any]() *Manager[C] {
	return &Manager[C]{typed: make(map[reflect.Type]PacketHandler[C])}
}

// SetHandler registers fn for packets whose concrete type is exactly T,
// replacing any previous handler for T. A nil fn removes the registration.
//
// Returns:
//   - true if a handler for T was already registered
func SetHandler[C any, T packet.Packet](m *Manager[C], fn func(conn C, p T)) bool {
	t := reflect.TypeFor[T]()

	m.mu.Lock()
	defer m.mu.Unlock()

	_, replaced := m.typed[t]
	if fn == nil {
		delete(m.typed, t)
		return replaced
	}

	m.typed[t] = func(conn C, p packet.Packet) {
		fn(conn, p.(T))
	}

	return replaced
}

// HasHandler reports whether a handler is registered for type T.
func HasHandler[C any, T packet.Packet](m *Manager[C]) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.typed[reflect.TypeFor[T]()]
	return ok
}

// SetPacketHandler registers the fallback for typed packets that have no
// handler of their own. A nil fn removes it.
func (m *Manager[C]) SetPacketHandler(fn PacketHandler[C]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = fn
}

// SetArrayHandler registers the handler for object arrays. A nil fn removes
// it.
func (m *Manager[C]) SetArrayHandler(fn ArrayHandler[C]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arrays = fn
}

// Handle dispatches p to the most specific handler: object arrays go to the
// array handler; typed packets go to the handler for their exact type, or the
// any-packet handler when there is none. Handlers run on the caller's
// goroutine, outside the Manager's lock.
//
// Returns:
//   - true if a handler ran
func (m *Manager[C]) Handle(conn C, p packet.Packet) bool {
	if p == nil {
		return false
	}

	if values, ok := p.(packet.ObjectArray); ok {
		m.mu.RLock()
		fn := m.arrays
		m.mu.RUnlock()
		if fn == nil {
			return false
		}
		fn(conn, values)
		return true
	}

	m.mu.RLock()
	fn, ok := m.typed[reflect.TypeOf(p)]
	if !ok {
		fn = m.fallback
	}
	m.mu.RUnlock()

	if fn == nil {
		return false
	}

	fn(conn, p)
	return true
}
