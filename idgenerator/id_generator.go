// Package idgenerator provides the strategies a server uses to assign client
// identities at handshake time.
//
// Generators must not hand out an identity that is still registered to a
// connected client. The server detects such a collision when it inserts the
// session and tears the new connection down, but which client loses is not
// something callers should rely on.
package idgenerator

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces client identities. Implementations must be safe for
// concurrent use; the server calls Generate from one goroutine per accepted
// connection.
type Generator interface {
	Generate() uuid.UUID
}

// Func adapts an ordinary function to Generator.
type Func func() uuid.UUID

// Generate implements Generator.
func (f Func) Generate() uuid.UUID {
	return f()
}

// Random generates version 4 UUIDs from crypto/rand. It is the default
// generator.
type Random struct{}

// Generate implements Generator.
func (Random) Generate() uuid.UUID {
	return uuid.New()
}

// Sequential generates monotonically increasing identities in a
// concurrency-safe manner. The counter occupies the low 8 bytes of the UUID
// and the prefix the high 8 bytes, so two Sequential generators with the same
// prefix produce the same sequence. Useful for tests and for deployments that
// want readable identities; not suitable across processes.
type Sequential struct {
	prefix uint64
	id     atomic.Uint64
}

// NewSequential creates a Sequential generator whose first identity encodes
// start+1.
//
// Parameters:
//   - prefix: Value stored in the high 8 bytes of every identity
//   - start: The value to initialize the counter to
//
// Returns:
//   - A new Sequential generator
func NewSequential(prefix, start uint64) *Sequential {
	gen := &Sequential{prefix: prefix}
	gen.id.Store(start)
	return gen
}

// Generate implements Generator.
func (s *Sequential) Generate() uuid.UUID {
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[:8], s.prefix)
	binary.BigEndian.PutUint64(id[8:], s.id.Add(1))
	return id
}

// Counter extracts the counter part of an identity produced by Sequential.
func Counter(id uuid.UUID) uint64 {
	return binary.BigEndian.Uint64(id[8:])
}
