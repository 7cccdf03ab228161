// Package registry tracks the clients a server has finished handshaking with.
package registry

import (
	"github.com/google/uuid"

	"github.com/cyberinferno/go-syncio/safemap"
	"github.com/cyberinferno/go-syncio/session"
)

// Clients maps client identities to established sessions. It is safe for
// concurrent use.
type Clients struct {
	sessions safemap.SafeMap[uuid.UUID, *session.Session]
}

// New returns an empty registry.
func New() *Clients {
	return &Clients{}
}

// Add registers s under its identity.
//
// Returns:
//   - false if another session already holds the identity; the registry is
//     left unchanged in that case
func (c *Clients) Add(s *session.Session) bool {
	_, loaded := c.sessions.LoadOrStore(s.ID(), s)
	return !loaded
}

// Remove unregisters s. A different session registered under the same
// identity is left in place.
//
// Returns:
//   - true if s was registered
func (c *Clients) Remove(s *session.Session) bool {
	return c.sessions.CompareAndDelete(s.ID(), s)
}

// Lookup returns the session registered under id.
func (c *Clients) Lookup(id uuid.UUID) (*session.Session, bool) {
	return c.sessions.Load(id)
}

// Len returns the number of registered sessions.
func (c *Clients) Len() int {
	return c.sessions.Len()
}

// Range calls fn for each registered session until fn returns false.
func (c *Clients) Range(fn func(s *session.Session) bool) {
	c.sessions.Range(func(_ uuid.UUID, s *session.Session) bool {
		return fn(s)
	})
}

// Snapshot returns the registered sessions in unspecified order.
func (c *Clients) Snapshot() []*session.Session {
	return c.sessions.Values()
}
