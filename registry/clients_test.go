package registry

import (
	"net"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-syncio/packet"
	"github.com/cyberinferno/go-syncio/session"
)

func newSession(t *testing.T, id uuid.UUID) *session.Session {
	t.Helper()
	a, b := net.Pipe()
	s := session.New(a, packet.NewPackager())
	s.AssignID(id)
	t.Cleanup(func() {
		_ = s.Close()
		_ = b.Close()
	})
	return s
}

func TestClients_AddLookupRemove(t *testing.T) {
	c := New()
	id := uuid.New()
	s := newSession(t, id)

	require.True(t, c.Add(s))
	assert.Equal(t, 1, c.Len())

	got, ok := c.Lookup(id)
	require.True(t, ok)
	assert.Same(t, s, got)

	assert.True(t, c.Remove(s))
	assert.False(t, c.Remove(s))
	_, ok = c.Lookup(id)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestClients_IdentityCollision(t *testing.T) {
	c := New()
	id := uuid.New()
	first := newSession(t, id)
	second := newSession(t, id)

	require.True(t, c.Add(first))
	assert.False(t, c.Add(second), "duplicate identity must be rejected")

	t.Run("removing the loser keeps the holder", func(t *testing.T) {
		assert.False(t, c.Remove(second))
		got, ok := c.Lookup(id)
		require.True(t, ok)
		assert.Same(t, first, got)
	})
}

func TestClients_RangeAndSnapshot(t *testing.T) {
	c := New()
	for i := 0; i < 3; i++ {
		require.True(t, c.Add(newSession(t, uuid.New())))
	}

	assert.Len(t, c.Snapshot(), 3)

	visited := 0
	c.Range(func(*session.Session) bool {
		visited++
		return visited < 2
	})
	assert.Equal(t, 2, visited)
}

func TestClients_Concurrent(t *testing.T) {
	c := New()
	const n = 100

	sessions := make([]*session.Session, n)
	for i := range sessions {
		sessions[i] = newSession(t, uuid.New())
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			assert.True(t, c.Add(s))
		}(s)
	}
	wg.Wait()
	assert.Equal(t, n, c.Len())

	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			assert.True(t, c.Remove(s))
		}(s)
	}
	wg.Wait()
	assert.Equal(t, 0, c.Len())
}
