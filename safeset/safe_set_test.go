package safeset

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func has[T comparable](s *SafeSet[T], v T) bool {
	_, ok := s.Find(func(x T) bool { return x == v })
	return ok
}

func TestNewSafeSet(t *testing.T) {
	s := NewSafeSet[string]()
	require.NotNil(t, s)
	assert.Equal(t, 0, s.Size())
	assert.False(t, has(s, "x"))
}

func TestSafeSet_Add(t *testing.T) {
	s := NewSafeSet[string]()

	t.Run("add reports insertion", func(t *testing.T) {
		assert.True(t, s.Add("a"))
		assert.True(t, has(s, "a"))
		assert.Equal(t, 1, s.Size())
	})

	t.Run("adding duplicate reports false and keeps size", func(t *testing.T) {
		assert.False(t, s.Add("a"))
		assert.Equal(t, 1, s.Size())
	})

	t.Run("contains missing returns false", func(t *testing.T) {
		assert.False(t, has(s, "nonexistent"))
	})
}

func TestSafeSet_Remove(t *testing.T) {
	s := NewSafeSet[string]()
	s.Add("a")
	s.Add("b")

	t.Run("remove removes element", func(t *testing.T) {
		assert.True(t, s.Remove("a"))
		assert.False(t, has(s, "a"))
		assert.True(t, has(s, "b"))
	})

	t.Run("remove missing is no-op", func(t *testing.T) {
		assert.False(t, s.Remove("nonexistent"))
		assert.Equal(t, 1, s.Size())
	})
}

func TestSafeSet_Values(t *testing.T) {
	s := NewSafeSet[int]()
	assert.Empty(t, s.Values())

	s.Add(3)
	s.Add(1)
	s.Add(2)

	values := s.Values()
	sort.Ints(values)
	assert.Equal(t, []int{1, 2, 3}, values)

	t.Run("snapshot can be used to mutate the set", func(t *testing.T) {
		for _, v := range s.Values() {
			s.Remove(v)
		}
		assert.Equal(t, 0, s.Size())
	})
}

func TestSafeSet_Find(t *testing.T) {
	type listener struct{ port int }
	a := &listener{port: 9000}
	b := &listener{port: 9001}

	s := NewSafeSet[*listener]()
	s.Add(a)
	s.Add(b)

	got, ok := s.Find(func(l *listener) bool { return l.port == 9001 })
	assert.True(t, ok)
	assert.Same(t, b, got)

	got, ok = s.Find(func(l *listener) bool { return l.port == 1 })
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestSafeSet_Concurrent(t *testing.T) {
	s := NewSafeSet[int]()
	const goroutines = 50
	const opsPerGoroutine = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := range goroutines {
		go func(id int) {
			defer wg.Done()
			for i := range opsPerGoroutine {
				v := id*opsPerGoroutine + i
				s.Add(v)
				has(s, v)
				s.Values()
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, goroutines*opsPerGoroutine, s.Size())

	wg.Add(goroutines)
	for g := range goroutines {
		go func(id int) {
			defer wg.Done()
			for i := range opsPerGoroutine {
				s.Remove(id*opsPerGoroutine + i)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 0, s.Size())
}
