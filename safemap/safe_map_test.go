package safemap

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func has[K comparable, V any](m *SafeMap[K, V], k K) bool {
	_, ok := m.Load(k)
	return ok
}

func TestNewSafeMap(t *testing.T) {
	m := NewSafeMap[string, int]()
	require.NotNil(t, m)
	assert.Equal(t, 0, m.Len())
	_, ok := m.Load("x")
	assert.False(t, ok)
}

func TestSafeMap_Store_Load(t *testing.T) {
	m := NewSafeMap[string, int]()

	t.Run("store and load returns value", func(t *testing.T) {
		m.Store("a", 1)
		v, ok := m.Load("a")
		assert.True(t, ok)
		assert.Equal(t, 1, v)
	})

	t.Run("overwrite returns new value", func(t *testing.T) {
		m.Store("a", 2)
		v, ok := m.Load("a")
		assert.True(t, ok)
		assert.Equal(t, 2, v)
	})

	t.Run("load missing key returns zero value and false", func(t *testing.T) {
		v, ok := m.Load("nonexistent")
		assert.False(t, ok)
		assert.Equal(t, 0, v)
	})

	t.Run("pointer value zero is nil", func(t *testing.T) {
		pm := NewSafeMap[string, *int]()
		v, ok := pm.Load("x")
		assert.False(t, ok)
		assert.Nil(t, v)
	})
}

func TestSafeMap_LoadOrStore(t *testing.T) {
	m := NewSafeMap[string, int]()

	t.Run("stores when absent", func(t *testing.T) {
		v, loaded := m.LoadOrStore("a", 1)
		assert.False(t, loaded)
		assert.Equal(t, 1, v)
	})

	t.Run("keeps existing value when present", func(t *testing.T) {
		v, loaded := m.LoadOrStore("a", 2)
		assert.True(t, loaded)
		assert.Equal(t, 1, v)
	})

	t.Run("only one concurrent caller wins", func(t *testing.T) {
		race := NewSafeMap[string, int]()
		const n = 64
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		wg.Add(n)
		for i := range n {
			go func(v int) {
				defer wg.Done()
				if _, loaded := race.LoadOrStore("k", v); !loaded {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, winners)
	})
}

func TestSafeMap_Delete(t *testing.T) {
	m := NewSafeMap[string, int]()
	m.Store("a", 1)
	m.Store("b", 2)

	t.Run("delete removes key", func(t *testing.T) {
		m.Delete("a")
		assert.False(t, has(m, "a"))
		assert.True(t, has(m, "b"))
	})

	t.Run("delete missing key is no-op", func(t *testing.T) {
		m.Delete("nonexistent")
		assert.Equal(t, 1, m.Len())
	})
}

func TestSafeMap_CompareAndDelete(t *testing.T) {
	type entry struct{ name string }
	first := &entry{"first"}
	second := &entry{"second"}

	m := NewSafeMap[string, *entry]()
	m.Store("k", second)

	t.Run("stale value does not delete", func(t *testing.T) {
		assert.False(t, m.CompareAndDelete("k", first))
		assert.True(t, has(m, "k"))
	})

	t.Run("current value deletes", func(t *testing.T) {
		assert.True(t, m.CompareAndDelete("k", second))
		assert.False(t, has(m, "k"))
	})

	t.Run("missing key returns false", func(t *testing.T) {
		assert.False(t, m.CompareAndDelete("missing", second))
	})
}

func TestSafeMap_Range(t *testing.T) {
	m := NewSafeMap[string, int]()
	m.Store("a", 1)
	m.Store("b", 2)
	m.Store("c", 3)

	t.Run("iterates all entries", func(t *testing.T) {
		seen := make(map[string]int)
		m.Range(func(k string, v int) bool {
			seen[k] = v
			return true
		})
		assert.Equal(t, map[string]int{"a": 1, "b": 2, "c": 3}, seen)
	})

	t.Run("stops when f returns false", func(t *testing.T) {
		count := 0
		m.Range(func(k string, v int) bool {
			count++
			return count < 2
		})
		assert.Equal(t, 2, count)
	})
}

func TestSafeMap_Keys_Values(t *testing.T) {
	m := NewSafeMap[int, string]()
	assert.Empty(t, m.Keys())
	assert.Empty(t, m.Values())

	m.Store(2, "two")
	m.Store(1, "one")

	keys := m.Keys()
	sort.Ints(keys)
	assert.Equal(t, []int{1, 2}, keys)

	values := m.Values()
	sort.Strings(values)
	assert.Equal(t, []string{"one", "two"}, values)
}

func TestSafeMap_Concurrent(t *testing.T) {
	m := NewSafeMap[int, int]()
	const goroutines = 50
	const opsPerGoroutine = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := range goroutines {
		go func(id int) {
			defer wg.Done()
			for i := range opsPerGoroutine {
				key := id*opsPerGoroutine + i
				m.Store(key, key*2)
				m.Load(key)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, goroutines*opsPerGoroutine, m.Len())

	wg.Add(goroutines)
	for g := range goroutines {
		go func(id int) {
			defer wg.Done()
			for i := range opsPerGoroutine {
				key := id*opsPerGoroutine + i
				m.CompareAndDelete(key, key*2)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 0, m.Len())
}
