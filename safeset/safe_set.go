package safeset

import "sync"

// SafeSet is a thread-safe set of unique elements of comparable type T.
type SafeSet[T comparable] struct {
	m map[T]struct{}
	sync.RWMutex
}

// NewSafeSet creates and returns a new empty SafeSet.
func NewSafeSet[T comparable]() *SafeSet[T] {
	return &SafeSet[T]{m: make(map[T]struct{})}
}

// Add adds value to the set.
//
// Returns:
//   - true if value was not already present
func (s *SafeSet[T]) Add(value T) bool {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.m[value]; ok {
		return false
	}
	s.m[value] = struct{}{}
	return true
}

// Remove removes value from the set.
//
// Returns:
//   - true if value was present
func (s *SafeSet[T]) Remove(value T) bool {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.m[value]; !ok {
		return false
	}
	delete(s.m, value)
	return true
}

// Size returns the number of elements in the set.
func (s *SafeSet[T]) Size() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.m)
}

// Values returns a snapshot of the elements in unspecified order. The
// snapshot may be used freely while the set keeps changing.
func (s *SafeSet[T]) Values() []T {
	s.RLock()
	defer s.RUnlock()
	out := make([]T, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	return out
}

// Find returns the first element for which match returns true.
//
// Parameters:
//   - match: Predicate evaluated under the read lock; it must not modify the set
//
// Returns:
//   - The matching element and true, or the zero value and false
func (s *SafeSet[T]) Find(match func(value T) bool) (T, bool) {
	s.RLock()
	defer s.RUnlock()
	for k := range s.m {
		if match(k) {
			return k, true
		}
	}
	var zero T
	return zero, false
}
