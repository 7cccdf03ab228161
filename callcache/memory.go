package callcache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Memory is an in-process Cache. It uses go-cache for storage and
// singleflight so that concurrent misses on one key compute the value once.
type Memory struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewMemory creates an in-memory cache.
//
// Parameters:
//   - defaultTTL: TTL applied when GetOrCompute is given a ttl <= 0
//   - cleanupInterval: Interval at which expired entries are purged
//
// Returns:
//   - A new *Memory
func NewMemory(defaultTTL, cleanupInterval time.Duration) *Memory {
	return &Memory{cache: cache.New(defaultTTL, cleanupInterval)}
}

// GetOrCompute implements Cache.
func (m *Memory) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn ComputeFunc) ([]byte, error) {
	if val, found := m.cache.Get(key); found {
		if b, ok := val.([]byte); ok {
			return b, nil
		}
	}

	val, err, _ := m.group.Do(key, func() (any, error) {
		// Another caller may have filled the entry while we waited.
		if cached, found := m.cache.Get(key); found {
			if b, ok := cached.([]byte); ok {
				return b, nil
			}
		}

		b, err := fn(ctx)
		if err != nil {
			return nil, err
		}

		if ttl <= 0 {
			ttl = cache.DefaultExpiration
		}
		m.cache.Set(key, b, ttl)
		return b, nil
	})
	if err != nil {
		return nil, err
	}

	b, ok := val.([]byte)
	if !ok {
		return nil, fmt.Errorf("callcache: unexpected value type for key %s", key)
	}

	return b, nil
}

// Invalidate implements Cache.
func (m *Memory) Invalidate(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	for key := range m.cache.Items() {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		if strings.HasPrefix(key, prefix) {
			m.cache.Delete(key)
			deleted++
		}
	}

	return deleted, nil
}

// Len implements Cache.
func (m *Memory) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.cache.ItemCount(), nil
}
