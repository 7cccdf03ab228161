// Package callcache caches encoded remote-call results so that repeated
// calls with the same arguments skip the bound function.
package callcache

import (
	"context"
	"time"
)

// ComputeFunc produces the value for a missing key. It receives a context for
// cancellation and returns the encoded value or an error. Errors are never
// cached.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Cache stores encoded results with a per-entry TTL. Implementations must be
// safe for concurrent use and must run fn at most once for concurrent misses
// on the same key within one process.
type Cache interface {
	// GetOrCompute returns the value cached under key, or computes it with fn
	// and caches it for ttl.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key to retrieve or set
	//   - ttl: Time-to-live for a computed value
	//   - fn: Computes the value on a miss
	//
	// Returns:
	//   - The cached or computed value
	//   - An error if retrieval or fn fails
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn ComputeFunc) ([]byte, error)

	// Invalidate removes every entry whose key starts with prefix.
	//
	// Returns:
	//   - The number of entries removed
	//   - An error if the operation fails
	Invalidate(ctx context.Context, prefix string) (int, error)

	// Len returns the number of cached entries.
	Len(ctx context.Context) (int, error)
}
