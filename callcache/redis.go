package callcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisLockTTL  = 30 * time.Second
	redisWaitMax  = 30 * time.Second
	releaseScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	extendScript = `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`
)

// ErrComputeAbandoned is returned to a waiter when the process holding the
// compute lock released it without storing a value.
var ErrComputeAbandoned = errors.New("callcache: compute abandoned by lock holder")

// Redis is a Cache shared between server processes. Concurrent misses are
// serialized with a SETNX lock per key; callers that lose the race poll for
// the value with exponential backoff.
type Redis struct {
	client    *redis.Client
	namespace string
}

// NewRedis creates a Redis-backed cache. Every key is stored under
// namespace + ":" so that Len and Invalidate only touch this cache's entries.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	c := NewRedis(client, "syncio:rpc")
func NewRedis(client *redis.Client, namespace string) *Redis {
	return &Redis{client: client, namespace: namespace}
}

func (r *Redis) key(k string) string {
	return r.namespace + ":" + k
}

// GetOrCompute implements Cache.
//
// On a miss the caller tries to take the key's lock. The lock holder computes
// the value, stores it and releases the lock with a script that checks
// ownership; the lock is extended while fn runs. Other callers wait for the
// value to appear or for the lock to vanish.
func (r *Redis) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn ComputeFunc) ([]byte, error) {
	fullKey := r.key(key)

	val, err := r.client.Get(ctx, fullKey).Bytes()
	if err == nil {
		return val, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("callcache: redis get: %w", err)
	}

	lockKey := fullKey + ":lock"
	lockValue := uuid.NewString()

	acquired, err := r.client.SetNX(ctx, lockKey, lockValue, redisLockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("callcache: failed to acquire lock: %w", err)
	}

	if !acquired {
		return r.waitFor(ctx, fullKey, lockKey)
	}

	defer r.client.Eval(context.Background(), releaseScript, []string{lockKey}, lockValue)

	extendCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.extendLock(extendCtx, lockKey, lockValue)

	b, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	if err := r.client.Set(context.Background(), fullKey, b, ttl).Err(); err != nil {
		return nil, fmt.Errorf("callcache: failed to store result: %w", err)
	}

	return b, nil
}

func (r *Redis) extendLock(ctx context.Context, lockKey, lockValue string) {
	ticker := time.NewTicker(redisLockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.client.Eval(ctx, extendScript, []string{lockKey}, lockValue, redisLockTTL.Milliseconds())
		}
	}
}

func (r *Redis) waitFor(ctx context.Context, fullKey, lockKey string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = redisWaitMax

	return backoff.RetryWithData(func() ([]byte, error) {
		val, err := r.client.Get(ctx, fullKey).Bytes()
		if err == nil {
			return val, nil
		}
		if !errors.Is(err, redis.Nil) {
			return nil, backoff.Permanent(fmt.Errorf("callcache: redis get: %w", err))
		}

		exists, err := r.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("callcache: failed to check lock: %w", err))
		}

		if exists == 0 {
			// The holder may have stored the value just before releasing.
			if val, err := r.client.Get(ctx, fullKey).Bytes(); err == nil {
				return val, nil
			}
			return nil, backoff.Permanent(ErrComputeAbandoned)
		}

		return nil, errors.New("callcache: value not ready")
	}, backoff.WithContext(b, ctx))
}

// Invalidate implements Cache. Lock keys of computes still in flight are
// left for their owners.
func (r *Redis) Invalidate(ctx context.Context, prefix string) (int, error) {
	keys, err := r.scan(ctx, r.key(prefix)+"*")
	if err != nil {
		return 0, err
	}

	// Locks belong to in-flight computes; their owners release them.
	keys = withoutLocks(keys)
	if len(keys) == 0 {
		return 0, nil
	}

	deleted, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("callcache: failed to delete keys: %w", err)
	}

	return int(deleted), nil
}

// Len implements Cache. Lock keys are not counted.
func (r *Redis) Len(ctx context.Context) (int, error) {
	keys, err := r.scan(ctx, r.key("*"))
	if err != nil {
		return 0, err
	}

	return len(withoutLocks(keys)), nil
}

func withoutLocks(keys []string) []string {
	values := keys[:0]
	for _, k := range keys {
		if !strings.HasSuffix(k, ":lock") {
			values = append(values, k)
		}
	}
	return values
}

func (r *Redis) scan(ctx context.Context, match string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, match, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("callcache: failed to scan keys: %w", err)
	}

	return keys, nil
}
