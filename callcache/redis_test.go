package callcache

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to the server named by SYNCIO_TEST_REDIS_ADDR and
// skips the test when it is unset or unreachable.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("SYNCIO_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SYNCIO_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}

	c := NewRedis(client, "syncio-test:"+uuid.NewString())
	t.Cleanup(func() { _, _ = c.Invalidate(context.Background(), "") })
	return c
}

func TestRedis_GetOrCompute(t *testing.T) {
	c := newTestRedis(t)
	ctx := context.Background()

	val, err := c.GetOrCompute(ctx, "add:1", time.Minute, constant("3"))
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), val)

	val, err = c.GetOrCompute(ctx, "add:1", time.Minute, constant("other"))
	require.NoError(t, err)
	assert.Equal(t, []byte("3"), val)

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	deleted, err := c.Invalidate(ctx, "add:")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestRedis_InvalidateKeepsLocks(t *testing.T) {
	c := newTestRedis(t)
	ctx := context.Background()

	_, err := c.GetOrCompute(ctx, "add:1", time.Minute, constant("3"))
	require.NoError(t, err)

	lockKey := c.key("add:2") + ":lock"
	require.NoError(t, c.client.Set(ctx, lockKey, "owner", time.Minute).Err())
	t.Cleanup(func() { c.client.Del(context.Background(), lockKey) })

	deleted, err := c.Invalidate(ctx, "add:")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	exists, err := c.client.Exists(ctx, lockKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists, "a compute still holds this lock")
}

func TestWithoutLocks(t *testing.T) {
	keys := []string{"ns:add:1", "ns:add:1:lock", "ns:add:2", "ns:add:3:lock"}
	assert.Equal(t, []string{"ns:add:1", "ns:add:2"}, withoutLocks(keys))
	assert.Empty(t, withoutLocks([]string{"ns:a:lock"}))
	assert.Empty(t, withoutLocks(nil))
}

func TestRedis_GetOrCompute_ConcurrentSameKey(t *testing.T) {
	c := newTestRedis(t)
	ctx := context.Background()

	var computeCount int32
	fn := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&computeCount, 1)
		time.Sleep(50 * time.Millisecond)
		return []byte("v"), nil
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := c.GetOrCompute(ctx, "slow", time.Minute, fn)
			assert.NoError(t, err)
			assert.Equal(t, []byte("v"), val)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), computeCount)
}
