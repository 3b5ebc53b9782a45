package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisWrapper) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return s, NewRedisWrapper(client, zaptest.NewLogger(t))
}

func TestRedisWrapper_NormalOperations(t *testing.T) {
	_, wrapper := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, wrapper.Ping(ctx).Err())
	require.NoError(t, wrapper.Set(ctx, "session:abc", "meta", time.Minute).Err())

	got := wrapper.Get(ctx, "session:abc")
	require.NoError(t, got.Err())
	assert.Equal(t, "meta", got.Val())

	// A miss is reported as redis.Nil and leaves the breaker closed
	assert.Equal(t, redis.Nil, wrapper.Get(ctx, "session:missing").Err())
	assert.False(t, wrapper.IsCircuitBreakerOpen())

	n, err := wrapper.Exists(ctx, "session:abc").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	deleted, err := wrapper.Del(ctx, "session:abc").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestRedisWrapper_ListOperations(t *testing.T) {
	s, wrapper := newTestRedis(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, wrapper.RPush(ctx, "history:1", v).Err())
	}
	require.NoError(t, wrapper.Expire(ctx, "history:1", time.Hour).Err())

	length, err := wrapper.LLen(ctx, "history:1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), length)

	tail, err := wrapper.LRange(ctx, "history:1", -2, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, tail)

	assert.True(t, s.TTL("history:1") > 0)
}

func TestRedisWrapper_OpensWhenServerDown(t *testing.T) {
	s, wrapper := newTestRedis(t)
	ctx := context.Background()
	s.Close()

	threshold := int(GetRedisConfig().FailureThreshold)
	for i := 0; i < threshold; i++ {
		assert.Error(t, wrapper.Get(ctx, "k").Err())
	}
	assert.True(t, wrapper.IsCircuitBreakerOpen())

	err := wrapper.RPush(ctx, "history:1", "x").Err()
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}
