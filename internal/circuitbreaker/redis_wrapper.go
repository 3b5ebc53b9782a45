package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper wraps a Redis client with a circuit breaker.
// redis.Nil is a normal miss and never counts as a failure.
type RedisWrapper struct {
	client  *redis.Client
	cb      *CircuitBreaker
	name    string
	service string
}

// NewRedisWrapper creates a Redis wrapper with circuit breaker
func NewRedisWrapper(client *redis.Client, logger *zap.Logger) *RedisWrapper {
	cb := NewCircuitBreaker("redis", GetRedisConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("redis", "session-store", cb)

	return &RedisWrapper{
		client:  client,
		cb:      cb,
		name:    "redis",
		service: "session-store",
	}
}

// execRedis runs call through the breaker. When the breaker rejects the call,
// failed builds a command carrying the rejection error.
func execRedis[T redis.Cmder](rw *RedisWrapper, ctx context.Context, call func() T, failed func(error) T) T {
	var result T
	called := false
	err := rw.cb.Execute(ctx, func() error {
		called = true
		result = call()
		if errors.Is(result.Err(), redis.Nil) {
			return nil
		}
		return result.Err()
	})

	GlobalMetricsCollector.RecordRequest(rw.name, rw.service, rw.cb.State(), err == nil)

	if !called {
		return failed(err)
	}
	return result
}

// Ping wraps Redis Ping with circuit breaker
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	return execRedis(rw, ctx,
		func() *redis.StatusCmd { return rw.client.Ping(ctx) },
		func(err error) *redis.StatusCmd { c := redis.NewStatusCmd(ctx); c.SetErr(err); return c })
}

// Get wraps Redis Get with circuit breaker
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	return execRedis(rw, ctx,
		func() *redis.StringCmd { return rw.client.Get(ctx, key) },
		func(err error) *redis.StringCmd { c := redis.NewStringCmd(ctx); c.SetErr(err); return c })
}

// Set wraps Redis Set with circuit breaker
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	return execRedis(rw, ctx,
		func() *redis.StatusCmd { return rw.client.Set(ctx, key, value, expiration) },
		func(err error) *redis.StatusCmd { c := redis.NewStatusCmd(ctx); c.SetErr(err); return c })
}

// Del wraps Redis Del with circuit breaker
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	return execRedis(rw, ctx,
		func() *redis.IntCmd { return rw.client.Del(ctx, keys...) },
		func(err error) *redis.IntCmd { c := redis.NewIntCmd(ctx); c.SetErr(err); return c })
}

// Exists wraps Redis Exists with circuit breaker
func (rw *RedisWrapper) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	return execRedis(rw, ctx,
		func() *redis.IntCmd { return rw.client.Exists(ctx, keys...) },
		func(err error) *redis.IntCmd { c := redis.NewIntCmd(ctx); c.SetErr(err); return c })
}

// RPush appends values to a list
func (rw *RedisWrapper) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	return execRedis(rw, ctx,
		func() *redis.IntCmd { return rw.client.RPush(ctx, key, values...) },
		func(err error) *redis.IntCmd { c := redis.NewIntCmd(ctx); c.SetErr(err); return c })
}

// LRange reads a slice of a list
func (rw *RedisWrapper) LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	return execRedis(rw, ctx,
		func() *redis.StringSliceCmd { return rw.client.LRange(ctx, key, start, stop) },
		func(err error) *redis.StringSliceCmd { c := redis.NewStringSliceCmd(ctx); c.SetErr(err); return c })
}

// LLen returns the length of a list
func (rw *RedisWrapper) LLen(ctx context.Context, key string) *redis.IntCmd {
	return execRedis(rw, ctx,
		func() *redis.IntCmd { return rw.client.LLen(ctx, key) },
		func(err error) *redis.IntCmd { c := redis.NewIntCmd(ctx); c.SetErr(err); return c })
}

// Expire refreshes a key's TTL
func (rw *RedisWrapper) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	return execRedis(rw, ctx,
		func() *redis.BoolCmd { return rw.client.Expire(ctx, key, ttl) },
		func(err error) *redis.BoolCmd { c := redis.NewBoolCmd(ctx); c.SetErr(err); return c })
}

// Close wraps Redis Close
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// GetClient returns the underlying Redis client for operations not covered by wrapper
func (rw *RedisWrapper) GetClient() *redis.Client {
	return rw.client
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (rw *RedisWrapper) IsCircuitBreakerOpen() bool {
	return rw.cb.State() == StateOpen
}
