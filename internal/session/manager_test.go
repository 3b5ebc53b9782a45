package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/advisor/internal/circuitbreaker"
	"github.com/Kocoro-lab/advisor/internal/state"
)

// getCounter returns a counter value by metric name; 0 if missing
func getCounter(name string) float64 {
	mfs, _ := prometheus.DefaultGatherer.Gather()
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.Metric {
				if c := m.GetCounter(); c != nil {
					return c.GetValue()
				}
			}
		}
	}
	return 0
}

func newRedisManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t)
	client := circuitbreaker.NewRedisWrapper(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logger)
	m := NewManagerWithClient(client, time.Hour, logger)
	t.Cleanup(func() { _ = m.Close() })
	return m, mr
}

func stores(t *testing.T) map[string]Store {
	m, _ := newRedisManager(t)
	return map[string]Store{"redis": m, "memory": NewMemoryStore(time.Hour)}
}

func TestHistoryIsAppendOnly(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, err := store.Create(ctx)
			require.NoError(t, err)
			require.NotEmpty(t, s.ID)

			for i := 0; i < 3; i++ {
				require.NoError(t, store.Append(ctx, s.ID, state.Turn{
					Prompt:   fmt.Sprintf("q%d", i),
					Response: fmt.Sprintf("a%d", i),
				}))
			}

			turns, err := store.History(ctx, s.ID)
			require.NoError(t, err)
			require.Len(t, turns, 3)
			for i, turn := range turns {
				assert.Equal(t, fmt.Sprintf("q%d", i), turn.Prompt)
				assert.False(t, turn.Timestamp.IsZero())
			}

			recent, err := store.Recent(ctx, s.ID, 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"q1", "q2"}, []string{recent[0].Prompt, recent[1].Prompt})

			none, err := store.Recent(ctx, s.ID, 0)
			require.NoError(t, err)
			assert.Empty(t, none)

			got, err := store.Get(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, 3, got.Turns)
		})
	}
}

func TestUnknownSession(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Get(ctx, "missing")
			assert.True(t, errors.Is(err, ErrSessionNotFound))

			err = store.Append(ctx, "missing", state.Turn{Prompt: "x"})
			assert.True(t, errors.Is(err, ErrSessionNotFound))

			_, err = store.History(ctx, "missing")
			assert.True(t, errors.Is(err, ErrSessionNotFound))
		})
	}
}

func TestRedisLayout(t *testing.T) {
	m, mr := newRedisManager(t)
	ctx := context.Background()

	s, err := m.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Append(ctx, s.ID, state.Turn{Prompt: "p", Response: "r"}))

	assert.True(t, mr.Exists("session:"+s.ID))
	items, err := mr.List("session:" + s.ID + ":history")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0], `"prompt":"p"`)
	assert.Greater(t, mr.TTL("session:"+s.ID+":history"), time.Duration(0))
}

func TestSessionSurvivesCacheLoss(t *testing.T) {
	m, _ := newRedisManager(t)
	ctx := context.Background()
	s, err := m.Create(ctx)
	require.NoError(t, err)

	m.evict(s.ID)
	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
}

func TestExpiredSession(t *testing.T) {
	m, mr := newRedisManager(t)
	ctx := context.Background()
	s, err := m.Create(ctx)
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)
	m.evict(s.ID)
	_, err = m.Get(ctx, s.ID)
	assert.Error(t, err)
}

func TestSessionCacheEvictionIncrementsCounter(t *testing.T) {
	m, _ := newRedisManager(t)

	m.mu.Lock()
	m.maxSessions = 2
	m.mu.Unlock()

	before := getCounter("advisor_session_cache_evictions_total")
	for i := 0; i < 4; i++ {
		_, err := m.Create(context.Background())
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	after := getCounter("advisor_session_cache_evictions_total")
	assert.Greater(t, after, before)

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.LessOrEqual(t, len(m.localCache), 2)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore(time.Millisecond)
	s, err := store.Create(context.Background())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = store.Get(context.Background(), s.ID)
	assert.True(t, errors.Is(err, ErrSessionExpired))
}

func TestCorruptSessionIsInvalid(t *testing.T) {
	m, mr := newRedisManager(t)
	require.NoError(t, mr.Set("session:broken", "{not json"))

	_, err := m.Get(context.Background(), "broken")
	assert.ErrorIs(t, err, ErrInvalidSession)
}
