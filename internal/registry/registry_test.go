package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/advisor/internal/config"
	"github.com/Kocoro-lab/advisor/internal/session"
	"github.com/Kocoro-lab/advisor/internal/sources"
	"github.com/Kocoro-lab/advisor/internal/state"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile("")
	require.NoError(t, err)
	cfg.LLM.URL = "http://127.0.0.1:1"
	cfg.Warehouse.Driver = "sqlite3"
	cfg.Warehouse.Path = ":memory:"
	cfg.Qdrant.Enabled = false
	cfg.Safety.PolicyDir = t.TempDir()
	return cfg
}

func TestBuildWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()

	r, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Validate())
	_, isRedis := r.Sessions.(*session.Manager)
	assert.True(t, isRedis)
	assert.Equal(t, []string{"database", "llm_service", "redis"}, r.Health.Names())
	assert.Equal(t, state.SourceSemantic, r.Semantic.ID())
	assert.Equal(t, state.StatusEmpty, r.Semantic.Fetch(context.Background(), "q", state.Entities{}).Status)
	assert.Equal(t, cfg.Redis.MaxHistory, r.HistoryWindow)
}

func TestBuildFallsBackToMemorySessions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Addr = "127.0.0.1:1"

	r, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()

	_, isMemory := r.Sessions.(*session.MemoryStore)
	assert.True(t, isMemory)
	assert.NotContains(t, r.Health.Names(), "redis")
}

func TestBuildRejectsBadWarehouse(t *testing.T) {
	cfg := testConfig(t)
	cfg.Warehouse.Driver = "snowflake"
	_, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "warehouse")
}

func TestValidate(t *testing.T) {
	r := &ServiceRegistry{}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "safety")
	assert.Contains(t, err.Error(), "web source")
}

func TestValidateChecksSourceIDs(t *testing.T) {
	empty := func(id state.SourceID) sources.Source {
		return sources.Func{SourceID: id, Fn: func(context.Context, string, state.Entities) state.SourceResult { return state.Empty() }}
	}
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()
	r, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()

	r.Web = empty(state.SourceStructured)
	assert.ErrorContains(t, r.Validate(), "WEB source reports id STRUCTURED")
}

func TestCloseRunsInReverseOrder(t *testing.T) {
	r := &ServiceRegistry{}
	var order []int
	r.OnClose(func() error { order = append(order, 1); return nil })
	r.OnClose(func() error { order = append(order, 2); return errors.New("boom") })
	r.OnClose(func() error { order = append(order, 3); return nil })

	assert.ErrorContains(t, r.Close(), "boom")
	assert.Equal(t, []int{3, 2, 1}, order)
	assert.NoError(t, r.Close())
}
