package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// TestLoadConfig tests loading from file, defaults and environment
func TestLoadConfig(t *testing.T) {
	t.Run("Missing file uses defaults", func(t *testing.T) {
		cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.Safety.HistoryWindow)
		assert.Equal(t, 30, cfg.LLM.TimeoutSeconds)
		assert.Equal(t, 5, cfg.Qdrant.TopKRecommend)
		assert.Equal(t, 8, cfg.Qdrant.TopKCompare)
		assert.Equal(t, "postgres", cfg.Warehouse.Driver)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("File values override defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "advisor.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
safety:
  history_window: 3
warehouse:
  driver: sqlite3
  path: /tmp/colleges.db
search:
  rps: 1.5
`), 0o644))

		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Safety.HistoryWindow)
		assert.Equal(t, "/tmp/colleges.db", cfg.Warehouse.DSN())
		assert.Equal(t, 1.5, cfg.Search.RPS)
		// untouched keys keep defaults
		assert.Equal(t, "http://llm-service:8000", cfg.LLM.URL)
	})

	t.Run("Broken file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "advisor.yaml")
		require.NoError(t, os.WriteFile(path, []byte("safety: [unterminated"), 0o644))
		_, err := LoadFile(path)
		assert.Error(t, err)
	})

	t.Run("Environment variable override", func(t *testing.T) {
		t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
		t.Setenv("LLM_SERVICE_URL", "http://llm.test:9000")
		t.Setenv("SAFETY_HISTORY_WINDOW", "4")
		t.Setenv("POSTGRES_HOST", "testhost")
		t.Setenv("POSTGRES_PORT", "54321")
		t.Setenv("REDIS_ADDR", "redis-test:6380")

		cfg, err := FromEnvOrDefaults()
		require.NoError(t, err)
		assert.Equal(t, "http://llm.test:9000", cfg.LLM.URL)
		assert.Equal(t, 4, cfg.Safety.HistoryWindow)
		assert.Equal(t, "testhost", cfg.Warehouse.Host)
		assert.Equal(t, 54321, cfg.Warehouse.Port)
		assert.Equal(t, "redis-test:6380", cfg.Redis.Addr)
	})

	t.Run("Auth and CORS overrides", func(t *testing.T) {
		t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
		t.Setenv("ADVISOR_SKIP_AUTH", "true")
		t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.edu, ,https://b.example.edu")

		cfg, err := FromEnvOrDefaults()
		require.NoError(t, err)
		assert.True(t, cfg.Auth.SkipAuth)
		assert.Equal(t, 60, cfg.Auth.TokenTTLMinutes)
		assert.Equal(t, []string{"https://a.example.edu", "https://b.example.edu"}, cfg.Server.AllowedOrigins)
	})
}

func TestConfigValidation(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Warehouse.Driver = "oracle"
	assert.ErrorContains(t, bad.Validate(), "unsupported warehouse.driver")

	bad = *cfg
	bad.Safety.HistoryWindow = -1
	assert.ErrorContains(t, bad.Validate(), "history_window")

	bad = *cfg
	bad.Auth.Enabled = true
	assert.ErrorContains(t, bad.Validate(), "auth enabled")
}

func TestSourceTimeoutCoversLLMRetry(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	// derived by default: 10s search plus two 30s LLM attempts
	assert.Equal(t, 70*time.Second, cfg.SourceTimeout())
	assert.Equal(t, cfg.MinSourceTimeout(), cfg.SourceTimeout())
	require.NoError(t, cfg.Validate())

	bad := *cfg
	bad.Workflow.SourceTimeoutSeconds = bad.LLM.TimeoutSeconds
	assert.ErrorContains(t, bad.Validate(), "two LLM attempts")

	ok := *cfg
	ok.Workflow.SourceTimeoutSeconds = 80
	assert.NoError(t, ok.Validate())
	assert.Equal(t, 80*time.Second, ok.SourceTimeout())

	bad = *cfg
	bad.LLM.TimeoutSeconds = 60
	bad.Workflow.RequestTimeoutSeconds = 90
	assert.ErrorContains(t, bad.Validate(), "must exceed the source timeout")

	bad = *cfg
	bad.LLM.TimeoutSeconds = 0
	assert.ErrorContains(t, bad.Validate(), "llm.timeout_seconds")
}

func TestWarehouseDSN(t *testing.T) {
	w := WarehouseConfig{Driver: "postgres", Host: "localhost", Port: 5432, User: "u", Password: "p", Database: "colleges", SSLMode: "disable"}
	dsn := w.DSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "port=5432")
	assert.Contains(t, dsn, "dbname=colleges")
}

func TestMetricsPort(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 2112, cfg.MetricsPort(2112))
	cfg.Observability.Metrics.Port = 9100
	assert.Equal(t, 9100, cfg.MetricsPort(2112))
	t.Setenv("METRICS_PORT", "9200")
	assert.Equal(t, 9200, cfg.MetricsPort(2112))
}

type recorder struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (r *recorder) handle(e ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) last() ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func TestConfigManagerInitialLoadAndReload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "aliases.yaml"), []byte("aliases:\n  mit: Massachusetts Institute of Technology\n"), 0o644))

	cm, err := NewConfigManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	rec := &recorder{}
	cm.RegisterHandler("aliases.yaml", rec.handle)
	require.NoError(t, cm.Start(context.Background()))
	defer cm.Stop()

	require.Equal(t, 1, rec.count())
	first := rec.last()
	assert.Equal(t, "initial_load", first.Action)
	var doc struct {
		Aliases map[string]string `yaml:"aliases"`
	}
	require.NoError(t, first.Decode(&doc))
	assert.Equal(t, "Massachusetts Institute of Technology", doc.Aliases["mit"])

	require.NoError(t, os.WriteFile(filepath.Join(dir, "aliases.yaml"), []byte("aliases:\n  cmu: Carnegie Mellon University\n"), 0o644))
	assert.Eventually(t, func() bool {
		var d struct {
			Aliases map[string]string `yaml:"aliases"`
		}
		return rec.count() > 1 && rec.last().Decode(&d) == nil && d.Aliases["cmu"] != ""
	}, 3*time.Second, 20*time.Millisecond)
}

func TestConfigManagerValidatorRejectsReload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "denylist.yaml"), []byte("terms: []\n"), 0o644))

	cm, err := NewConfigManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	rec := &recorder{}
	cm.RegisterHandler("denylist.yaml", rec.handle)
	cm.RegisterValidator("denylist.yaml", func(e ChangeEvent) error {
		var d struct {
			Terms []string `yaml:"terms"`
		}
		if err := e.Decode(&d); err != nil {
			return err
		}
		if len(d.Terms) == 0 {
			return assert.AnError
		}
		return nil
	})

	assert.Error(t, cm.ReloadConfig("denylist.yaml"))
	assert.Equal(t, 0, rec.count())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "denylist.yaml"), []byte("terms: [exploit]\n"), 0o644))
	require.NoError(t, cm.ReloadConfig("denylist.yaml"))
	assert.Equal(t, 1, rec.count())
}

func TestConfigManagerPolicyHandler(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewConfigManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	var mu sync.Mutex
	reloads := 0
	cm.RegisterPolicyHandler(func() error {
		mu.Lock()
		reloads++
		mu.Unlock()
		return nil
	})
	require.NoError(t, cm.Start(context.Background()))
	defer cm.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.rego"), []byte("package advisor.safety\n"), 0o644))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reloads > 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestNewConfigManagerRequiresDir(t *testing.T) {
	_, err := NewConfigManager("", nil)
	assert.Error(t, err)
}
