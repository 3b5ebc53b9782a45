package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/advisor/internal/circuitbreaker"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Health(ctx context.Context) error { return f(ctx) }

func staticChecker(name string, critical bool, status CheckStatus) Checker {
	return NewCustomHealthChecker(name, critical, time.Second, func(context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name      string
		checkers  []Checker
		status    CheckStatus
		ready     bool
		wantCount int
	}{
		{"none registered", nil, StatusUnknown, false, 0},
		{"all healthy", []Checker{staticChecker("a", true, StatusHealthy), staticChecker("b", false, StatusHealthy)}, StatusHealthy, true, 2},
		{"non-critical failure degrades", []Checker{staticChecker("a", true, StatusHealthy), staticChecker("b", false, StatusUnhealthy)}, StatusDegraded, true, 2},
		{"critical failure is not ready", []Checker{staticChecker("a", true, StatusUnhealthy), staticChecker("b", false, StatusHealthy)}, StatusUnhealthy, false, 2},
		{"degraded component", []Checker{staticChecker("a", true, StatusDegraded)}, StatusDegraded, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(zaptest.NewLogger(t))
			for _, c := range tt.checkers {
				require.NoError(t, m.RegisterChecker(c))
			}
			detailed := m.GetDetailedHealth(context.Background())
			assert.Equal(t, tt.status, detailed.Overall.Status)
			assert.Equal(t, tt.ready, detailed.Overall.Ready)
			assert.True(t, detailed.Overall.Live)
			assert.Equal(t, tt.wantCount, detailed.Summary.Total)
		})
	}
}

func TestRegisterCheckerRejectsDuplicates(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.RegisterChecker(staticChecker("redis", false, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(staticChecker("redis", false, StatusHealthy)))
	assert.Error(t, m.RegisterChecker(staticChecker("", false, StatusHealthy)))
	assert.Equal(t, []string{"redis"}, m.Names())
}

func TestCheckTimeoutIsApplied(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.RegisterChecker(NewCustomHealthChecker("slow", true, 20*time.Millisecond, func(ctx context.Context) CheckResult {
		<-ctx.Done()
		return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
	})))

	start := time.Now()
	detailed := m.GetDetailedHealth(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnhealthy, detailed.Components["slow"].Status)
	assert.False(t, detailed.Overall.Ready)
}

func TestRedisHealthChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	wrapper := circuitbreaker.NewRedisWrapper(client, zaptest.NewLogger(t))
	defer wrapper.Close()

	checker := NewRedisHealthChecker(wrapper, zaptest.NewLogger(t))
	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.False(t, checker.IsCritical())

	mr.Close()
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestDatabaseHealthChecker(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	wrapper := circuitbreaker.NewDatabaseWrapper(sqlx.NewDb(db, "postgres"), zaptest.NewLogger(t))
	checker := NewDatabaseHealthChecker(wrapper, zaptest.NewLogger(t))

	mock.ExpectPing()
	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, "postgres", result.Details["driver"])

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Error, "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLLMServiceHealthChecker(t *testing.T) {
	ok := NewLLMServiceHealthChecker(pingerFunc(func(context.Context) error { return nil }), nil)
	assert.Equal(t, StatusHealthy, ok.Check(context.Background()).Status)
	assert.True(t, ok.IsCritical())

	down := NewLLMServiceHealthChecker(pingerFunc(func(context.Context) error { return errors.New("HTTP 503") }), nil)
	result := down.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "HTTP 503", result.Error)
}

func TestHTTPHandler(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(staticChecker("database", true, StatusUnhealthy)))
	require.NoError(t, m.RegisterChecker(staticChecker("redis", false, StatusHealthy)))

	mr := miniredis.RunT(t)
	rw := circuitbreaker.NewRedisWrapper(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zaptest.NewLogger(t))
	defer rw.Close()

	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	get := func(path string) (int, map[string]interface{}) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := get("/health/live")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])

	code, body = get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, body["ready"])

	code, body = get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])

	code, body = get("/health/detailed?cached=true")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	components := body["components"].(map[string]interface{})
	assert.Len(t, components, 2)
	assert.Equal(t, "healthy", components["redis"].(map[string]interface{})["status"])
	breakers := body["breakers"].(map[string]interface{})
	assert.Equal(t, "closed", breakers["session-store:redis"])
}
