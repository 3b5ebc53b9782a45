package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/advisor/internal/circuitbreaker"
	"github.com/Kocoro-lab/advisor/internal/vectordb"
)

// slowThreshold marks a responding dependency as degraded
const slowThreshold = 100 * time.Millisecond

// RedisHealthChecker checks Redis connectivity
type RedisHealthChecker struct {
	wrapper *circuitbreaker.RedisWrapper
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker
func NewRedisHealthChecker(wrapper *circuitbreaker.RedisWrapper, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{wrapper: wrapper, logger: logger, timeout: 5 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false } // sessions degrade, advising still works
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if r.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{Status: StatusUnhealthy, Error: "circuit breaker open", Message: "Redis circuit breaker is open"}
	}

	err := r.wrapper.Ping(ctx).Err()
	return latencyResult("Redis", err, time.Since(start))
}

// DatabaseHealthChecker checks the warehouse connection
type DatabaseHealthChecker struct {
	wrapper *circuitbreaker.DatabaseWrapper
	logger  *zap.Logger
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(wrapper *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{wrapper: wrapper, logger: logger, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if d.wrapper.IsCircuitBreakerOpen() {
		return CheckResult{Status: StatusUnhealthy, Error: "circuit breaker open", Message: "Database circuit breaker is open"}
	}

	err := d.wrapper.PingContext(ctx)
	result := latencyResult("Database", err, time.Since(start))
	if err != nil {
		return result
	}

	stats := d.wrapper.GetDB().Stats()
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	}
	result.Details["driver"] = d.wrapper.DriverName()
	result.Details["open_connections"] = stats.OpenConnections
	result.Details["max_open_connections"] = stats.MaxOpenConnections
	result.Details["in_use_connections"] = stats.InUse
	return result
}

// QdrantHealthChecker checks that the document collection exists
type QdrantHealthChecker struct {
	client  *vectordb.Client
	logger  *zap.Logger
	timeout time.Duration
}

// NewQdrantHealthChecker creates a vector store health checker
func NewQdrantHealthChecker(client *vectordb.Client, logger *zap.Logger) *QdrantHealthChecker {
	return &QdrantHealthChecker{client: client, logger: logger, timeout: 5 * time.Second}
}

func (q *QdrantHealthChecker) Name() string           { return "qdrant" }
func (q *QdrantHealthChecker) IsCritical() bool       { return false } // the web source covers for it
func (q *QdrantHealthChecker) Timeout() time.Duration { return q.timeout }

func (q *QdrantHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	collection := q.client.GetConfig().Collection
	info, err := q.client.CollectionInfo(ctx, collection)
	result := latencyResult("Qdrant", err, time.Since(start))
	result.Details["collection"] = collection
	if err == nil {
		result.Details["points"] = info.PointsCount
		result.Details["vector_size"] = info.VectorSize
		if info.Status != "" && info.Status != "green" {
			result.Status = StatusDegraded
			result.Message = "Qdrant collection status " + info.Status
		}
	}
	return result
}

// Pinger is implemented by HTTP dependencies with a health endpoint
type Pinger interface {
	Health(ctx context.Context) error
}

// LLMServiceHealthChecker checks the LLM service HTTP endpoint
type LLMServiceHealthChecker struct {
	client  Pinger
	logger  *zap.Logger
	timeout time.Duration
}

// NewLLMServiceHealthChecker creates an LLM service health checker
func NewLLMServiceHealthChecker(client Pinger, logger *zap.Logger) *LLMServiceHealthChecker {
	return &LLMServiceHealthChecker{client: client, logger: logger, timeout: 5 * time.Second}
}

func (l *LLMServiceHealthChecker) Name() string { return "llm_service" }

// IsCritical is true: without the model the safety gate blocks every query
func (l *LLMServiceHealthChecker) IsCritical() bool       { return true }
func (l *LLMServiceHealthChecker) Timeout() time.Duration { return l.timeout }

func (l *LLMServiceHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := l.client.Health(ctx)
	return latencyResult("LLM service", err, time.Since(start))
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}

func latencyResult(component string, err error, elapsed time.Duration) CheckResult {
	result := CheckResult{Details: map[string]interface{}{"latency_ms": elapsed.Milliseconds()}}
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = component + " check failed"
	case elapsed > slowThreshold:
		result.Status = StatusDegraded
		result.Message = component + " responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = component + " healthy"
	}
	return result
}
