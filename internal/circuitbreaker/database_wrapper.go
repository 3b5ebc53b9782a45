package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps a read-mostly sqlx database with a circuit breaker.
// sql.ErrNoRows is an answer, not a failure.
type DatabaseWrapper struct {
	db      *sqlx.DB
	cb      *CircuitBreaker
	name    string
	service string
	logger  *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := "warehouse-" + db.DriverName()
	cb := NewCircuitBreaker(name, GetDatabaseConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, "warehouse", cb)

	return &DatabaseWrapper{
		db:      db,
		cb:      cb,
		name:    name,
		service: "warehouse",
		logger:  logger,
	}
}

func (dw *DatabaseWrapper) execute(ctx context.Context, fn func() error) error {
	var callErr error
	cbErr := dw.cb.Execute(ctx, func() error {
		callErr = fn()
		if errors.Is(callErr, sql.ErrNoRows) {
			return nil
		}
		return callErr
	})

	GlobalMetricsCollector.RecordRequest(dw.name, dw.service, dw.cb.State(), cbErr == nil)

	if cbErr != nil {
		return cbErr
	}
	return callErr
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.execute(ctx, func() error {
		return dw.db.PingContext(ctx)
	})
}

// SelectContext scans all rows of query into dest
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.execute(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, query, args...)
	})
}

// GetContext scans a single row into dest. Returns sql.ErrNoRows when nothing matched.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.execute(ctx, func() error {
		return dw.db.GetContext(ctx, dest, query, args...)
	})
}

// QueryMaps runs query and returns each row as a column->value map
func (dw *DatabaseWrapper) QueryMaps(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	err := dw.execute(ctx, func() error {
		rows, err := dw.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			row := make(map[string]interface{})
			if err := rows.MapScan(row); err != nil {
				return err
			}
			for k, v := range row {
				if b, ok := v.([]byte); ok {
					row[k] = string(b)
				}
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	return out, err
}

// ExecContext wraps database exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := dw.execute(ctx, func() error {
		var err error
		result, err = dw.db.ExecContext(ctx, query, args...)
		return err
	})
	return result, err
}

// Rebind converts ? placeholders to the driver's bindvar style
func (dw *DatabaseWrapper) Rebind(query string) string {
	return dw.db.Rebind(query)
}

// DriverName returns the underlying driver name
func (dw *DatabaseWrapper) DriverName() string {
	return dw.db.DriverName()
}

// SetPool applies connection pool limits
func (dw *DatabaseWrapper) SetPool(maxOpen, maxIdle int, maxLifetime time.Duration) {
	dw.db.SetMaxOpenConns(maxOpen)
	dw.db.SetMaxIdleConns(maxIdle)
	dw.db.SetConnMaxLifetime(maxLifetime)
}

// Close closes the database
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// GetDB returns the underlying database
func (dw *DatabaseWrapper) GetDB() *sqlx.DB {
	return dw.db
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
