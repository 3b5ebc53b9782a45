package structured

import (
	"context"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/advisor/internal/circuitbreaker"
	"go.uber.org/zap"
)

// Row is one warehouse record keyed by column name
type Row map[string]interface{}

// Warehouse runs translated queries
type Warehouse interface {
	Query(ctx context.Context, q Query) ([]Row, error)
}

// SQLWarehouse executes queries over a circuit-broken sqlx database
type SQLWarehouse struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
}

// NewSQLWarehouse creates a warehouse over db
func NewSQLWarehouse(db *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *SQLWarehouse {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLWarehouse{db: db, logger: logger.With(zap.String("component", "warehouse"))}
}

// Query renders q for the driver's dialect and returns the matching rows
func (w *SQLWarehouse) Query(ctx context.Context, q Query) ([]Row, error) {
	sql := w.dialect(q.SQL())
	w.logger.Debug("Running warehouse query", zap.String("sql", sql), zap.Int("args", len(q.Args)))

	maps, err := w.db.QueryMaps(ctx, sql, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("warehouse query: %w", err)
	}
	rows := make([]Row, len(maps))
	for i, m := range maps {
		rows[i] = Row(m)
	}
	return rows, nil
}

// dialect rewrites ILIKE where the driver lacks it and rebinds placeholders
func (w *SQLWarehouse) dialect(sql string) string {
	if w.db.DriverName() != "postgres" {
		// sqlite LIKE is already case-insensitive for ASCII
		sql = strings.ReplaceAll(sql, " ILIKE ", " LIKE ")
	}
	return w.db.Rebind(sql)
}
