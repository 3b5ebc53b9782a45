package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMockDB(t *testing.T) (*DatabaseWrapper, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewDatabaseWrapper(sqlx.NewDb(db, "postgres"), zaptest.NewLogger(t)), mock
}

func TestDatabaseWrapper_NormalOperations(t *testing.T) {
	wrapper, mock := newMockDB(t)
	ctx := context.Background()

	mock.ExpectPing()
	require.NoError(t, wrapper.PingContext(ctx))

	mock.ExpectQuery("SELECT (.+) FROM university_list").
		WillReturnRows(sqlmock.NewRows([]string{"college_name", "ranking"}).
			AddRow("Stanford University", 3).
			AddRow([]byte("Yale University"), 5))

	rows, err := wrapper.QueryMaps(ctx, "SELECT college_name, ranking FROM university_list")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Yale University", rows[1]["college_name"])

	assert.Equal(t, "SELECT 1 WHERE a = $1", wrapper.Rebind("SELECT 1 WHERE a = ?"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatabaseWrapper_NoRowsIsNotFailure(t *testing.T) {
	wrapper, mock := newMockDB(t)
	ctx := context.Background()

	threshold := int(GetDatabaseConfig().FailureThreshold)
	for i := 0; i < threshold+1; i++ {
		mock.ExpectQuery("SELECT college_name").WillReturnRows(sqlmock.NewRows([]string{"college_name"}))
		var name string
		err := wrapper.GetContext(ctx, &name, "SELECT college_name FROM university_list LIMIT 1")
		assert.ErrorIs(t, err, sql.ErrNoRows)
	}
	assert.False(t, wrapper.IsCircuitBreakerOpen())
}

func TestDatabaseWrapper_CircuitBreakerTriggering(t *testing.T) {
	wrapper, mock := newMockDB(t)
	ctx := context.Background()

	threshold := int(GetDatabaseConfig().FailureThreshold)
	for i := 0; i < threshold; i++ {
		mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection reset"))
		_, err := wrapper.QueryMaps(ctx, "SELECT 1")
		assert.Error(t, err)
	}
	assert.True(t, wrapper.IsCircuitBreakerOpen())

	_, err := wrapper.QueryMaps(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
}
