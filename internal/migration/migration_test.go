package migration

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *sqlx.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, sqlx.NewDb(db, "postgres")
}

func TestRunCreatesSchemaInOrder(t *testing.T) {
	mock, db := setupMockDB(t)

	for _, table := range Tables {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	for i := 0; i < 6; i++ {
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, NewRunner().Run(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStopsOnFirstFailure(t *testing.T) {
	mock, db := setupMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS variants").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS variant_performance").WillReturnError(fmt.Errorf("permission denied"))

	err := NewRunner().Run(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "variant_performance")
	assert.Contains(t, err.Error(), "permission denied")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetDropsInReverseOrder(t *testing.T) {
	mock, db := setupMockDB(t)

	for i := len(Tables) - 1; i >= 0; i-- {
		mock.ExpectExec("DROP TABLE IF EXISTS " + Tables[i] + " CASCADE").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, NewRunner().Reset(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, "1.0.0", NewRunner().Version())
}
