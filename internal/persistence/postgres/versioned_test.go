package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtflow/mtflow/internal/domain"
)

func TestSoftDeleteCurrent_ConsumesVersion(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version FROM user_brokers").
		WithArgs("ub-1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(3))
	mock.ExpectExec("UPDATE user_brokers SET deleted_at").
		WithArgs("ub-1", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var consumed int
	err := inTx(context.Background(), db, func(tx *sqlx.Tx) error {
		v, err := softDeleteCurrent(context.Background(), tx, "user_brokers", "user_broker_id", "ub-1")
		consumed = v
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, consumed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteCurrent_NoCurrentRow(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version FROM signals").
		WithArgs("sig-1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectRollback()

	err := inTx(context.Background(), db, func(tx *sqlx.Tx) error {
		_, err := softDeleteCurrent(context.Background(), tx, "signals", "signal_id", "sig-1")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteCurrent_ConcurrentWriterWins(t *testing.T) {
	db, mock := newMockDB(t)

	// Version read as 2, but another writer soft-deleted that row between the
	// read and the guarded update.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version FROM signals").
		WithArgs("sig-1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))
	mock.ExpectExec("UPDATE signals SET deleted_at").
		WithArgs("sig-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := inTx(context.Background(), db, func(tx *sqlx.Tx) error {
		_, err := softDeleteCurrent(context.Background(), tx, "signals", "signal_id", "sig-1")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}
