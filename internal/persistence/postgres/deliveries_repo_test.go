package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtflow/mtflow/internal/domain"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "sqlmock"), mock
}

func TestDeliveriesRepo_Consume_Winner(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &deliveriesRepo{db: db, timeout: time.Second}

	mock.ExpectExec("UPDATE signal_deliveries").
		WithArgs("del-1", "intent-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Consume(context.Background(), "del-1", "intent-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveriesRepo_Consume_AlreadySpent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &deliveriesRepo{db: db, timeout: time.Second}

	// The CAS predicate matched nothing: the delivery was already consumed,
	// cancelled or expired. The loser sees false, not an error.
	mock.ExpectExec("UPDATE signal_deliveries").
		WithArgs("del-1", "intent-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Consume(context.Background(), "del-1", "intent-2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveriesRepo_RejectByUser_Conflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &deliveriesRepo{db: db, timeout: time.Second}

	mock.ExpectExec("UPDATE signal_deliveries").
		WithArgs("del-1", "not interested").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.RejectByUser(context.Background(), "del-1", "not interested")
	assert.ErrorIs(t, err, domain.ErrStateConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveriesRepo_MarkDelivered(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &deliveriesRepo{db: db, timeout: time.Second}

	mock.ExpectExec("UPDATE signal_deliveries").
		WithArgs("del-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkDelivered(context.Background(), "del-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveriesRepo_CascadeCountsRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &deliveriesRepo{db: db, timeout: time.Second}

	mock.ExpectExec("UPDATE signal_deliveries").
		WithArgs("sig-1", domain.DeliveryExpired).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.ExpireAllForSignal(context.Background(), "sig-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
