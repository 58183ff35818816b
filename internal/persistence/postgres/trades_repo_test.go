package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtflow/mtflow/internal/domain"
)

func TestTradesRepo_MarkClosed_DirectionAwarePnl(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &tradesRepo{db: db, timeout: time.Second}

	exitedAt := time.Date(2026, 8, 20, 15, 30, 0, 0, time.UTC)

	// Realized P&L and log return flip sign with direction: shorts book
	// entry minus exit, longs exit minus entry. The statement must branch
	// on the stored direction, not assume a long.
	mock.ExpectExec(`realized_pnl = CASE WHEN direction IN \('SHORT', 'SELL'\)`).
		WithArgs("trade-1", "97.5", domain.ExitReasonStopHit, exitedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkClosed(context.Background(), "trade-1", decimal.RequireFromString("97.50"), domain.ExitReasonStopHit, exitedAt)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTradesRepo_MarkClosed_NotExiting(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &tradesRepo{db: db, timeout: time.Second}

	mock.ExpectExec(`UPDATE trades`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkClosed(context.Background(), "trade-1", decimal.RequireFromString("97.50"), domain.ExitReasonManual, time.Now())
	assert.ErrorIs(t, err, domain.ErrStateConflict)
}
