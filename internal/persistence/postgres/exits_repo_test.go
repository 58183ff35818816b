package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtflow/mtflow/internal/domain"
)

func TestExitsRepo_GenerateEpisode_FirstOccurrence(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &exitsRepo{db: db, timeout: time.Second}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT trade_id FROM trades").
		WithArgs("trade-1").
		WillReturnRows(sqlmock.NewRows([]string{"trade_id"}).AddRow("trade-1"))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(episode_id\), 0\) \+ 1`).
		WithArgs("trade-1", domain.ExitReasonStopHit).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(1))
	mock.ExpectCommit()

	episode, err := repo.GenerateEpisode(context.Background(), "trade-1", domain.ExitReasonStopHit)
	require.NoError(t, err)
	assert.Equal(t, 1, episode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExitsRepo_GenerateEpisode_Increments(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &exitsRepo{db: db, timeout: time.Second}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT trade_id FROM trades").
		WithArgs("trade-1").
		WillReturnRows(sqlmock.NewRows([]string{"trade_id"}).AddRow("trade-1"))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(episode_id\), 0\) \+ 1`).
		WithArgs("trade-1", domain.ExitReasonTrailingStop).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(3))
	mock.ExpectCommit()

	episode, err := repo.GenerateEpisode(context.Background(), "trade-1", domain.ExitReasonTrailingStop)
	require.NoError(t, err)
	assert.Equal(t, 3, episode)
}

func TestExitsRepo_GenerateEpisode_TradeMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &exitsRepo{db: db, timeout: time.Second}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT trade_id FROM trades").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"trade_id"}))
	mock.ExpectRollback()

	_, err := repo.GenerateEpisode(context.Background(), "ghost", domain.ExitReasonManual)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExitsRepo_PlaceOrder_ApprovedIntent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &exitsRepo{db: db, timeout: time.Second}

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE exit_intents").
		WithArgs("ei-1", "ORD-42").
		WillReturnRows(sqlmock.NewRows([]string{"trade_id"}).AddRow("trade-1"))
	mock.ExpectExec("UPDATE trades").
		WithArgs("trade-1", "ORD-42").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	placed, err := repo.PlaceOrder(context.Background(), "ei-1", "ORD-42")
	require.NoError(t, err)
	assert.True(t, placed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExitsRepo_PlaceOrder_NotApproved(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &exitsRepo{db: db, timeout: time.Second}

	// Intent already PLACED, FILLED or CANCELLED: the conditional UPDATE
	// matches nothing and the trade is left alone.
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE exit_intents").
		WithArgs("ei-1", "ORD-43").
		WillReturnRows(sqlmock.NewRows([]string{"trade_id"}))
	mock.ExpectCommit()

	placed, err := repo.PlaceOrder(context.Background(), "ei-1", "ORD-43")
	require.NoError(t, err)
	assert.False(t, placed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExitsRepo_ListStuckIntents_IncludesFailed(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &exitsRepo{db: db, timeout: time.Second}

	// FAILED placements are stuck too: the sweep must surface them so the
	// retry path can reopen them.
	mock.ExpectQuery(`status IN \('PENDING', 'APPROVED', 'PLACED', 'FAILED'\)`).
		WithArgs("10m0s", 50).
		WillReturnRows(sqlmock.NewRows([]string{"exit_intent_id"}))

	_, err := repo.ListStuckIntents(context.Background(), 10*time.Minute, 50)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExitsRepo_ReopenFailed(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &exitsRepo{db: db, timeout: time.Second}

	mock.ExpectExec(`SET status = 'APPROVED', error_code = NULL`).
		WithArgs("ei-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.ReopenFailed(context.Background(), "ei-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExitsRepo_ReopenFailed_NotFailed(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &exitsRepo{db: db, timeout: time.Second}

	mock.ExpectExec(`SET status = 'APPROVED', error_code = NULL`).
		WithArgs("ei-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.ReopenFailed(context.Background(), "ei-1")
	assert.ErrorIs(t, err, domain.ErrStateConflict)
}

func TestExitsRepo_MarkIntentFilled_WrongState(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &exitsRepo{db: db, timeout: time.Second}

	mock.ExpectExec("UPDATE exit_intents").
		WithArgs("ei-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkIntentFilled(context.Background(), "ei-1")
	assert.ErrorIs(t, err, domain.ErrStateConflict)
}
