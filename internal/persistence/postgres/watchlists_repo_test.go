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

func TestWatchlistsRepo_UpsertEntry_ResurrectsSoftDeleted(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &watchlistsRepo{db: db, timeout: time.Second}

	created := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	// Re-adding a (user_broker_id, symbol) pair whose row was soft-deleted
	// must revive the original row: deleted_at cleared, version bumped, the
	// watchlist_id from the first life preserved.
	mock.ExpectQuery(`DO UPDATE SET\s+deleted_at = NULL`).
		WithArgs("wl-new", "ub-1", "RELIANCE", int64(1), "0.05", true, true, nil).
		WillReturnRows(sqlmock.NewRows([]string{
			"watchlist_id", "user_broker_id", "symbol", "lot_size", "tick_size",
			"is_custom", "enabled", "last_synced_at", "last_price", "last_tick_time",
			"created_at", "updated_at", "deleted_at", "version",
		}).AddRow("wl-original", "ub-1", "RELIANCE", int64(1), "0.05",
			true, true, nil, nil, nil,
			created, time.Now(), nil, 2))

	out, err := repo.UpsertEntry(context.Background(), domain.WatchlistEntry{
		ID:           "wl-new",
		UserBrokerID: "ub-1",
		Symbol:       "RELIANCE",
		LotSize:      1,
		TickSize:     decimal.RequireFromString("0.05"),
		IsCustom:     true,
		Enabled:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "wl-original", out.ID)
	assert.Equal(t, 2, out.Version)
	assert.Nil(t, out.DeletedAt)
	assert.True(t, out.IsCustom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
