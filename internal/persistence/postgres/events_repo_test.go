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

func TestEventsRepo_Append_PayloadBytesUntouched(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &eventsRepo{db: db, timeout: time.Second}

	// Key order and whitespace must survive: the payload column is JSON,
	// not JSONB, so the exact bytes handed in are the exact bytes stored
	// and replayed.
	raw := []byte(`{"b": 1,  "a": {"nested":true}}`)

	mock.ExpectQuery("INSERT INTO trade_events").
		WithArgs(domain.EventSignalPublished, domain.ScopeGlobal,
			nil, nil, nil, raw, nil, nil, nil, nil, "system").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(7)))

	seq, err := repo.Append(context.Background(), domain.TradeEvent{
		EventType: domain.EventSignalPublished,
		Scope:     domain.ScopeGlobal,
		Payload:   raw,
		CreatedBy: "system",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}
