package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtflow/mtflow/internal/domain"
)

func TestUserBrokersRepo_Insert_SecondDataLinkConflicts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &userBrokersRepo{db: db, timeout: time.Second}

	// The partial unique index on role=DATA admits one active DATA link for
	// the whole system, regardless of which user owns it. A second insert
	// surfaces as a state conflict, not an opaque driver error.
	mock.ExpectQuery("INSERT INTO user_brokers").
		WillReturnError(&pq.Error{Code: uniqueViolation, Constraint: "uq_user_brokers_data_singleton"})

	_, err := repo.Insert(context.Background(), domain.UserBroker{
		ID:       "ub-2",
		UserID:   "user-2",
		BrokerID: "broker-1",
		Role:     domain.RoleData,
		Status:   domain.StatusActive,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStateConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserBrokersRepo_Insert_OtherErrorsPassThrough(t *testing.T) {
	db, mock := newMockDB(t)
	repo := &userBrokersRepo{db: db, timeout: time.Second}

	mock.ExpectQuery("INSERT INTO user_brokers").
		WillReturnError(&pq.Error{Code: "53300", Message: "too many connections"})

	_, err := repo.Insert(context.Background(), domain.UserBroker{ID: "ub-3"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrStateConflict)
}
