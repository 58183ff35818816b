package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/persistence"
)

const sessionColumns = `session_id, user_broker_id, access_token, token_valid_till,
	session_status, started_at, ended_at, created_at, updated_at, deleted_at, version`

type sessionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSessionsRepo creates the PostgreSQL broker sessions repository.
func NewSessionsRepo(db *sqlx.DB, timeout time.Duration) persistence.SessionsRepo {
	return &sessionsRepo{db: db, timeout: timeout}
}

// InsertActive expires any older ACTIVE session of the user-broker, then
// inserts the new ACTIVE session, in one transaction. The latest-version
// query filter keeps at most one ACTIVE session per link.
func (r *sessionsRepo) InsertActive(ctx context.Context, s domain.UserBrokerSession) (*domain.UserBrokerSession, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out *domain.UserBrokerSession
	err := inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		expire := `
			UPDATE user_broker_sessions
			SET session_status = 'EXPIRED', ended_at = NOW(), updated_at = NOW()
			WHERE user_broker_id = $1 AND session_status = 'ACTIVE' AND deleted_at IS NULL`
		if _, err := tx.ExecContext(ctx, expire, s.UserBrokerID); err != nil {
			return fmt.Errorf("failed to expire prior sessions: %w", err)
		}

		insert := `
			INSERT INTO user_broker_sessions (session_id, user_broker_id, access_token,
				token_valid_till, session_status, started_at, created_at, updated_at, version)
			VALUES ($1, $2, $3, $4, 'ACTIVE', NOW(), NOW(), NOW(), 1)
			RETURNING ` + sessionColumns

		got, err := scanSession(tx.QueryRowxContext(ctx, insert,
			s.ID, s.UserBrokerID, s.AccessToken, s.TokenValidTill))
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		out = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sessionsRepo) FindActive(ctx context.Context, userBrokerID string) (*domain.UserBrokerSession, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + sessionColumns + ` FROM user_broker_sessions
		WHERE user_broker_id = $1 AND session_status = 'ACTIVE' AND deleted_at IS NULL
		ORDER BY started_at DESC
		LIMIT 1`

	out, err := scanSession(r.db.QueryRowxContext(ctx, query, userBrokerID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}
	return out, nil
}

func (r *sessionsRepo) Revoke(ctx context.Context, userBrokerID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE user_broker_sessions
		SET session_status = 'REVOKED', ended_at = NOW(), updated_at = NOW()
		WHERE user_broker_id = $1 AND session_status = 'ACTIVE' AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, userBrokerID)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ExpirePast marks ACTIVE sessions past token_valid_till EXPIRED and returns
// the count; the session monitor job runs this on a schedule.
func (r *sessionsRepo) ExpirePast(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE user_broker_sessions
		SET session_status = 'EXPIRED', ended_at = $1, updated_at = NOW()
		WHERE session_status = 'ACTIVE' AND token_valid_till < $1 AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire past sessions: %w", err)
	}
	return res.RowsAffected()
}

func scanSession(row rowScanner) (*domain.UserBrokerSession, error) {
	var s domain.UserBrokerSession
	err := row.Scan(
		&s.ID, &s.UserBrokerID, &s.AccessToken, &s.TokenValidTill,
		&s.Status, &s.StartedAt, &s.EndedAt,
		&s.CreatedAt, &s.UpdatedAt, &s.DeletedAt, &s.Version)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
