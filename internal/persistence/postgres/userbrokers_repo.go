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

const userBrokerColumns = `user_broker_id, user_id, broker_id, role, credentials,
	connected, last_connected, connection_error, risk_policy, status, enabled,
	created_at, updated_at, deleted_at, version`

type userBrokersRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewUserBrokersRepo creates the PostgreSQL user-broker links repository.
func NewUserBrokersRepo(db *sqlx.DB, timeout time.Duration) persistence.UserBrokersRepo {
	return &userBrokersRepo{db: db, timeout: timeout}
}

func (r *userBrokersRepo) Insert(ctx context.Context, ub domain.UserBroker) (*domain.UserBroker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	risk, err := mustJSON(ub.Risk)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO user_brokers (user_broker_id, user_id, broker_id, role, credentials,
			connected, risk_policy, status, enabled, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7, $8, NOW(), NOW(), 1)
		RETURNING ` + userBrokerColumns

	out, err := scanUserBroker(r.db.QueryRowxContext(ctx, query,
		ub.ID, ub.UserID, ub.BrokerID, ub.Role, []byte(ub.Credentials),
		risk, ub.Status, ub.Enabled))
	if err != nil {
		if isUniqueViolation(err) {
			// The partial unique index on role=DATA enforces the data-feed
			// singleton: at most one active DATA link system-wide.
			return nil, fmt.Errorf("conflicting user-broker link: %w", domain.ErrStateConflict)
		}
		return nil, fmt.Errorf("failed to insert user broker: %w", err)
	}
	return out, nil
}

// Update applies the immutable-audit pattern: soft-delete the current
// version and insert the full new state with version+1, one transaction.
func (r *userBrokersRepo) Update(ctx context.Context, ub domain.UserBroker) (*domain.UserBroker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	risk, err := mustJSON(ub.Risk)
	if err != nil {
		return nil, err
	}

	var out *domain.UserBroker
	err = inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		version, err := softDeleteCurrent(ctx, tx, "user_brokers", "user_broker_id", ub.ID)
		if err != nil {
			return err
		}

		query := `
			INSERT INTO user_brokers (user_broker_id, user_id, broker_id, role, credentials,
				connected, last_connected, connection_error, risk_policy, status, enabled,
				created_at, updated_at, version)
			SELECT user_broker_id, user_id, broker_id, $2, $3,
				$4, $5, $6, $7, $8, $9, created_at, NOW(), $10
			FROM user_brokers
			WHERE user_broker_id = $1 AND version = $11`

		if _, err := tx.ExecContext(ctx, query,
			ub.ID, ub.Role, []byte(ub.Credentials),
			ub.Connected, ub.LastConnected, ub.ConnectionError,
			risk, ub.Status, ub.Enabled, version+1, version); err != nil {
			return fmt.Errorf("failed to insert user broker version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out, err = r.FindByID(ctx, ub.ID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *userBrokersRepo) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		_, err := softDeleteCurrent(ctx, tx, "user_brokers", "user_broker_id", id)
		return err
	})
}

func (r *userBrokersRepo) FindByID(ctx context.Context, id string) (*domain.UserBroker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + userBrokerColumns + ` FROM user_brokers
		WHERE user_broker_id = $1 AND deleted_at IS NULL`

	out, err := scanUserBroker(r.db.QueryRowxContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user broker: %w", err)
	}
	return out, nil
}

func (r *userBrokersRepo) List(ctx context.Context, userID string) ([]domain.UserBroker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + userBrokerColumns + ` FROM user_brokers
		WHERE deleted_at IS NULL`
	args := []interface{}{}
	if userID != "" {
		query += ` AND user_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list user brokers: %w", err)
	}
	defer rows.Close()

	return scanUserBrokers(rows)
}

func (r *userBrokersRepo) FindVersions(ctx context.Context, id string) ([]domain.UserBroker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + userBrokerColumns + ` FROM user_brokers
		WHERE user_broker_id = $1
		ORDER BY version ASC`

	rows, err := r.db.QueryxContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list user broker versions: %w", err)
	}
	defer rows.Close()

	return scanUserBrokers(rows)
}

func (r *userBrokersRepo) FindDataBroker(ctx context.Context) (*domain.UserBroker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + userBrokerColumns + ` FROM user_brokers
		WHERE role = 'DATA' AND status = 'ACTIVE' AND deleted_at IS NULL`

	out, err := scanUserBroker(r.db.QueryRowxContext(ctx, query))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find data broker: %w", err)
	}
	return out, nil
}

// ListEligibleExec returns the fan-out candidates: enabled ACTIVE EXEC links
// whose parent user is ACTIVE.
func (r *userBrokersRepo) ListEligibleExec(ctx context.Context) ([]domain.UserBroker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + qualify(userBrokerColumns, "ub") + `
		FROM user_brokers ub
		JOIN users u ON u.user_id = ub.user_id AND u.deleted_at IS NULL
		WHERE ub.role = 'EXEC'
		  AND ub.enabled = TRUE
		  AND ub.status = 'ACTIVE'
		  AND u.status = 'ACTIVE'
		  AND ub.deleted_at IS NULL
		ORDER BY ub.created_at ASC`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible exec brokers: %w", err)
	}
	defer rows.Close()

	return scanUserBrokers(rows)
}

func (r *userBrokersRepo) SetConnection(ctx context.Context, id string, connected bool, connErr *string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE user_brokers
		SET connected = $2,
		    last_connected = CASE WHEN $2 THEN NOW() ELSE last_connected END,
		    connection_error = $3,
		    updated_at = NOW()
		WHERE user_broker_id = $1 AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, id, connected, connErr)
	if err != nil {
		return fmt.Errorf("failed to set connection state: %w", err)
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

func (r *userBrokersRepo) Toggle(ctx context.Context, id string, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE user_brokers
		SET enabled = $2, updated_at = NOW()
		WHERE user_broker_id = $1 AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to toggle user broker: %w", err)
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

func scanUserBroker(row rowScanner) (*domain.UserBroker, error) {
	var ub domain.UserBroker
	var creds, risk []byte

	err := row.Scan(
		&ub.ID, &ub.UserID, &ub.BrokerID, &ub.Role, &creds,
		&ub.Connected, &ub.LastConnected, &ub.ConnectionError, &risk,
		&ub.Status, &ub.Enabled,
		&ub.CreatedAt, &ub.UpdatedAt, &ub.DeletedAt, &ub.Version)
	if err != nil {
		return nil, err
	}

	ub.Credentials = creds
	if err := unmarshalInto(risk, &ub.Risk); err != nil {
		return nil, fmt.Errorf("failed to unmarshal risk policy: %w", err)
	}
	return &ub, nil
}

func scanUserBrokers(rows *sqlx.Rows) ([]domain.UserBroker, error) {
	var out []domain.UserBroker
	for rows.Next() {
		ub, err := scanUserBroker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user broker rows: %w", err)
	}
	return out, nil
}
