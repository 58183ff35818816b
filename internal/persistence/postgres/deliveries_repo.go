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

const deliveryColumns = `delivery_id, signal_id, user_broker_id, status,
	intent_id, rejection_reason, user_action, consumed_at,
	created_at, updated_at, deleted_at, version`

type deliveriesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDeliveriesRepo creates the PostgreSQL deliveries repository.
func NewDeliveriesRepo(db *sqlx.DB, timeout time.Duration) persistence.DeliveriesRepo {
	return &deliveriesRepo{db: db, timeout: timeout}
}

func (r *deliveriesRepo) Insert(ctx context.Context, d domain.SignalDelivery) (*domain.SignalDelivery, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO signal_deliveries (delivery_id, signal_id, user_broker_id, status,
			created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, NOW(), NOW(), 1)
		RETURNING ` + deliveryColumns

	out, err := scanDelivery(r.db.QueryRowxContext(ctx, query,
		d.ID, d.SignalID, d.UserBrokerID, domain.DeliveryCreated))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("delivery already exists for (signal, user_broker): %w", domain.ErrStateConflict)
		}
		return nil, fmt.Errorf("failed to insert delivery: %w", err)
	}
	return out, nil
}

func (r *deliveriesRepo) FindByID(ctx context.Context, id string) (*domain.SignalDelivery, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + deliveryColumns + ` FROM signal_deliveries
		WHERE delivery_id = $1 AND deleted_at IS NULL`

	out, err := scanDelivery(r.db.QueryRowxContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find delivery: %w", err)
	}
	return out, nil
}

func (r *deliveriesRepo) ListBySignal(ctx context.Context, signalID string) ([]domain.SignalDelivery, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + deliveryColumns + ` FROM signal_deliveries
		WHERE signal_id = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC`

	rows, err := r.db.QueryxContext(ctx, query, signalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries by signal: %w", err)
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

func (r *deliveriesRepo) ListForUserBroker(ctx context.Context, userBrokerID string, limit int) ([]domain.SignalDelivery, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + deliveryColumns + ` FROM signal_deliveries
		WHERE user_broker_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, userBrokerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries for user broker: %w", err)
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

func (r *deliveriesRepo) MarkDelivered(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE signal_deliveries
		SET status = 'DELIVERED', updated_at = NOW()
		WHERE delivery_id = $1 AND status = 'CREATED' AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark delivery delivered: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrStateConflict
	}
	return nil
}

// Consume is the single-use authorization primitive. One conditional UPDATE
// compare-and-sets the non-terminal status to CONSUMED, binding the intent
// id and bumping version. Under concurrent callers exactly one statement
// matches the predicate; everyone else observes false and must not create an
// intent. A false return is an outcome, not an error.
func (r *deliveriesRepo) Consume(ctx context.Context, deliveryID, intentID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE signal_deliveries
		SET status = 'CONSUMED',
		    intent_id = $2,
		    consumed_at = NOW(),
		    updated_at = NOW(),
		    version = version + 1
		WHERE delivery_id = $1
		  AND status IN ('CREATED', 'DELIVERED')
		  AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, deliveryID, intentID)
	if err != nil {
		return false, fmt.Errorf("failed to consume delivery: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RejectByUser spends a non-terminal delivery as a user decline. Same
// compare-and-set shape as Consume, so a decline racing an accept resolves
// to exactly one winner.
func (r *deliveriesRepo) RejectByUser(ctx context.Context, id, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE signal_deliveries
		SET status = 'CANCELLED',
		    rejection_reason = $2,
		    user_action = 'REJECTED',
		    updated_at = NOW(),
		    version = version + 1
		WHERE delivery_id = $1
		  AND status IN ('CREATED', 'DELIVERED')
		  AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("failed to reject delivery: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrStateConflict
	}
	return nil
}

// ExpireAllForSignal cascades a signal expiry onto its non-terminal
// deliveries in one statement.
func (r *deliveriesRepo) ExpireAllForSignal(ctx context.Context, signalID string) (int64, error) {
	return r.cascade(ctx, signalID, domain.DeliveryExpired)
}

// CancelAllForSignal cascades an operator/engine-driven terminal transition.
func (r *deliveriesRepo) CancelAllForSignal(ctx context.Context, signalID string) (int64, error) {
	return r.cascade(ctx, signalID, domain.DeliveryCancelled)
}

func (r *deliveriesRepo) cascade(ctx context.Context, signalID string, to domain.DeliveryStatus) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE signal_deliveries
		SET status = $2, updated_at = NOW()
		WHERE signal_id = $1
		  AND status IN ('CREATED', 'DELIVERED')
		  AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, signalID, to)
	if err != nil {
		return 0, fmt.Errorf("failed to cascade deliveries to %s: %w", to, err)
	}
	return res.RowsAffected()
}

func scanDelivery(row rowScanner) (*domain.SignalDelivery, error) {
	var d domain.SignalDelivery
	err := row.Scan(
		&d.ID, &d.SignalID, &d.UserBrokerID, &d.Status,
		&d.IntentID, &d.RejectionReason, &d.UserAction, &d.ConsumedAt,
		&d.CreatedAt, &d.UpdatedAt, &d.DeletedAt, &d.Version)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanDeliveries(rows *sqlx.Rows) ([]domain.SignalDelivery, error) {
	var out []domain.SignalDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delivery rows: %w", err)
	}
	return out, nil
}
