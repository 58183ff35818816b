package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/persistence"
)

const intentColumns = `intent_id, signal_id, user_broker_id, symbol,
	validation_passed, validation_errors, calculated_qty, calculated_value,
	order_type, limit_price, product_type, log_impact, portfolio_exposure_after,
	status, order_id, trade_id, error_code, error_message, placed_at,
	created_at, updated_at, deleted_at, version`

type intentsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewIntentsRepo creates the PostgreSQL trade intents repository.
func NewIntentsRepo(db *sqlx.DB, timeout time.Duration) persistence.IntentsRepo {
	return &intentsRepo{db: db, timeout: timeout}
}

// Insert writes the PENDING intent row. This happens before any broker call
// so every network outcome reconciles back to a canonical record; the intent
// id is reused as the broker client-order-id.
func (r *intentsRepo) Insert(ctx context.Context, in domain.TradeIntent) (*domain.TradeIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	verrs, err := mustJSON(in.ValidationErrors)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO trade_intents (intent_id, signal_id, user_broker_id, symbol,
			validation_passed, validation_errors, calculated_qty, calculated_value,
			order_type, limit_price, product_type, log_impact, portfolio_exposure_after,
			status, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW(), 1)
		RETURNING ` + intentColumns

	out, err := scanIntent(r.db.QueryRowxContext(ctx, query,
		in.ID, in.SignalID, in.UserBrokerID, in.Symbol,
		in.ValidationPassed, verrs, in.CalculatedQty, in.CalculatedValue,
		in.OrderType, toNullDec(in.LimitPrice), in.ProductType,
		in.LogImpact, in.PortfolioExposureAfter, domain.IntentPending))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("intent %s already exists: %w", in.ID, err)
		}
		return nil, fmt.Errorf("failed to insert intent: %w", err)
	}
	return out, nil
}

func (r *intentsRepo) FindByID(ctx context.Context, id string) (*domain.TradeIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + intentColumns + ` FROM trade_intents
		WHERE intent_id = $1 AND deleted_at IS NULL`

	out, err := scanIntent(r.db.QueryRowxContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find intent: %w", err)
	}
	return out, nil
}

func (r *intentsRepo) ListByStatus(ctx context.Context, status domain.IntentStatus, limit int) ([]domain.TradeIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + intentColumns + ` FROM trade_intents
		WHERE status = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents by status: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating intent rows: %w", err)
	}
	return out, nil
}

func (r *intentsRepo) MarkApproved(ctx context.Context, id string, qty int64, value, logImpact, exposureAfter decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trade_intents
		SET status = 'APPROVED',
		    validation_passed = TRUE,
		    calculated_qty = $2,
		    calculated_value = $3,
		    log_impact = $4,
		    portfolio_exposure_after = $5,
		    updated_at = NOW()
		WHERE intent_id = $1 AND status = 'PENDING' AND deleted_at IS NULL`

	return r.transition(ctx, query, "approve", id, qty, value, logImpact, exposureAfter)
}

func (r *intentsRepo) MarkRejected(ctx context.Context, id string, verrs []domain.FieldError) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := mustJSON(verrs)
	if err != nil {
		return err
	}

	query := `
		UPDATE trade_intents
		SET status = 'REJECTED',
		    validation_passed = FALSE,
		    validation_errors = $2,
		    updated_at = NOW()
		WHERE intent_id = $1 AND status IN ('PENDING', 'APPROVED') AND deleted_at IS NULL`

	return r.transition(ctx, query, "reject", id, payload)
}

func (r *intentsRepo) MarkPlaced(ctx context.Context, id, brokerOrderID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trade_intents
		SET status = 'PLACED', order_id = $2, placed_at = NOW(), updated_at = NOW()
		WHERE intent_id = $1 AND status = 'APPROVED' AND deleted_at IS NULL`

	return r.transition(ctx, query, "place", id, brokerOrderID)
}

func (r *intentsRepo) MarkFilled(ctx context.Context, id, brokerTradeID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trade_intents
		SET status = 'FILLED', trade_id = $2, updated_at = NOW()
		WHERE intent_id = $1 AND status = 'PLACED' AND deleted_at IS NULL`

	return r.transition(ctx, query, "fill", id, brokerTradeID)
}

func (r *intentsRepo) MarkFailed(ctx context.Context, id, errorCode, errorMessage string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trade_intents
		SET status = 'FAILED', error_code = $2, error_message = $3, updated_at = NOW()
		WHERE intent_id = $1 AND status IN ('APPROVED', 'PLACED') AND deleted_at IS NULL`

	return r.transition(ctx, query, "fail", id, errorCode, errorMessage)
}

func (r *intentsRepo) transition(ctx context.Context, query, action, id string, args ...interface{}) error {
	all := append([]interface{}{id}, args...)
	res, err := r.db.ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("failed to %s intent %s: %w", action, id, err)
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

func scanIntent(row rowScanner) (*domain.TradeIntent, error) {
	var in domain.TradeIntent
	var verrs []byte
	var limitPrice decimal.NullDecimal

	err := row.Scan(
		&in.ID, &in.SignalID, &in.UserBrokerID, &in.Symbol,
		&in.ValidationPassed, &verrs, &in.CalculatedQty, &in.CalculatedValue,
		&in.OrderType, &limitPrice, &in.ProductType,
		&in.LogImpact, &in.PortfolioExposureAfter,
		&in.Status, &in.OrderID, &in.TradeID, &in.ErrorCode, &in.ErrorMessage,
		&in.PlacedAt, &in.CreatedAt, &in.UpdatedAt, &in.DeletedAt, &in.Version)
	if err != nil {
		return nil, err
	}

	in.LimitPrice = fromNullDec(limitPrice)
	if err := unmarshalInto(verrs, &in.ValidationErrors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal validation errors: %w", err)
	}
	return &in, nil
}
