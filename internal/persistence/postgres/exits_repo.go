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

const exitSignalColumns = `exit_signal_id, trade_id, exit_reason, episode_id, status,
	price_at_detection, brick_movement, favorable_movement,
	highest_since_entry, lowest_since_entry, trailing_stop_price, detected_at,
	created_at, updated_at, deleted_at, version`

const exitIntentColumns = `exit_intent_id, exit_signal_id, trade_id, user_broker_id,
	exit_reason, episode_id, quantity, order_type, limit_price,
	status, retry_count, broker_order_id, error_code, error_message, placed_at,
	created_at, updated_at, deleted_at, version`

type exitsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewExitsRepo creates the PostgreSQL exits repository.
func NewExitsRepo(db *sqlx.DB, timeout time.Duration) persistence.ExitsRepo {
	return &exitsRepo{db: db, timeout: timeout}
}

// GenerateEpisode allocates the next episode number for (trade, reason). The
// trade row is locked FOR UPDATE first so two concurrent detectors serialize
// and receive distinct, gap-free, strictly increasing ids starting at 1.
func (r *exitsRepo) GenerateEpisode(ctx context.Context, tradeID, exitReason string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var episode int
	err := inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var locked string
		lock := `SELECT trade_id FROM trades WHERE trade_id = $1 AND deleted_at IS NULL FOR UPDATE`
		if err := tx.QueryRowxContext(ctx, lock, tradeID).Scan(&locked); err != nil {
			if err == sql.ErrNoRows {
				return domain.ErrNotFound
			}
			return fmt.Errorf("failed to lock trade for episode generation: %w", err)
		}

		next := `
			SELECT COALESCE(MAX(episode_id), 0) + 1
			FROM exit_signals
			WHERE trade_id = $1 AND exit_reason = $2`
		if err := tx.QueryRowxContext(ctx, next, tradeID, exitReason).Scan(&episode); err != nil {
			return fmt.Errorf("failed to compute next episode: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return episode, nil
}

func (r *exitsRepo) InsertSignal(ctx context.Context, es domain.ExitSignal) (*domain.ExitSignal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO exit_signals (exit_signal_id, trade_id, exit_reason, episode_id, status,
			price_at_detection, brick_movement, favorable_movement,
			highest_since_entry, lowest_since_entry, trailing_stop_price, detected_at,
			created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW(), 1)
		RETURNING ` + exitSignalColumns

	out, err := scanExitSignal(r.db.QueryRowxContext(ctx, query,
		es.ID, es.TradeID, es.ExitReason, es.EpisodeID, domain.ExitDetected,
		es.PriceAtDetection, toNullDec(es.BrickMovement), toNullDec(es.FavorableMovement),
		toNullDec(es.HighestSinceEntry), toNullDec(es.LowestSinceEntry),
		toNullDec(es.TrailingStopPrice), es.DetectedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("exit signal already exists for (trade, reason, episode): %w", err)
		}
		return nil, fmt.Errorf("failed to insert exit signal: %w", err)
	}
	return out, nil
}

func (r *exitsRepo) ListSignalsForTrade(ctx context.Context, tradeID string) ([]domain.ExitSignal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + exitSignalColumns + ` FROM exit_signals
		WHERE trade_id = $1 AND deleted_at IS NULL
		ORDER BY exit_reason, episode_id ASC`

	rows, err := r.db.QueryxContext(ctx, query, tradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list exit signals: %w", err)
	}
	defer rows.Close()

	var out []domain.ExitSignal
	for rows.Next() {
		es, err := scanExitSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *es)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exit signal rows: %w", err)
	}
	return out, nil
}

func (r *exitsRepo) InsertIntent(ctx context.Context, ei domain.ExitIntent) (*domain.ExitIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO exit_intents (exit_intent_id, exit_signal_id, trade_id, user_broker_id,
			exit_reason, episode_id, quantity, order_type, limit_price,
			status, retry_count, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, NOW(), NOW(), 1)
		RETURNING ` + exitIntentColumns

	out, err := scanExitIntent(r.db.QueryRowxContext(ctx, query,
		ei.ID, ei.ExitSignalID, ei.TradeID, ei.UserBrokerID,
		ei.ExitReason, ei.EpisodeID, ei.Quantity, ei.OrderType,
		toNullDec(ei.LimitPrice), domain.IntentPending))
	if err != nil {
		return nil, fmt.Errorf("failed to insert exit intent: %w", err)
	}
	return out, nil
}

func (r *exitsRepo) FindIntentByID(ctx context.Context, id string) (*domain.ExitIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + exitIntentColumns + ` FROM exit_intents
		WHERE exit_intent_id = $1 AND deleted_at IS NULL`

	out, err := scanExitIntent(r.db.QueryRowxContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find exit intent: %w", err)
	}
	return out, nil
}

func (r *exitsRepo) MarkIntentApproved(ctx context.Context, id string) error {
	query := `
		UPDATE exit_intents
		SET status = 'APPROVED', updated_at = NOW()
		WHERE exit_intent_id = $1 AND status = 'PENDING' AND deleted_at IS NULL`
	return r.transition(ctx, query, "approve", id)
}

func (r *exitsRepo) MarkIntentRejected(ctx context.Context, id, errorCode, errorMessage string) error {
	query := `
		UPDATE exit_intents
		SET status = 'REJECTED', error_code = $2, error_message = $3, updated_at = NOW()
		WHERE exit_intent_id = $1 AND status = 'PENDING' AND deleted_at IS NULL`
	return r.transition(ctx, query, "reject", id, errorCode, errorMessage)
}

// PlaceOrder is the atomic APPROVED→PLACED transition. On success the paired
// trade moves to EXITING with the exit order id recorded, in the same
// transaction. A false return means the intent was not APPROVED; the caller
// records the outcome and does not retry.
func (r *exitsRepo) PlaceOrder(ctx context.Context, exitIntentID, brokerOrderID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	placed := false
	err := inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var tradeID string
		place := `
			UPDATE exit_intents
			SET status = 'PLACED', broker_order_id = $2, placed_at = NOW(), updated_at = NOW()
			WHERE exit_intent_id = $1 AND status = 'APPROVED' AND deleted_at IS NULL
			RETURNING trade_id`
		err := tx.QueryRowxContext(ctx, place, exitIntentID, brokerOrderID).Scan(&tradeID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to place exit order: %w", err)
		}

		mark := `
			UPDATE trades
			SET status = 'EXITING', exit_order_id = $2, updated_at = NOW()
			WHERE trade_id = $1 AND deleted_at IS NULL`
		if _, err := tx.ExecContext(ctx, mark, tradeID, brokerOrderID); err != nil {
			return fmt.Errorf("failed to mark trade exiting: %w", err)
		}

		placed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return placed, nil
}

func (r *exitsRepo) MarkIntentFilled(ctx context.Context, id string) error {
	query := `
		UPDATE exit_intents
		SET status = 'FILLED', updated_at = NOW()
		WHERE exit_intent_id = $1 AND status = 'PLACED' AND deleted_at IS NULL`
	return r.transition(ctx, query, "fill", id)
}

func (r *exitsRepo) MarkIntentFailed(ctx context.Context, id, errorCode, errorMessage string) error {
	query := `
		UPDATE exit_intents
		SET status = 'FAILED', error_code = $2, error_message = $3, updated_at = NOW()
		WHERE exit_intent_id = $1 AND status IN ('APPROVED', 'PLACED') AND deleted_at IS NULL`
	return r.transition(ctx, query, "fail", id, errorCode, errorMessage)
}

func (r *exitsRepo) MarkIntentCancelled(ctx context.Context, id string) error {
	query := `
		UPDATE exit_intents
		SET status = 'CANCELLED', updated_at = NOW()
		WHERE exit_intent_id = $1
		  AND status IN ('PENDING', 'APPROVED', 'PLACED', 'FAILED')
		  AND deleted_at IS NULL`
	return r.transition(ctx, query, "cancel", id)
}

// ReopenFailed moves a FAILED intent back to APPROVED for another placement
// attempt, clearing the recorded error.
func (r *exitsRepo) ReopenFailed(ctx context.Context, id string) error {
	query := `
		UPDATE exit_intents
		SET status = 'APPROVED', error_code = NULL, error_message = NULL, updated_at = NOW()
		WHERE exit_intent_id = $1 AND status = 'FAILED' AND deleted_at IS NULL`
	return r.transition(ctx, query, "reopen", id)
}

func (r *exitsRepo) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE exit_intents
		SET retry_count = retry_count + 1, updated_at = NOW()
		WHERE exit_intent_id = $1 AND deleted_at IS NULL
		RETURNING retry_count`

	var count int
	if err := r.db.QueryRowxContext(ctx, query, id).Scan(&count); err != nil {
		if err == sql.ErrNoRows {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}
	return count, nil
}

func (r *exitsRepo) ListStuckIntents(ctx context.Context, olderThan time.Duration, limit int) ([]domain.ExitIntent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + exitIntentColumns + ` FROM exit_intents
		WHERE status IN ('PENDING', 'APPROVED', 'PLACED', 'FAILED')
		  AND created_at < NOW() - $1::interval
		  AND deleted_at IS NULL
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, olderThan.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck exit intents: %w", err)
	}
	defer rows.Close()

	var out []domain.ExitIntent
	for rows.Next() {
		ei, err := scanExitIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ei)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating exit intent rows: %w", err)
	}
	return out, nil
}

func (r *exitsRepo) transition(ctx context.Context, query, action, id string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	all := append([]interface{}{id}, args...)
	res, err := r.db.ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("failed to %s exit intent %s: %w", action, id, err)
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

func scanExitSignal(row rowScanner) (*domain.ExitSignal, error) {
	var es domain.ExitSignal
	var brick, favorable, highest, lowest, trailStop decimal.NullDecimal

	err := row.Scan(
		&es.ID, &es.TradeID, &es.ExitReason, &es.EpisodeID, &es.Status,
		&es.PriceAtDetection, &brick, &favorable, &highest, &lowest, &trailStop,
		&es.DetectedAt, &es.CreatedAt, &es.UpdatedAt, &es.DeletedAt, &es.Version)
	if err != nil {
		return nil, err
	}

	es.BrickMovement = fromNullDec(brick)
	es.FavorableMovement = fromNullDec(favorable)
	es.HighestSinceEntry = fromNullDec(highest)
	es.LowestSinceEntry = fromNullDec(lowest)
	es.TrailingStopPrice = fromNullDec(trailStop)
	return &es, nil
}

func scanExitIntent(row rowScanner) (*domain.ExitIntent, error) {
	var ei domain.ExitIntent
	var limitPrice decimal.NullDecimal

	err := row.Scan(
		&ei.ID, &ei.ExitSignalID, &ei.TradeID, &ei.UserBrokerID,
		&ei.ExitReason, &ei.EpisodeID, &ei.Quantity, &ei.OrderType, &limitPrice,
		&ei.Status, &ei.RetryCount, &ei.BrokerOrderID, &ei.ErrorCode, &ei.ErrorMessage,
		&ei.PlacedAt, &ei.CreatedAt, &ei.UpdatedAt, &ei.DeletedAt, &ei.Version)
	if err != nil {
		return nil, err
	}

	ei.LimitPrice = fromNullDec(limitPrice)
	return &ei, nil
}
