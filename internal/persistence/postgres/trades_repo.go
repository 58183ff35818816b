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

const tradeColumns = `trade_id, intent_id, signal_id, user_broker_id, symbol, direction,
	quantity, entry_price, entry_value, product_type, timeframe,
	zone_low, zone_high, stop_loss, target, max_log_loss,
	current_price, current_log_return, unrealized_pnl,
	trailing_active, trailing_extreme_price, trailing_stop_price,
	exit_price, exited_at, exit_trigger, exit_order_id,
	realized_pnl, realized_log_return, holding_days,
	broker_order_id, broker_trade_id, client_order_id, status,
	created_at, updated_at, deleted_at, version`

type tradesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTradesRepo creates the PostgreSQL trades repository.
func NewTradesRepo(db *sqlx.DB, timeout time.Duration) persistence.TradesRepo {
	return &tradesRepo{db: db, timeout: timeout}
}

// Upsert writes the canonical trade row keyed by intent_id. The entry
// pipeline is the single writer on the insert path; the reconciler merges
// broker responses through the conflict branch, where non-null incoming
// fields overwrite and null fields preserve prior values. Status is owned by
// the dedicated transition writers and is never clobbered on merge.
func (r *tradesRepo) Upsert(ctx context.Context, t domain.Trade) (*domain.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO trades (trade_id, intent_id, signal_id, user_broker_id, symbol, direction,
			quantity, entry_price, entry_value, product_type, timeframe,
			zone_low, zone_high, stop_loss, target, max_log_loss,
			trailing_active, broker_order_id, broker_trade_id, client_order_id, status,
			created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, NOW(), NOW(), 1)
		ON CONFLICT (intent_id) WHERE deleted_at IS NULL
		DO UPDATE SET
			entry_price     = COALESCE(EXCLUDED.entry_price, trades.entry_price),
			entry_value     = COALESCE(EXCLUDED.entry_value, trades.entry_value),
			zone_low        = COALESCE(EXCLUDED.zone_low, trades.zone_low),
			zone_high       = COALESCE(EXCLUDED.zone_high, trades.zone_high),
			stop_loss       = COALESCE(EXCLUDED.stop_loss, trades.stop_loss),
			target          = COALESCE(EXCLUDED.target, trades.target),
			max_log_loss    = COALESCE(EXCLUDED.max_log_loss, trades.max_log_loss),
			broker_order_id = COALESCE(EXCLUDED.broker_order_id, trades.broker_order_id),
			broker_trade_id = COALESCE(EXCLUDED.broker_trade_id, trades.broker_trade_id),
			updated_at      = NOW()
		RETURNING ` + tradeColumns

	out, err := scanTrade(r.db.QueryRowxContext(ctx, query,
		t.ID, t.IntentID, t.SignalID, t.UserBrokerID, t.Symbol, t.Direction,
		t.Quantity, toNullDec(t.EntryPrice), toNullDec(t.EntryValue), t.ProductType, t.Timeframe,
		toNullDec(t.ZoneLow), toNullDec(t.ZoneHigh), toNullDec(t.StopLoss),
		toNullDec(t.Target), toNullDec(t.MaxLogLoss),
		t.Trailing.Active, t.BrokerOrderID, t.BrokerTradeID, t.ClientOrderID, domain.TradeCreated))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert trade: %w", err)
	}
	return out, nil
}

func (r *tradesRepo) FindByID(ctx context.Context, id string) (*domain.Trade, error) {
	return r.findOne(ctx, `trade_id = $1`, id)
}

func (r *tradesRepo) FindByIntentID(ctx context.Context, intentID string) (*domain.Trade, error) {
	return r.findOne(ctx, `intent_id = $1`, intentID)
}

func (r *tradesRepo) findOne(ctx context.Context, where, arg string) (*domain.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE ` + where + ` AND deleted_at IS NULL`

	out, err := scanTrade(r.db.QueryRowxContext(ctx, query, arg))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find trade: %w", err)
	}
	return out, nil
}

func (r *tradesRepo) ListOpen(ctx context.Context, userBrokerID string) ([]domain.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE status IN ('OPEN', 'EXITING') AND deleted_at IS NULL`
	args := []interface{}{}
	if userBrokerID != "" {
		query += ` AND user_broker_id = $1`
		args = append(args, userBrokerID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list open trades: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return out, nil
}

func (r *tradesRepo) ListOpenBySymbol(ctx context.Context, symbol string) ([]domain.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + tradeColumns + ` FROM trades
		WHERE symbol = $1 AND status IN ('OPEN', 'EXITING') AND deleted_at IS NULL
		ORDER BY created_at ASC`

	rows, err := r.db.QueryxContext(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to list open trades by symbol: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return out, nil
}

// MarkRejectedByIntentID moves CREATED→REJECTED in one conditional UPDATE.
// A false return means the trade had already progressed; the entry pipeline
// records the outcome without retrying.
func (r *tradesRepo) MarkRejectedByIntentID(ctx context.Context, intentID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trades
		SET status = 'REJECTED', updated_at = NOW()
		WHERE intent_id = $1 AND status = 'CREATED' AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, intentID)
	if err != nil {
		return false, fmt.Errorf("failed to reject trade by intent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *tradesRepo) MarkOpen(ctx context.Context, id string, entryPrice decimal.Decimal, brokerTradeID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trades
		SET status = 'OPEN',
		    entry_price = $2,
		    broker_trade_id = $3,
		    updated_at = NOW()
		WHERE trade_id = $1 AND status IN ('CREATED', 'PENDING') AND deleted_at IS NULL`

	return r.transition(ctx, query, "open", id, entryPrice, brokerTradeID)
}

func (r *tradesRepo) MarkClosed(ctx context.Context, id string, exitPrice decimal.Decimal, trigger string, exitedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trades
		SET status = 'CLOSED',
		    exit_price = $2,
		    exit_trigger = $3,
		    exited_at = $4,
		    realized_pnl = CASE WHEN direction IN ('SHORT', 'SELL')
		        THEN (entry_price - $2) * quantity
		        ELSE ($2 - entry_price) * quantity END,
		    realized_log_return = CASE WHEN direction IN ('SHORT', 'SELL')
		        THEN LN(entry_price / $2)
		        ELSE LN($2 / entry_price) END,
		    holding_days = GREATEST(0, EXTRACT(DAY FROM $4::timestamptz - created_at))::int,
		    updated_at = NOW()
		WHERE trade_id = $1 AND status = 'EXITING' AND deleted_at IS NULL`

	return r.transition(ctx, query, "close", id, exitPrice, trigger, exitedAt)
}

func (r *tradesRepo) UpdateLiveState(ctx context.Context, id string, price, logReturn, unrealized decimal.Decimal, trailing domain.TrailingStop) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE trades
		SET current_price = $2,
		    current_log_return = $3,
		    unrealized_pnl = $4,
		    trailing_active = $5,
		    trailing_extreme_price = $6,
		    trailing_stop_price = $7,
		    updated_at = NOW()
		WHERE trade_id = $1 AND status IN ('OPEN', 'EXITING') AND deleted_at IS NULL`

	return r.transition(ctx, query, "update live state of", id,
		price, logReturn, unrealized,
		trailing.Active, toNullDec(trailing.ExtremePrice), toNullDec(trailing.StopPrice))
}

func (r *tradesRepo) transition(ctx context.Context, query, action, id string, args ...interface{}) error {
	all := append([]interface{}{id}, args...)
	res, err := r.db.ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("failed to %s trade %s: %w", action, id, err)
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

func scanTrade(row rowScanner) (*domain.Trade, error) {
	var t domain.Trade
	var entryPrice, entryValue, zoneLow, zoneHigh, stopLoss, target, maxLogLoss decimal.NullDecimal
	var curPrice, curLogRet, unrealized decimal.NullDecimal
	var trailExtreme, trailStop decimal.NullDecimal
	var exitPrice, realizedPnl, realizedLogRet decimal.NullDecimal

	err := row.Scan(
		&t.ID, &t.IntentID, &t.SignalID, &t.UserBrokerID, &t.Symbol, &t.Direction,
		&t.Quantity, &entryPrice, &entryValue, &t.ProductType, &t.Timeframe,
		&zoneLow, &zoneHigh, &stopLoss, &target, &maxLogLoss,
		&curPrice, &curLogRet, &unrealized,
		&t.Trailing.Active, &trailExtreme, &trailStop,
		&exitPrice, &t.ExitedAt, &t.ExitTrigger, &t.ExitOrderID,
		&realizedPnl, &realizedLogRet, &t.HoldingDays,
		&t.BrokerOrderID, &t.BrokerTradeID, &t.ClientOrderID, &t.Status,
		&t.CreatedAt, &t.UpdatedAt, &t.DeletedAt, &t.Version)
	if err != nil {
		return nil, err
	}

	t.EntryPrice = fromNullDec(entryPrice)
	t.EntryValue = fromNullDec(entryValue)
	t.ZoneLow = fromNullDec(zoneLow)
	t.ZoneHigh = fromNullDec(zoneHigh)
	t.StopLoss = fromNullDec(stopLoss)
	t.Target = fromNullDec(target)
	t.MaxLogLoss = fromNullDec(maxLogLoss)
	t.CurrentPrice = fromNullDec(curPrice)
	t.CurrentLogReturn = fromNullDec(curLogRet)
	t.UnrealizedPnl = fromNullDec(unrealized)
	t.Trailing.ExtremePrice = fromNullDec(trailExtreme)
	t.Trailing.StopPrice = fromNullDec(trailStop)
	t.ExitPrice = fromNullDec(exitPrice)
	t.RealizedPnl = fromNullDec(realizedPnl)
	t.RealizedLogReturn = fromNullDec(realizedLogRet)
	return &t, nil
}
