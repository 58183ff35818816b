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

// bulkBatchSize is the commit granularity for instrument master refreshes.
const bulkBatchSize = 1000

const instrumentColumns = `id, broker_code, exchange, trading_symbol, name,
	instrument_type, token, lot_size, tick_size, updated_at`

type instrumentsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewInstrumentsRepo creates the PostgreSQL instrument catalog repository.
func NewInstrumentsRepo(db *sqlx.DB, timeout time.Duration) persistence.InstrumentsRepo {
	return &instrumentsRepo{db: db, timeout: timeout}
}

// BulkUpsert refreshes a broker namespace in batches of 1000 rows, each
// batch in its own transaction. Honors ctx cancellation between batches so a
// multi-minute master download can be aborted cleanly.
func (r *instrumentsRepo) BulkUpsert(ctx context.Context, brokerCode string, instruments []domain.Instrument) (int, error) {
	written := 0
	for start := 0; start < len(instruments); start += bulkBatchSize {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		end := start + bulkBatchSize
		if end > len(instruments) {
			end = len(instruments)
		}

		if err := r.upsertBatch(ctx, brokerCode, instruments[start:end]); err != nil {
			return written, err
		}
		written += end - start
	}
	return written, nil
}

func (r *instrumentsRepo) upsertBatch(ctx context.Context, brokerCode string, batch []domain.Instrument) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO instruments (broker_code, exchange, trading_symbol, name,
				instrument_type, token, lot_size, tick_size, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
			ON CONFLICT (broker_code, exchange, trading_symbol)
			DO UPDATE SET name = EXCLUDED.name,
				instrument_type = EXCLUDED.instrument_type,
				token = EXCLUDED.token,
				lot_size = EXCLUDED.lot_size,
				tick_size = EXCLUDED.tick_size,
				updated_at = NOW()`)
		if err != nil {
			return fmt.Errorf("failed to prepare instrument upsert: %w", err)
		}
		defer stmt.Close()

		for _, in := range batch {
			if _, err := stmt.ExecContext(ctx,
				brokerCode, in.Exchange, in.TradingSymbol, in.Name,
				in.InstrumentType, in.Token, in.LotSize, in.TickSize); err != nil {
				return fmt.Errorf("failed to upsert instrument %s: %w", in.TradingSymbol, err)
			}
		}
		return nil
	})
}

// Search ranks prefix matches before substring matches, tie-breaking on
// symbol order.
func (r *instrumentsRepo) Search(ctx context.Context, query string, limit int) ([]domain.Instrument, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sqlQuery := `
		SELECT ` + instrumentColumns + `
		FROM instruments
		WHERE trading_symbol ILIKE '%' || $1 || '%' OR name ILIKE '%' || $1 || '%'
		ORDER BY CASE WHEN trading_symbol ILIKE $1 || '%' THEN 0 ELSE 1 END,
			trading_symbol ASC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, sqlQuery, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search instruments: %w", err)
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		in, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instrument rows: %w", err)
	}
	return out, nil
}

func (r *instrumentsRepo) FindBySymbol(ctx context.Context, brokerCode, exchange, tradingSymbol string) (*domain.Instrument, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + instrumentColumns + ` FROM instruments
		WHERE broker_code = $1 AND exchange = $2 AND trading_symbol = $3`

	out, err := scanInstrument(r.db.QueryRowxContext(ctx, query, brokerCode, exchange, tradingSymbol))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find instrument: %w", err)
	}
	return out, nil
}

func scanInstrument(row rowScanner) (*domain.Instrument, error) {
	var in domain.Instrument
	err := row.Scan(
		&in.ID, &in.BrokerCode, &in.Exchange, &in.TradingSymbol, &in.Name,
		&in.InstrumentType, &in.Token, &in.LotSize, &in.TickSize, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &in, nil
}
