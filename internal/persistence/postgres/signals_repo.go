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

const signalColumns = `signal_id, symbol, confluence_type, direction, signal_type,
	signal_day, effective_floor, effective_ceiling, htf, itf, ltf,
	p_win, p_fill, kelly, ref_price, entry_low, entry_high, confidence, tags,
	generated_at, expires_at, status, created_at, updated_at, deleted_at, version`

type signalsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSignalsRepo creates the PostgreSQL signals repository.
func NewSignalsRepo(db *sqlx.DB, timeout time.Duration) persistence.SignalsRepo {
	return &signalsRepo{db: db, timeout: timeout}
}

// Upsert is the idempotent ingest path, keyed by the dedupe tuple
// (symbol, confluence_type, signal_day, effective_floor, effective_ceiling).
// Band endpoints are normalized to the 2-decimal half-up scale before they
// touch the key. The conflict branch forces status back to ACTIVE without
// bumping version; the INSERT winner's row is canonical either way.
func (r *signalsRepo) Upsert(ctx context.Context, sig domain.Signal) (*domain.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sig.EffectiveFloor = domain.RoundPrice(sig.EffectiveFloor)
	sig.EffectiveCeiling = domain.RoundPrice(sig.EffectiveCeiling)

	htf, err := mustJSON(sig.HTF)
	if err != nil {
		return nil, err
	}
	itf, err := mustJSON(sig.ITF)
	if err != nil {
		return nil, err
	}
	ltf, err := mustJSON(sig.LTF)
	if err != nil {
		return nil, err
	}
	tags, err := mustJSON(sig.Tags)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO signals (signal_id, symbol, confluence_type, direction, signal_type,
			signal_day, effective_floor, effective_ceiling, htf, itf, ltf,
			p_win, p_fill, kelly, ref_price, entry_low, entry_high, confidence, tags,
			generated_at, expires_at, status, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, NOW(), NOW(), 1)
		ON CONFLICT (symbol, confluence_type, signal_day, effective_floor, effective_ceiling)
			WHERE deleted_at IS NULL
		DO UPDATE SET status = 'ACTIVE', updated_at = NOW()
		RETURNING ` + signalColumns

	row := r.db.QueryRowxContext(ctx, query,
		sig.ID, sig.Symbol, sig.ConfluenceType, sig.Direction, sig.SignalType,
		sig.SignalDay, sig.EffectiveFloor, sig.EffectiveCeiling, htf, itf, ltf,
		sig.PWin, sig.PFill, sig.Kelly, sig.RefPrice,
		toNullDec(sig.EntryLow), toNullDec(sig.EntryHigh),
		sig.Confidence, tags, sig.GeneratedAt, sig.ExpiresAt, domain.SignalActive)

	out, err := scanSignal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert signal: %w", err)
	}
	return out, nil
}

func (r *signalsRepo) FindByID(ctx context.Context, id string) (*domain.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + signalColumns + ` FROM signals
		WHERE signal_id = $1 AND deleted_at IS NULL`

	out, err := scanSignal(r.db.QueryRowxContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find signal: %w", err)
	}
	return out, nil
}

func (r *signalsRepo) ListByStatus(ctx context.Context, status domain.SignalStatus, limit int) ([]domain.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + signalColumns + ` FROM signals
		WHERE status = $1 AND deleted_at IS NULL
		ORDER BY generated_at DESC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals by status: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

// FindVersions returns the full audit trail for one signal, oldest first,
// without the current-row filter.
func (r *signalsRepo) FindVersions(ctx context.Context, id string) ([]domain.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + signalColumns + ` FROM signals
		WHERE signal_id = $1
		ORDER BY version ASC`

	rows, err := r.db.QueryxContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list signal versions: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

// UpdateStatus applies a terminal transition through the immutable pattern:
// soft-delete the current version, then copy it forward with the new status
// and version+1, all in one transaction.
func (r *signalsRepo) UpdateStatus(ctx context.Context, id string, status domain.SignalStatus) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		version, err := softDeleteCurrent(ctx, tx, "signals", "signal_id", id)
		if err != nil {
			return err
		}

		copyForward := `
			INSERT INTO signals (signal_id, symbol, confluence_type, direction, signal_type,
				signal_day, effective_floor, effective_ceiling, htf, itf, ltf,
				p_win, p_fill, kelly, ref_price, entry_low, entry_high, confidence, tags,
				generated_at, expires_at, status, created_at, updated_at, version)
			SELECT signal_id, symbol, confluence_type, direction, signal_type,
				signal_day, effective_floor, effective_ceiling, htf, itf, ltf,
				p_win, p_fill, kelly, ref_price, entry_low, entry_high, confidence, tags,
				generated_at, expires_at, $2, created_at, NOW(), version + 1
			FROM signals
			WHERE signal_id = $1 AND version = $3`

		if _, err := tx.ExecContext(ctx, copyForward, id, status, version); err != nil {
			return fmt.Errorf("failed to write signal status %s: %w", status, err)
		}
		return nil
	})
}

// MarkStaleAll invalidates every ACTIVE signal that no trade references.
// Signals that already produced a trade stay ACTIVE so the audit trail keeps
// the config snapshot they were acted under.
func (r *signalsRepo) MarkStaleAll(ctx context.Context) (int64, error) {
	return r.markStale(ctx, "", nil)
}

func (r *signalsRepo) MarkStaleSymbol(ctx context.Context, symbol string) (int64, error) {
	return r.markStale(ctx, " AND s.symbol = $1", []interface{}{symbol})
}

func (r *signalsRepo) markStale(ctx context.Context, extra string, args []interface{}) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE signals s
		SET status = 'STALE', updated_at = NOW()
		WHERE s.status = 'ACTIVE'
		  AND s.deleted_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM trades t
			WHERE t.signal_id = s.signal_id AND t.deleted_at IS NULL
		  )` + extra

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark signals stale: %w", err)
	}
	return res.RowsAffected()
}

func (r *signalsRepo) FindExpiringSoon(ctx context.Context, window time.Duration) ([]domain.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + signalColumns + ` FROM signals
		WHERE status = 'PUBLISHED'
		  AND deleted_at IS NULL
		  AND expires_at <= NOW() + $1::interval
		ORDER BY expires_at ASC`

	rows, err := r.db.QueryxContext(ctx, query, window.String())
	if err != nil {
		return nil, fmt.Errorf("failed to find expiring signals: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSignal(row rowScanner) (*domain.Signal, error) {
	var s domain.Signal
	var htf, itf, ltf, tags []byte
	var entryLow, entryHigh decimal.NullDecimal

	err := row.Scan(
		&s.ID, &s.Symbol, &s.ConfluenceType, &s.Direction, &s.SignalType,
		&s.SignalDay, &s.EffectiveFloor, &s.EffectiveCeiling, &htf, &itf, &ltf,
		&s.PWin, &s.PFill, &s.Kelly, &s.RefPrice, &entryLow, &entryHigh,
		&s.Confidence, &tags, &s.GeneratedAt, &s.ExpiresAt, &s.Status,
		&s.CreatedAt, &s.UpdatedAt, &s.DeletedAt, &s.Version)
	if err != nil {
		return nil, err
	}
	s.EntryLow = fromNullDec(entryLow)
	s.EntryHigh = fromNullDec(entryHigh)

	if err := unmarshalInto(htf, &s.HTF); err != nil {
		return nil, fmt.Errorf("failed to unmarshal htf band: %w", err)
	}
	if err := unmarshalInto(itf, &s.ITF); err != nil {
		return nil, fmt.Errorf("failed to unmarshal itf band: %w", err)
	}
	if err := unmarshalInto(ltf, &s.LTF); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ltf band: %w", err)
	}
	if err := unmarshalInto(tags, &s.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	return &s, nil
}

func scanSignals(rows *sqlx.Rows) ([]domain.Signal, error) {
	var out []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signal rows: %w", err)
	}
	return out, nil
}
