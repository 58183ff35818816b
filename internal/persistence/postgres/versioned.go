package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mtflow/mtflow/internal/domain"
)

// uniqueViolation is the Postgres error code raised on unique index
// conflicts; repos translate it where a conflict is a domain outcome.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == uniqueViolation
}

// softDeleteCurrent performs the optimistic half of the immutable-audit
// update inside tx: read the current version, then soft-delete exactly that
// (id, version) row. Returns the consumed version; ErrNotFound when no
// current row exists, ErrVersionConflict when a concurrent writer took the
// version between read and write.
func softDeleteCurrent(ctx context.Context, tx *sqlx.Tx, table, idColumn, id string) (int, error) {
	var version int
	query := fmt.Sprintf(
		`SELECT version FROM %s WHERE %s = $1 AND deleted_at IS NULL`, table, idColumn)
	if err := tx.QueryRowxContext(ctx, query, id).Scan(&version); err != nil {
		if err == sql.ErrNoRows {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("failed to read current version of %s: %w", table, err)
	}

	del := fmt.Sprintf(
		`UPDATE %s SET deleted_at = NOW() WHERE %s = $1 AND version = $2 AND deleted_at IS NULL`,
		table, idColumn)
	res, err := tx.ExecContext(ctx, del, id, version)
	if err != nil {
		return 0, fmt.Errorf("failed to soft-delete %s: %w", table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return 0, domain.ErrVersionConflict
	}
	return version, nil
}

// inTx runs fn inside a transaction, rolling back on error.
func inTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// mustJSON marshals a value for a JSONB column. Marshal failures on our own
// domain structs indicate a programming error, so they surface as errors to
// the caller rather than panics.
func mustJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSONB payload: %w", err)
	}
	return b, nil
}

func unmarshalInto(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// qualify prefixes every column of a comma-separated column list with a
// table alias, for joined selects that reuse the shared column constants.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// toNullDec / fromNullDec bridge nullable NUMERIC columns and optional
// decimal fields.
func toNullDec(p *decimal.Decimal) decimal.NullDecimal {
	if p == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *p, Valid: true}
}

func fromNullDec(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}
