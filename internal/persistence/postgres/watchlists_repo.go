package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/persistence"
)

const templateColumns = `template_id, name, symbols, enabled,
	created_at, updated_at, deleted_at, version`

const selectedColumns = `selected_id, name, template_id, symbols, enabled,
	created_at, updated_at, deleted_at, version`

const entryColumns = `watchlist_id, user_broker_id, symbol, lot_size, tick_size,
	is_custom, enabled, last_synced_at, last_price, last_tick_time,
	created_at, updated_at, deleted_at, version`

type watchlistsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewWatchlistsRepo creates the PostgreSQL watchlist hierarchy repository.
func NewWatchlistsRepo(db *sqlx.DB, timeout time.Duration) persistence.WatchlistsRepo {
	return &watchlistsRepo{db: db, timeout: timeout}
}

// --- Level 1: templates ---

func (r *watchlistsRepo) InsertTemplate(ctx context.Context, t domain.WatchlistTemplate) (*domain.WatchlistTemplate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	symbols, err := mustJSON(t.Symbols)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO watchlist_templates (template_id, name, symbols, enabled,
			created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, NOW(), NOW(), 1)
		RETURNING ` + templateColumns

	out, err := scanTemplate(r.db.QueryRowxContext(ctx, query, t.ID, t.Name, symbols, t.Enabled))
	if err != nil {
		return nil, fmt.Errorf("failed to insert watchlist template: %w", err)
	}
	return out, nil
}

func (r *watchlistsRepo) ListTemplates(ctx context.Context) ([]domain.WatchlistTemplate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + templateColumns + ` FROM watchlist_templates
		WHERE deleted_at IS NULL
		ORDER BY name ASC`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var out []domain.WatchlistTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating template rows: %w", err)
	}
	return out, nil
}

func (r *watchlistsRepo) FindTemplate(ctx context.Context, id string) (*domain.WatchlistTemplate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + templateColumns + ` FROM watchlist_templates
		WHERE template_id = $1 AND deleted_at IS NULL`

	out, err := scanTemplate(r.db.QueryRowxContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find template: %w", err)
	}
	return out, nil
}

// AddTemplateSymbols appends through the immutable pattern: the current
// version is soft-deleted and the merged symbol list written as version+1.
func (r *watchlistsRepo) AddTemplateSymbols(ctx context.Context, id string, symbols []string) error {
	return r.mutateTemplateSymbols(ctx, id, func(current []string) []string {
		seen := make(map[string]bool, len(current))
		merged := append([]string{}, current...)
		for _, s := range current {
			seen[s] = true
		}
		for _, s := range symbols {
			if !seen[s] {
				merged = append(merged, s)
				seen[s] = true
			}
		}
		return merged
	})
}

func (r *watchlistsRepo) RemoveTemplateSymbol(ctx context.Context, id, symbol string) error {
	return r.mutateTemplateSymbols(ctx, id, func(current []string) []string {
		out := current[:0]
		for _, s := range current {
			if s != symbol {
				out = append(out, s)
			}
		}
		return out
	})
}

func (r *watchlistsRepo) mutateTemplateSymbols(ctx context.Context, id string, mutate func([]string) []string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var raw []byte
		read := `SELECT symbols FROM watchlist_templates
			WHERE template_id = $1 AND deleted_at IS NULL`
		if err := tx.QueryRowxContext(ctx, read, id).Scan(&raw); err != nil {
			if err == sql.ErrNoRows {
				return domain.ErrNotFound
			}
			return fmt.Errorf("failed to read template symbols: %w", err)
		}

		var current []string
		if err := unmarshalInto(raw, &current); err != nil {
			return fmt.Errorf("failed to unmarshal template symbols: %w", err)
		}

		version, err := softDeleteCurrent(ctx, tx, "watchlist_templates", "template_id", id)
		if err != nil {
			return err
		}

		merged, err := mustJSON(mutate(current))
		if err != nil {
			return err
		}

		copyForward := `
			INSERT INTO watchlist_templates (template_id, name, symbols, enabled,
				created_at, updated_at, version)
			SELECT template_id, name, $2, enabled, created_at, NOW(), $3
			FROM watchlist_templates
			WHERE template_id = $1 AND version = $4`
		if _, err := tx.ExecContext(ctx, copyForward, id, merged, version+1, version); err != nil {
			return fmt.Errorf("failed to write template symbols: %w", err)
		}
		return nil
	})
}

// --- Level 2: selected ---

func (r *watchlistsRepo) InsertSelected(ctx context.Context, s domain.WatchlistSelected) (*domain.WatchlistSelected, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	symbols, err := mustJSON(s.Symbols)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO watchlist_selected (selected_id, name, template_id, symbols, enabled,
			created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), 1)
		RETURNING ` + selectedColumns

	out, err := scanSelected(r.db.QueryRowxContext(ctx, query,
		s.ID, s.Name, s.TemplateID, symbols, s.Enabled))
	if err != nil {
		return nil, fmt.Errorf("failed to insert selected watchlist: %w", err)
	}
	return out, nil
}

func (r *watchlistsRepo) ListSelected(ctx context.Context) ([]domain.WatchlistSelected, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + selectedColumns + ` FROM watchlist_selected
		WHERE deleted_at IS NULL
		ORDER BY name ASC`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list selected watchlists: %w", err)
	}
	defer rows.Close()

	var out []domain.WatchlistSelected
	for rows.Next() {
		s, err := scanSelected(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating selected rows: %w", err)
	}
	return out, nil
}

func (r *watchlistsRepo) FindSelected(ctx context.Context, id string) (*domain.WatchlistSelected, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + selectedColumns + ` FROM watchlist_selected
		WHERE selected_id = $1 AND deleted_at IS NULL`

	out, err := scanSelected(r.db.QueryRowxContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find selected watchlist: %w", err)
	}
	return out, nil
}

func (r *watchlistsRepo) DeleteSelected(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		_, err := softDeleteCurrent(ctx, tx, "watchlist_selected", "selected_id", id)
		return err
	})
}

// DefaultSymbols is the Level-3 view: the distinct union of symbols across
// enabled Level-2 watchlists.
func (r *watchlistsRepo) DefaultSymbols(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT jsonb_array_elements_text(symbols) AS symbol
		FROM watchlist_selected
		WHERE enabled = TRUE AND deleted_at IS NULL
		ORDER BY symbol ASC`

	var out []string
	if err := r.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to compute default watchlist: %w", err)
	}
	return out, nil
}

// --- Level 4: per-user-broker entries ---

// UpsertEntry inserts a new row or resurrects a soft-deleted one: the
// conflict branch clears deleted_at, bumps version and preserves the
// original id. is_custom only ever widens (sync never demotes a custom row).
func (r *watchlistsRepo) UpsertEntry(ctx context.Context, e domain.WatchlistEntry) (*domain.WatchlistEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO watchlists (watchlist_id, user_broker_id, symbol, lot_size, tick_size,
			is_custom, enabled, last_synced_at, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW(), 1)
		ON CONFLICT (user_broker_id, symbol)
		DO UPDATE SET
			deleted_at = NULL,
			lot_size = EXCLUDED.lot_size,
			tick_size = EXCLUDED.tick_size,
			is_custom = watchlists.is_custom OR EXCLUDED.is_custom,
			enabled = EXCLUDED.enabled,
			last_synced_at = COALESCE(EXCLUDED.last_synced_at, watchlists.last_synced_at),
			updated_at = NOW(),
			version = watchlists.version + 1
		RETURNING ` + entryColumns

	out, err := scanEntry(r.db.QueryRowxContext(ctx, query,
		e.ID, e.UserBrokerID, e.Symbol, e.LotSize, e.TickSize,
		e.IsCustom, e.Enabled, e.LastSyncedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert watchlist entry: %w", err)
	}
	return out, nil
}

func (r *watchlistsRepo) ListEntries(ctx context.Context, userBrokerID string) ([]domain.WatchlistEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + entryColumns + ` FROM watchlists
		WHERE user_broker_id = $1 AND deleted_at IS NULL
		ORDER BY symbol ASC`

	rows, err := r.db.QueryxContext(ctx, query, userBrokerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list watchlist entries: %w", err)
	}
	defer rows.Close()

	var out []domain.WatchlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating watchlist rows: %w", err)
	}
	return out, nil
}

func (r *watchlistsRepo) DeleteEntry(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE watchlists
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE watchlist_id = $1 AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete watchlist entry: %w", err)
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

func (r *watchlistsRepo) ToggleEntry(ctx context.Context, id string, enabled bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE watchlists
		SET enabled = $2, updated_at = NOW()
		WHERE watchlist_id = $1 AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to toggle watchlist entry: %w", err)
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

// DeleteSyncedNotIn soft-deletes synced (non-custom) rows that fell out of
// the default set. Custom rows are never touched by sync.
func (r *watchlistsRepo) DeleteSyncedNotIn(ctx context.Context, userBrokerID string, keep []string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE watchlists
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE user_broker_id = $1
		  AND is_custom = FALSE
		  AND deleted_at IS NULL
		  AND NOT (symbol = ANY($2))`

	res, err := r.db.ExecContext(ctx, query, userBrokerID, pq.Array(keep))
	if err != nil {
		return 0, fmt.Errorf("failed to prune synced watchlist rows: %w", err)
	}
	return res.RowsAffected()
}

// UpdateTick is the tick-handler hot path: one statement across all current
// rows for the symbol.
func (r *watchlistsRepo) UpdateTick(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE watchlists
		SET last_price = $2, last_tick_time = $3
		WHERE symbol = $1 AND deleted_at IS NULL`

	res, err := r.db.ExecContext(ctx, query, symbol, price, at)
	if err != nil {
		return 0, fmt.Errorf("failed to update tick: %w", err)
	}
	return res.RowsAffected()
}

func scanTemplate(row rowScanner) (*domain.WatchlistTemplate, error) {
	var t domain.WatchlistTemplate
	var symbols []byte

	err := row.Scan(&t.ID, &t.Name, &symbols, &t.Enabled,
		&t.CreatedAt, &t.UpdatedAt, &t.DeletedAt, &t.Version)
	if err != nil {
		return nil, err
	}
	if err := unmarshalInto(symbols, &t.Symbols); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template symbols: %w", err)
	}
	return &t, nil
}

func scanSelected(row rowScanner) (*domain.WatchlistSelected, error) {
	var s domain.WatchlistSelected
	var symbols []byte

	err := row.Scan(&s.ID, &s.Name, &s.TemplateID, &symbols, &s.Enabled,
		&s.CreatedAt, &s.UpdatedAt, &s.DeletedAt, &s.Version)
	if err != nil {
		return nil, err
	}
	if err := unmarshalInto(symbols, &s.Symbols); err != nil {
		return nil, fmt.Errorf("failed to unmarshal selected symbols: %w", err)
	}
	return &s, nil
}

func scanEntry(row rowScanner) (*domain.WatchlistEntry, error) {
	var e domain.WatchlistEntry
	var lastPrice decimal.NullDecimal

	err := row.Scan(&e.ID, &e.UserBrokerID, &e.Symbol, &e.LotSize, &e.TickSize,
		&e.IsCustom, &e.Enabled, &e.LastSyncedAt, &lastPrice, &e.LastTickTime,
		&e.CreatedAt, &e.UpdatedAt, &e.DeletedAt, &e.Version)
	if err != nil {
		return nil, err
	}
	e.LastPrice = fromNullDec(lastPrice)
	return &e, nil
}
