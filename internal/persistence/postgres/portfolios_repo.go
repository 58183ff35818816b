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

const portfolioColumns = `portfolio_id, user_id, name, total_capital, reserved_capital,
	max_portfolio_log_loss, max_symbol_weight, max_symbols, allocation_mode,
	status, paused, created_at, updated_at, deleted_at, version`

type portfoliosRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPortfoliosRepo creates the PostgreSQL portfolios repository.
func NewPortfoliosRepo(db *sqlx.DB, timeout time.Duration) persistence.PortfoliosRepo {
	return &portfoliosRepo{db: db, timeout: timeout}
}

func (r *portfoliosRepo) Insert(ctx context.Context, p domain.Portfolio) (*domain.Portfolio, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO portfolios (portfolio_id, user_id, name, total_capital, reserved_capital,
			max_portfolio_log_loss, max_symbol_weight, max_symbols, allocation_mode,
			status, paused, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW(), 1)
		RETURNING ` + portfolioColumns

	out, err := scanPortfolio(r.db.QueryRowxContext(ctx, query,
		p.ID, p.UserID, p.Name, p.TotalCapital, p.ReservedCapital,
		p.MaxPortfolioLogLoss, p.MaxSymbolWeight, p.MaxSymbols, p.AllocationMode,
		p.Status, p.Paused))
	if err != nil {
		return nil, fmt.Errorf("failed to insert portfolio: %w", err)
	}
	return out, nil
}

func (r *portfoliosRepo) Update(ctx context.Context, p domain.Portfolio) (*domain.Portfolio, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := inTx(ctx, r.db, func(tx *sqlx.Tx) error {
		version, err := softDeleteCurrent(ctx, tx, "portfolios", "portfolio_id", p.ID)
		if err != nil {
			return err
		}

		query := `
			INSERT INTO portfolios (portfolio_id, user_id, name, total_capital, reserved_capital,
				max_portfolio_log_loss, max_symbol_weight, max_symbols, allocation_mode,
				status, paused, created_at, updated_at, version)
			SELECT portfolio_id, user_id, $2, $3, $4, $5, $6, $7, $8, $9, $10,
				created_at, NOW(), $11
			FROM portfolios
			WHERE portfolio_id = $1 AND version = $12`

		if _, err := tx.ExecContext(ctx, query,
			p.ID, p.Name, p.TotalCapital, p.ReservedCapital,
			p.MaxPortfolioLogLoss, p.MaxSymbolWeight, p.MaxSymbols, p.AllocationMode,
			p.Status, p.Paused, version+1, version); err != nil {
			return fmt.Errorf("failed to insert portfolio version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r.FindByID(ctx, p.ID)
}

func (r *portfoliosRepo) FindByID(ctx context.Context, id string) (*domain.Portfolio, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + portfolioColumns + ` FROM portfolios
		WHERE portfolio_id = $1 AND deleted_at IS NULL`

	out, err := scanPortfolio(r.db.QueryRowxContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find portfolio: %w", err)
	}
	return out, nil
}

func (r *portfoliosRepo) List(ctx context.Context, userID string) ([]domain.Portfolio, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + portfolioColumns + ` FROM portfolios
		WHERE deleted_at IS NULL`
	args := []interface{}{}
	if userID != "" {
		query += ` AND user_id = $1`
		args = append(args, userID)
	}
	query += ` ORDER BY name ASC`

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list portfolios: %w", err)
	}
	defer rows.Close()

	var out []domain.Portfolio
	for rows.Next() {
		p, err := scanPortfolio(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating portfolio rows: %w", err)
	}
	return out, nil
}

func scanPortfolio(row rowScanner) (*domain.Portfolio, error) {
	var p domain.Portfolio
	err := row.Scan(
		&p.ID, &p.UserID, &p.Name, &p.TotalCapital, &p.ReservedCapital,
		&p.MaxPortfolioLogLoss, &p.MaxSymbolWeight, &p.MaxSymbols, &p.AllocationMode,
		&p.Status, &p.Paused, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt, &p.Version)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
