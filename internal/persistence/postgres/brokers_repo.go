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

const brokerColumns = `broker_id, broker_code, broker_name, adapter_class, capabilities, status,
	created_at, updated_at, deleted_at, version`

type brokersRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBrokersRepo creates the PostgreSQL broker registry repository.
func NewBrokersRepo(db *sqlx.DB, timeout time.Duration) persistence.BrokersRepo {
	return &brokersRepo{db: db, timeout: timeout}
}

func (r *brokersRepo) List(ctx context.Context) ([]domain.Broker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + brokerColumns + ` FROM brokers
		WHERE deleted_at IS NULL
		ORDER BY broker_code ASC`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list brokers: %w", err)
	}
	defer rows.Close()

	var out []domain.Broker
	for rows.Next() {
		b, err := scanBroker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating broker rows: %w", err)
	}
	return out, nil
}

func (r *brokersRepo) FindByID(ctx context.Context, id string) (*domain.Broker, error) {
	return r.findOne(ctx, `broker_id = $1`, id)
}

func (r *brokersRepo) FindByCode(ctx context.Context, code string) (*domain.Broker, error) {
	return r.findOne(ctx, `broker_code = $1`, code)
}

func (r *brokersRepo) findOne(ctx context.Context, where, arg string) (*domain.Broker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + brokerColumns + ` FROM brokers
		WHERE ` + where + ` AND deleted_at IS NULL`

	out, err := scanBroker(r.db.QueryRowxContext(ctx, query, arg))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find broker: %w", err)
	}
	return out, nil
}

func scanBroker(row rowScanner) (*domain.Broker, error) {
	var b domain.Broker
	var caps []byte

	err := row.Scan(
		&b.ID, &b.Code, &b.Name, &b.AdapterClass, &caps, &b.Status,
		&b.CreatedAt, &b.UpdatedAt, &b.DeletedAt, &b.Version)
	if err != nil {
		return nil, err
	}

	if err := unmarshalInto(caps, &b.Capabilities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal broker capabilities: %w", err)
	}
	return &b, nil
}
