package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/persistence"
)

const eventColumns = `seq, event_type, scope, user_id, broker_id, user_broker_id,
	payload, signal_id, intent_id, trade_id, order_id, created_at, created_by`

const defaultTailLimit = 500

type eventsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewEventsRepo creates the PostgreSQL append-only event log repository.
func NewEventsRepo(db *sqlx.DB, timeout time.Duration) persistence.EventsRepo {
	return &eventsRepo{db: db, timeout: timeout}
}

// Append writes one event; seq comes from the table's sequence so ordering
// is assigned server-side.
func (r *eventsRepo) Append(ctx context.Context, ev domain.TradeEvent) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	query := `
		INSERT INTO trade_events (event_type, scope, user_id, broker_id, user_broker_id,
			payload, signal_id, intent_id, trade_id, order_id, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), $11)
		RETURNING seq`

	var seq int64
	err := r.db.QueryRowxContext(ctx, query,
		ev.EventType, ev.Scope, ev.UserID, ev.BrokerID, ev.UserBrokerID,
		[]byte(payload), ev.SignalID, ev.IntentID, ev.TradeID, ev.OrderID,
		ev.CreatedBy).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to append trade event: %w", err)
	}
	return seq, nil
}

// TailAll returns every event past the cursor, oldest first.
func (r *eventsRepo) TailAll(ctx context.Context, f domain.EventFilter) ([]domain.TradeEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM trade_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2`

	return r.tail(ctx, query, f.AfterSeq, tailLimit(f))
}

// TailUser returns GLOBAL events plus the user's own USER events.
func (r *eventsRepo) TailUser(ctx context.Context, f domain.EventFilter) ([]domain.TradeEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM trade_events
		WHERE seq > $1
		  AND (scope = 'GLOBAL' OR (scope = 'USER' AND user_id = $3))
		ORDER BY seq ASC
		LIMIT $2`

	return r.tail(ctx, query, f.AfterSeq, tailLimit(f), f.UserID)
}

// TailUserBroker widens TailUser with the user-broker's USER_BROKER events.
func (r *eventsRepo) TailUserBroker(ctx context.Context, f domain.EventFilter) ([]domain.TradeEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM trade_events
		WHERE seq > $1
		  AND (scope = 'GLOBAL'
		       OR (scope = 'USER' AND user_id = $3)
		       OR (scope = 'USER_BROKER' AND user_broker_id = $4))
		ORDER BY seq ASC
		LIMIT $2`

	return r.tail(ctx, query, f.AfterSeq, tailLimit(f), f.UserID, f.UserBrokerID)
}

func (r *eventsRepo) LatestSeq(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var seq int64
	query := `SELECT COALESCE(MAX(seq), 0) FROM trade_events`
	if err := r.db.QueryRowxContext(ctx, query).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read latest seq: %w", err)
	}
	return seq, nil
}

func (r *eventsRepo) tail(ctx context.Context, query string, args ...interface{}) ([]domain.TradeEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to tail trade events: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeEvent
	for rows.Next() {
		var ev domain.TradeEvent
		var payload []byte
		err := rows.Scan(&ev.Seq, &ev.EventType, &ev.Scope,
			&ev.UserID, &ev.BrokerID, &ev.UserBrokerID,
			&payload, &ev.SignalID, &ev.IntentID, &ev.TradeID, &ev.OrderID,
			&ev.CreatedAt, &ev.CreatedBy)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade event: %w", err)
		}
		ev.Payload = append([]byte(nil), payload...)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}
	return out, nil
}

func tailLimit(f domain.EventFilter) int {
	if f.Limit <= 0 {
		return defaultTailLimit
	}
	return f.Limit
}
