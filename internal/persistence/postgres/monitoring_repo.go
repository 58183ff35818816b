package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/mtflow/mtflow/internal/persistence"
)

type monitoringRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMonitoringRepo creates the read-only operational counts repository.
// Every count degrades to zero with a warn log on failure so dashboards
// never take the caller down.
func NewMonitoringRepo(db *sqlx.DB, timeout time.Duration) persistence.MonitoringRepo {
	return &monitoringRepo{db: db, timeout: timeout}
}

func (r *monitoringRepo) CountExpiredSessions(ctx context.Context) int64 {
	query := `
		SELECT COUNT(*) FROM user_broker_sessions
		WHERE session_status = 'ACTIVE' AND token_valid_till < NOW() AND deleted_at IS NULL`
	return r.count(ctx, "expired_sessions", query)
}

func (r *monitoringRepo) CountSessionsExpiringWithin(ctx context.Context, window time.Duration) int64 {
	query := `
		SELECT COUNT(*) FROM user_broker_sessions
		WHERE session_status = 'ACTIVE'
		  AND token_valid_till >= NOW()
		  AND token_valid_till < NOW() + $1::interval
		  AND deleted_at IS NULL`
	return r.count(ctx, "sessions_expiring", query, window.String())
}

func (r *monitoringRepo) CountStuckExitIntents(ctx context.Context, olderThan time.Duration) int64 {
	query := `
		SELECT COUNT(*) FROM exit_intents
		WHERE status IN ('PENDING', 'APPROVED', 'PLACED')
		  AND updated_at < NOW() - $1::interval
		  AND deleted_at IS NULL`
	return r.count(ctx, "stuck_exit_intents", query, olderThan.String())
}

func (r *monitoringRepo) CountOpenTrades(ctx context.Context) int64 {
	query := `
		SELECT COUNT(*) FROM trades
		WHERE status IN ('OPEN', 'EXITING') AND deleted_at IS NULL`
	return r.count(ctx, "open_trades", query)
}

func (r *monitoringRepo) CountClosedToday(ctx context.Context) int64 {
	query := `
		SELECT COUNT(*) FROM trades
		WHERE status = 'CLOSED'
		  AND exited_at >= date_trunc('day', NOW())
		  AND deleted_at IS NULL`
	return r.count(ctx, "closed_today", query)
}

func (r *monitoringRepo) DailyWinLoss(ctx context.Context) (int64, int64) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT
			COUNT(*) FILTER (WHERE realized_pnl > 0),
			COUNT(*) FILTER (WHERE realized_pnl <= 0)
		FROM trades
		WHERE status = 'CLOSED'
		  AND exited_at >= date_trunc('day', NOW())
		  AND deleted_at IS NULL`

	var wins, losses int64
	if err := r.db.QueryRowxContext(ctx, query).Scan(&wins, &losses); err != nil {
		log.Warn().Err(err).Str("metric", "daily_win_loss").Msg("monitoring count failed")
		return 0, 0
	}
	return wins, losses
}

func (r *monitoringRepo) count(ctx context.Context, metric, query string, args ...interface{}) int64 {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int64
	if err := r.db.QueryRowxContext(ctx, query, args...).Scan(&n); err != nil {
		log.Warn().Err(err).Str("metric", metric).Msg("monitoring count failed")
		return 0
	}
	return n
}
