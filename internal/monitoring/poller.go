package monitoring

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mtflow/mtflow/internal/persistence"
)

const (
	sessionWarningWindow = 30 * time.Minute
	exitStuckThreshold   = 2 * time.Minute
)

// Poller refreshes the database-backed health gauges on a fixed cadence.
type Poller struct {
	repo     persistence.MonitoringRepo
	metrics  *MetricsRegistry
	interval time.Duration
	logger   zerolog.Logger
}

func NewPoller(repo persistence.MonitoringRepo, metrics *MetricsRegistry, interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		repo:     repo,
		metrics:  metrics,
		interval: interval,
		logger:   logger.With().Str("component", "monitoring").Logger(),
	}
}

// Run refreshes once immediately, then on every tick until ctx ends.
func (p *Poller) Run(ctx context.Context) {
	p.Refresh(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}

// Refresh pulls all health counts and sets the gauges. Count queries log
// and return zero on failure, so a degraded database reads as zeros here.
func (p *Poller) Refresh(ctx context.Context) {
	p.metrics.ExpiredSessions.Set(float64(p.repo.CountExpiredSessions(ctx)))
	p.metrics.ExpiringSessions.Set(float64(p.repo.CountSessionsExpiringWithin(ctx, sessionWarningWindow)))
	p.metrics.StuckExitIntents.Set(float64(p.repo.CountStuckExitIntents(ctx, exitStuckThreshold)))
	p.metrics.OpenTrades.Set(float64(p.repo.CountOpenTrades(ctx)))
	p.metrics.ClosedToday.Set(float64(p.repo.CountClosedToday(ctx)))

	wins, losses := p.repo.DailyWinLoss(ctx)
	p.metrics.DailyWins.Set(float64(wins))
	p.metrics.DailyLosses.Set(float64(losses))
}

// Snapshot is the JSON view served by the monitoring endpoint.
type Snapshot struct {
	ExpiredSessions  int64 `json:"expired_sessions"`
	ExpiringSessions int64 `json:"sessions_expiring_soon"`
	StuckExitIntents int64 `json:"stuck_exit_intents"`
	OpenTrades       int64 `json:"open_trades"`
	ClosedToday      int64 `json:"closed_today"`
	DailyWins        int64 `json:"daily_wins"`
	DailyLosses      int64 `json:"daily_losses"`
}

func (p *Poller) SnapshotNow(ctx context.Context) Snapshot {
	wins, losses := p.repo.DailyWinLoss(ctx)
	return Snapshot{
		ExpiredSessions:  p.repo.CountExpiredSessions(ctx),
		ExpiringSessions: p.repo.CountSessionsExpiringWithin(ctx, sessionWarningWindow),
		StuckExitIntents: p.repo.CountStuckExitIntents(ctx, exitStuckThreshold),
		OpenTrades:       p.repo.CountOpenTrades(ctx),
		ClosedToday:      p.repo.CountClosedToday(ctx),
		DailyWins:        wins,
		DailyLosses:      losses,
	}
}
