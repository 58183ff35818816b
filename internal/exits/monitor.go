package exits

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mtflow/mtflow/internal/broker"
	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/monitoring"
	"github.com/mtflow/mtflow/internal/persistence"
	"github.com/mtflow/mtflow/internal/watchlist"
)

const lnPrecision = 16

// Monitor consumes the live tick stream and drives exit detection for open
// trades. Each tick updates the watchlist snapshot and the trade's live
// columns, then runs the exit rules.
type Monitor struct {
	repo       *persistence.Repository
	pipeline   *Pipeline
	watchlists *watchlist.Service
	metrics    *monitoring.MetricsRegistry
	logger     zerolog.Logger
}

func NewMonitor(repo *persistence.Repository, pipeline *Pipeline, watchlists *watchlist.Service, logger zerolog.Logger) *Monitor {
	return &Monitor{
		repo:       repo,
		pipeline:   pipeline,
		watchlists: watchlists,
		logger:     logger.With().Str("component", "exit_monitor").Logger(),
	}
}

// SetMetrics attaches the metrics registry. Optional.
func (m *Monitor) SetMetrics(metrics *monitoring.MetricsRegistry) {
	m.metrics = metrics
}

// Run drains the tick channel until the context ends or the channel closes.
// Per-tick failures are logged and skipped; the stream must keep moving.
func (m *Monitor) Run(ctx context.Context, ticks <-chan broker.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			m.handle(ctx, t)
		}
	}
}

func (m *Monitor) handle(ctx context.Context, t broker.Tick) {
	if m.metrics != nil {
		m.metrics.TicksReceived.Inc()
	}
	price := domain.RoundPrice(t.LastPrice)
	if !price.IsPositive() {
		return
	}

	m.watchlists.RecordTick(ctx, t.Symbol, price, t.At)

	trades, err := m.repo.Trades.ListOpenBySymbol(ctx, t.Symbol)
	if err != nil {
		m.logger.Error().Err(err).Str("symbol", t.Symbol).Msg("open trade lookup failed")
		return
	}

	for i := range trades {
		m.evaluate(ctx, &trades[i], price)
	}
}

func (m *Monitor) evaluate(ctx context.Context, trade *domain.Trade, price decimal.Decimal) {
	// EXITING trades still track live state but never re-trigger detection.
	if trade.EntryPrice == nil || !trade.EntryPrice.IsPositive() {
		return
	}

	cfg, err := m.repo.Config.Effective(ctx, trade.Symbol, trade.UserBrokerID)
	if err != nil {
		m.logger.Error().Err(err).Str("trade_id", trade.ID).Msg("effective config lookup failed")
		return
	}

	var det *Detection
	update := TrailingUpdate{Trailing: trade.Trailing}
	if trade.Status == domain.TradeOpen {
		det, update = EvaluateTick(trade, *cfg, price)
	}

	ratio := price.Div(*trade.EntryPrice)
	move := price.Sub(*trade.EntryPrice)
	if trade.IsShort() {
		ratio = trade.EntryPrice.Div(price)
		move = move.Neg()
	}
	logReturn := decimal.Zero
	if r, lerr := ratio.Ln(lnPrecision); lerr == nil {
		logReturn = r
	}
	unrealized := move.Mul(decimal.NewFromInt(trade.Quantity))

	if err := m.repo.Trades.UpdateLiveState(ctx, trade.ID, price, logReturn, unrealized, update.Trailing); err != nil {
		m.logger.Warn().Err(err).Str("trade_id", trade.ID).Msg("live state update failed")
	}

	if det == nil {
		return
	}

	if _, err := m.pipeline.Action(ctx, trade.ID, *det); err != nil {
		m.logger.Error().Err(err).
			Str("trade_id", trade.ID).
			Str("reason", det.Reason).
			Msg("exit action failed")
		return
	}

	m.logger.Info().
		Str("trade_id", trade.ID).
		Str("symbol", trade.Symbol).
		Str("reason", det.Reason).
		Str("price", price.String()).
		Msg("exit detected")
}
