package exits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mtflow/mtflow/internal/broker"
	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/events"
	"github.com/mtflow/mtflow/internal/monitoring"
	"github.com/mtflow/mtflow/internal/persistence"
)

// stuckAfter is how long a non-terminal exit intent may sit before the
// reconciler retries it.
const stuckAfter = 2 * time.Minute

// maxRetries caps the reconciler's re-placement attempts per exit intent.
const maxRetries = 5

// Pipeline turns detections into episode-numbered exit signals and places
// the exit orders. Repeated detections of the same (trade, reason) get
// fresh episodes; the dedupe lives in the episode allocator, not here.
type Pipeline struct {
	repo     *persistence.Repository
	brokers  *broker.Manager
	recorder *events.Recorder
	metrics  *monitoring.MetricsRegistry
	logger   zerolog.Logger
}

func NewPipeline(repo *persistence.Repository, brokers *broker.Manager, recorder *events.Recorder, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		repo:     repo,
		brokers:  brokers,
		recorder: recorder,
		logger:   logger.With().Str("component", "exits").Logger(),
	}
}

// SetMetrics attaches the metrics registry. Optional.
func (p *Pipeline) SetMetrics(metrics *monitoring.MetricsRegistry) {
	p.metrics = metrics
}

// Action records a detection and drives the exit order out. The episode id
// comes from the locked allocator, so two detectors firing the same reason
// concurrently produce two distinct episodes rather than a conflict.
func (p *Pipeline) Action(ctx context.Context, tradeID string, det Detection) (*domain.ExitIntent, error) {
	trade, err := p.repo.Trades.FindByID(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status != domain.TradeOpen {
		return nil, fmt.Errorf("%w: trade %s is %s, not OPEN", domain.ErrStateConflict, tradeID, trade.Status)
	}

	episode, err := p.repo.Exits.GenerateEpisode(ctx, tradeID, det.Reason)
	if err != nil {
		return nil, fmt.Errorf("episode allocation failed: %w", err)
	}

	sig, err := p.repo.Exits.InsertSignal(ctx, domain.ExitSignal{
		ID:                uuid.NewString(),
		TradeID:           tradeID,
		ExitReason:        det.Reason,
		EpisodeID:         episode,
		Status:            domain.ExitDetected,
		PriceAtDetection:  domain.RoundPrice(det.Price),
		TrailingStopPrice: det.TrailingStopPrice,
		HighestSinceEntry: det.HighestSinceEntry,
		LowestSinceEntry:  det.LowestSinceEntry,
		DetectedAt:        time.Now(),
	})
	if err != nil {
		return nil, err
	}

	p.recorder.UserBroker(ctx, domain.EventExitDetected, "", trade.UserBrokerID, map[string]interface{}{
		"exit_reason": det.Reason,
		"episode_id":  episode,
		"price":       det.Price,
	}, events.Ref{TradeID: &tradeID})

	intent, err := p.repo.Exits.InsertIntent(ctx, domain.ExitIntent{
		ID:           uuid.NewString(),
		ExitSignalID: sig.ID,
		TradeID:      tradeID,
		UserBrokerID: trade.UserBrokerID,
		ExitReason:   det.Reason,
		EpisodeID:    episode,
		Quantity:     trade.Quantity,
		OrderType:    "MARKET",
	})
	if err != nil {
		return nil, err
	}

	if err := p.repo.Exits.MarkIntentApproved(ctx, intent.ID); err != nil {
		return nil, err
	}

	if err := p.placeExit(ctx, trade, intent.ID, det.Reason); err != nil {
		return nil, err
	}
	return p.repo.Exits.FindIntentByID(ctx, intent.ID)
}

// placeExit sends the exit order and binds it through the atomic
// APPROVED→PLACED primitive. A false placement outcome means another path
// (manual exit, retryer) already placed this intent; the broker order we
// just created is cancelled to avoid a double exit.
func (p *Pipeline) placeExit(ctx context.Context, trade *domain.Trade, exitIntentID, reason string) error {
	link, err := p.repo.UserBrokers.FindByID(ctx, trade.UserBrokerID)
	if err != nil {
		return err
	}

	res, err := p.brokers.PlaceOrder(ctx, link, broker.OrderRequest{
		ClientOrderID: exitIntentID,
		Symbol:        trade.Symbol,
		Exchange:      "NSE",
		Side:          exitSideFor(trade.Direction),
		Quantity:      trade.Quantity,
		OrderType:     "MARKET",
		ProductType:   trade.ProductType,
	})
	if err != nil {
		if markErr := p.repo.Exits.MarkIntentFailed(ctx, exitIntentID, "PLACEMENT_FAILED", err.Error()); markErr != nil {
			p.logger.Error().Err(markErr).Str("exit_intent_id", exitIntentID).Msg("failed to mark exit intent failed")
		}
		p.recorder.UserBroker(ctx, domain.EventExitOrderFailed, link.UserID, link.ID, map[string]interface{}{
			"error": err.Error(),
		}, events.Ref{TradeID: &trade.ID})
		return fmt.Errorf("exit order placement failed: %w", err)
	}

	placed, err := p.repo.Exits.PlaceOrder(ctx, exitIntentID, res.BrokerOrderID)
	if err != nil {
		return err
	}
	if !placed {
		p.logger.Warn().
			Str("exit_intent_id", exitIntentID).
			Str("broker_order_id", res.BrokerOrderID).
			Msg("exit placement lost the race, cancelling duplicate order")
		if adapter, guard, aerr := p.brokers.AdapterFor(ctx, link); aerr == nil {
			if cerr := guard.Do(func() error { return adapter.CancelOrder(ctx, res.BrokerOrderID) }); cerr != nil {
				p.logger.Error().Err(cerr).Str("broker_order_id", res.BrokerOrderID).Msg("duplicate exit order cancel failed")
			}
		}
		return fmt.Errorf("%w: exit intent %s not in APPROVED", domain.ErrStateConflict, exitIntentID)
	}

	if p.metrics != nil {
		p.metrics.ExitsPlaced.WithLabelValues(reason).Inc()
	}
	p.recorder.UserBroker(ctx, domain.EventExitOrderPlaced, link.UserID, link.ID, map[string]interface{}{
		"broker_order_id": res.BrokerOrderID,
		"exit_reason":     reason,
	}, events.Ref{TradeID: &trade.ID, OrderID: &res.BrokerOrderID})
	return nil
}

// ManualExit is the operator-initiated path; it reuses the episode
// machinery under the MANUAL reason.
func (p *Pipeline) ManualExit(ctx context.Context, tradeID string) (*domain.ExitIntent, error) {
	trade, err := p.repo.Trades.FindByID(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	price := trade.CurrentPrice
	if price == nil {
		price = trade.EntryPrice
	}
	if price == nil {
		return nil, fmt.Errorf("trade %s has no price context for manual exit", tradeID)
	}
	return p.Action(ctx, tradeID, Detection{Reason: domain.ExitReasonManual, Price: *price})
}

// Settle polls the broker for a placed exit intent and, on fill, closes the
// trade with realized P&L.
func (p *Pipeline) Settle(ctx context.Context, exitIntentID string) error {
	intent, err := p.repo.Exits.FindIntentByID(ctx, exitIntentID)
	if err != nil {
		return err
	}
	if intent.Status != domain.IntentPlaced || intent.BrokerOrderID == nil {
		return nil
	}

	trade, err := p.repo.Trades.FindByID(ctx, intent.TradeID)
	if err != nil {
		return err
	}
	link, err := p.repo.UserBrokers.FindByID(ctx, trade.UserBrokerID)
	if err != nil {
		return err
	}
	adapter, guard, err := p.brokers.AdapterFor(ctx, link)
	if err != nil {
		return err
	}

	var res *broker.OrderResult
	if err := guard.Do(func() error {
		var execErr error
		res, execErr = adapter.OrderStatus(ctx, *intent.BrokerOrderID)
		return execErr
	}); err != nil {
		return err
	}

	switch res.Status {
	case "FILLED":
		if res.AvgFillPrice == nil {
			return fmt.Errorf("exit fill without price for order %s", *intent.BrokerOrderID)
		}
		if err := p.repo.Exits.MarkIntentFilled(ctx, exitIntentID); err != nil {
			return err
		}
		exitPrice := domain.RoundPrice(*res.AvgFillPrice)
		if err := p.repo.Trades.MarkClosed(ctx, trade.ID, exitPrice, intent.ExitReason, time.Now()); err != nil {
			return err
		}
		p.recorder.UserBroker(ctx, domain.EventTradeClosed, link.UserID, link.ID, map[string]interface{}{
			"exit_price":  exitPrice,
			"exit_reason": intent.ExitReason,
			"episode_id":  intent.EpisodeID,
		}, events.Ref{TradeID: &trade.ID, OrderID: intent.BrokerOrderID})
		p.logger.Info().
			Str("trade_id", trade.ID).
			Str("exit_reason", intent.ExitReason).
			Msg("trade closed")

	case "REJECTED", "CANCELLED":
		if err := p.repo.Exits.MarkIntentFailed(ctx, exitIntentID, "BROKER_"+res.Status, res.Message); err != nil {
			return err
		}
	}
	return nil
}

// RetryStuck sweeps exit intents sitting past the threshold. FAILED
// placements are reopened and re-placed subject to the retry budget;
// PLACED ones are settled.
func (p *Pipeline) RetryStuck(ctx context.Context, limit int) (int, error) {
	stuck, err := p.repo.Exits.ListStuckIntents(ctx, stuckAfter, limit)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, intent := range stuck {
		switch intent.Status {
		case domain.IntentPlaced:
			if err := p.Settle(ctx, intent.ID); err != nil {
				p.logger.Error().Err(err).Str("exit_intent_id", intent.ID).Msg("settle failed")
				continue
			}
		case domain.IntentApproved, domain.IntentFailed:
			retries, err := p.repo.Exits.IncrementRetryCount(ctx, intent.ID)
			if err != nil {
				continue
			}
			if retries > maxRetries {
				if err := p.repo.Exits.MarkIntentCancelled(ctx, intent.ID); err != nil {
					p.logger.Error().Err(err).Str("exit_intent_id", intent.ID).Msg("cancel after retry budget failed")
				}
				continue
			}
			if intent.Status == domain.IntentFailed {
				if err := p.repo.Exits.ReopenFailed(ctx, intent.ID); err != nil {
					p.logger.Error().Err(err).Str("exit_intent_id", intent.ID).Msg("reopen failed intent failed")
					continue
				}
			}
			trade, err := p.repo.Trades.FindByID(ctx, intent.TradeID)
			if err != nil {
				continue
			}
			if err := p.placeExit(ctx, trade, intent.ID, intent.ExitReason); err != nil {
				p.logger.Error().Err(err).Str("exit_intent_id", intent.ID).Msg("retry placement failed")
				continue
			}
		default:
			// PENDING rows missed approval; approve then let the next sweep
			// place them.
			if err := p.repo.Exits.MarkIntentApproved(ctx, intent.ID); err != nil {
				continue
			}
		}
		handled++
	}
	return handled, nil
}

// ListForTrade returns the episode history for a trade.
func (p *Pipeline) ListForTrade(ctx context.Context, tradeID string) ([]domain.ExitSignal, error) {
	return p.repo.Exits.ListSignalsForTrade(ctx, tradeID)
}

func exitSideFor(direction string) string {
	if domain.IsShortDirection(direction) {
		return "BUY"
	}
	return "SELL"
}
