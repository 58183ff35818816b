package intents

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mtflow/mtflow/internal/broker"
	"github.com/mtflow/mtflow/internal/deliveries"
	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/events"
	"github.com/mtflow/mtflow/internal/persistence"
)

// OrderParams are the user's choices when acting on a delivery.
type OrderParams struct {
	OrderType   string           `json:"order_type"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	ProductType string           `json:"product_type"`
}

// Pipeline runs entries end to end: consume the delivery, validate, size,
// approve, reserve the canonical trade row, place, reconcile.
type Pipeline struct {
	repo     *persistence.Repository
	fanout   *deliveries.Manager
	brokers  *broker.Manager
	recorder *events.Recorder
	logger   zerolog.Logger
}

func NewPipeline(repo *persistence.Repository, fanout *deliveries.Manager, brokers *broker.Manager, recorder *events.Recorder, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		repo:     repo,
		fanout:   fanout,
		brokers:  brokers,
		recorder: recorder,
		logger:   logger.With().Str("component", "intents").Logger(),
	}
}

// Accept is the user acting on a delivery. The delivery is consumed first:
// the single-use authorization is spent whether or not validation passes,
// so a second click can never produce a second order.
func (p *Pipeline) Accept(ctx context.Context, deliveryID string, params OrderParams) (*domain.TradeIntent, error) {
	d, err := p.fanout.Find(ctx, deliveryID)
	if err != nil {
		return nil, err
	}

	sig, err := p.repo.Signals.FindByID(ctx, d.SignalID)
	if err != nil {
		return nil, err
	}
	if sig.Status != domain.SignalPublished {
		return nil, fmt.Errorf("%w: signal %s is %s, not PUBLISHED", domain.ErrStateConflict, sig.ID, sig.Status)
	}

	link, err := p.repo.UserBrokers.FindByID(ctx, d.UserBrokerID)
	if err != nil {
		return nil, err
	}

	// Spend the single-use authorization before the intent row exists: a
	// losing caller must leave no intent behind, so CONSUMED deliveries and
	// intents stay one-to-one per signal.
	intentID := uuid.NewString()
	consumed, err := p.fanout.Consume(ctx, deliveryID, intentID)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, fmt.Errorf("%w: delivery %s already consumed", domain.ErrStateConflict, deliveryID)
	}

	intent, err := p.repo.Intents.Insert(ctx, domain.TradeIntent{
		ID:           intentID,
		SignalID:     sig.ID,
		UserBrokerID: link.ID,
		Symbol:       sig.Symbol,
		OrderType:    params.OrderType,
		LimitPrice:   params.LimitPrice,
		ProductType:  params.ProductType,
	})
	if err != nil {
		return nil, err
	}

	if verrs := p.validate(ctx, link, sig, params); len(verrs) > 0 {
		if err := p.repo.Intents.MarkRejected(ctx, intent.ID, verrs); err != nil {
			return nil, err
		}
		p.recorder.UserBroker(ctx, domain.EventIntentRejected, link.UserID, link.ID, verrs, events.Ref{SignalID: &sig.ID, IntentID: &intent.ID})
		return p.repo.Intents.FindByID(ctx, intent.ID)
	}

	sizing, err := p.size(ctx, link, sig)
	if err != nil {
		return nil, err
	}
	if sizing.Rejection != nil {
		verrs := []domain.FieldError{*sizing.Rejection}
		if err := p.repo.Intents.MarkRejected(ctx, intent.ID, verrs); err != nil {
			return nil, err
		}
		p.recorder.UserBroker(ctx, domain.EventIntentRejected, link.UserID, link.ID, verrs, events.Ref{SignalID: &sig.ID, IntentID: &intent.ID})
		return p.repo.Intents.FindByID(ctx, intent.ID)
	}

	if err := p.repo.Intents.MarkApproved(ctx, intent.ID, sizing.Qty, sizing.Value, sizing.LogImpact, sizing.ExposureAfter); err != nil {
		return nil, err
	}
	p.recorder.UserBroker(ctx, domain.EventIntentApproved, link.UserID, link.ID, map[string]interface{}{
		"qty":   sizing.Qty,
		"value": sizing.Value,
	}, events.Ref{SignalID: &sig.ID, IntentID: &intent.ID})

	// Reserve the canonical trade row before any order leaves the process.
	// The intent id doubles as client order id, so a crash between here and
	// placement reconciles to exactly one trade.
	trade, err := p.repo.Trades.Upsert(ctx, domain.Trade{
		ID:            uuid.NewString(),
		IntentID:      intent.ID,
		SignalID:      sig.ID,
		UserBrokerID:  link.ID,
		Symbol:        sig.Symbol,
		Direction:     sig.Direction,
		Quantity:      sizing.Qty,
		ProductType:   params.ProductType,
		ZoneLow:       &sig.EffectiveFloor,
		ZoneHigh:      &sig.EffectiveCeiling,
		MaxLogLoss:    &sizing.LogImpact,
		ClientOrderID: intent.ID,
		Status:        domain.TradeCreated,
	})
	if err != nil {
		return nil, err
	}

	if err := p.place(ctx, link, sig, intent.ID, trade, params, sizing.Qty); err != nil {
		return nil, err
	}
	return p.repo.Intents.FindByID(ctx, intent.ID)
}

func (p *Pipeline) validate(ctx context.Context, link *domain.UserBroker, sig *domain.Signal, params OrderParams) []domain.FieldError {
	var verrs []domain.FieldError

	if !link.Enabled || link.Status != domain.StatusActive {
		verrs = append(verrs, domain.FieldError{Code: "LINK_DISABLED", Field: "user_broker_id", Message: "execution link is disabled"})
	}
	if !link.Risk.AllowsSymbol(sig.Symbol) {
		verrs = append(verrs, domain.FieldError{Code: "SYMBOL_BLOCKED", Field: "symbol", Message: "risk policy excludes symbol"})
	}
	if len(link.Risk.AllowedProducts) > 0 {
		allowed := false
		for _, prod := range link.Risk.AllowedProducts {
			if prod == params.ProductType {
				allowed = true
				break
			}
		}
		if !allowed {
			verrs = append(verrs, domain.FieldError{Code: "PRODUCT_BLOCKED", Field: "product_type", Message: "risk policy excludes product type"})
		}
	}

	if _, err := p.repo.Sessions.FindActive(ctx, link.ID); err != nil {
		verrs = append(verrs, domain.FieldError{Code: "NO_SESSION", Field: "user_broker_id", Message: "no active broker session"})
	}

	if link.Risk.MaxOpenTrades > 0 {
		open, err := p.repo.Trades.ListOpen(ctx, link.ID)
		if err == nil && len(open) >= link.Risk.MaxOpenTrades {
			verrs = append(verrs, domain.FieldError{Code: "MAX_OPEN_TRADES", Field: "user_broker_id", Message: "open trade limit reached"})
		}
	}

	if params.OrderType == "LIMIT" && params.LimitPrice == nil {
		verrs = append(verrs, domain.FieldError{Code: "MISSING_LIMIT", Field: "limit_price", Message: "limit orders need a limit price"})
	}
	return verrs
}

func (p *Pipeline) size(ctx context.Context, link *domain.UserBroker, sig *domain.Signal) (SizingResult, error) {
	cfg, err := p.repo.Config.Effective(ctx, sig.Symbol, link.ID)
	if err != nil {
		return SizingResult{}, fmt.Errorf("effective config unavailable: %w", err)
	}

	exposure := decimal.Zero
	open, err := p.repo.Trades.ListOpen(ctx, link.ID)
	if err != nil {
		return SizingResult{}, err
	}
	for _, t := range open {
		if t.MaxLogLoss != nil {
			exposure = exposure.Add(*t.MaxLogLoss)
		}
	}

	var lot int64 = 1
	if b, err := p.repo.Brokers.FindByID(ctx, link.BrokerID); err == nil {
		if inst, err := p.repo.Instruments.FindBySymbol(ctx, b.Code, "NSE", sig.Symbol); err == nil {
			lot = inst.LotSize
		}
	}

	// The band's adverse edge is the stop, the favorable edge the target;
	// shorts read the band upside down.
	stop := sig.EffectiveFloor
	target := sig.EffectiveCeiling
	if sig.EntryLow != nil {
		stop = *sig.EntryLow
	}
	if sig.EntryHigh != nil {
		target = *sig.EntryHigh
	}
	if domain.IsShortDirection(sig.Direction) {
		stop, target = target, stop
	}

	return ComputeSize(SizingInput{
		Capital:       link.Risk.CapitalAllocated,
		OpenExposure:  exposure,
		PWin:          sig.PWin,
		Kelly:         sig.Kelly,
		KellyFraction: cfg.KellyFraction,
		Direction:     sig.Direction,
		RefPrice:      sig.RefPrice,
		StopLoss:      stop,
		Target:        target,
		LotSize:       lot,
		PerTradeCap:   link.Risk.PerTradeCap,
		VelocityRatio: decimal.Zero,
		Config:        *cfg,
	}), nil
}

func (p *Pipeline) place(ctx context.Context, link *domain.UserBroker, sig *domain.Signal, intentID string, trade *domain.Trade, params OrderParams, qty int64) error {
	res, err := p.brokers.PlaceOrder(ctx, link, broker.OrderRequest{
		ClientOrderID: intentID,
		Symbol:        sig.Symbol,
		Exchange:      "NSE",
		Side:          sideFor(sig.Direction),
		Quantity:      qty,
		OrderType:     params.OrderType,
		LimitPrice:    params.LimitPrice,
		ProductType:   params.ProductType,
	})
	if err != nil {
		if markErr := p.repo.Intents.MarkFailed(ctx, intentID, "PLACEMENT_FAILED", err.Error()); markErr != nil {
			p.logger.Error().Err(markErr).Str("intent_id", intentID).Msg("failed to mark intent failed")
		}
		if _, rejErr := p.repo.Trades.MarkRejectedByIntentID(ctx, intentID); rejErr != nil {
			p.logger.Error().Err(rejErr).Str("intent_id", intentID).Msg("failed to reject reserved trade")
		}
		p.recorder.UserBroker(ctx, domain.EventOrderFailed, link.UserID, link.ID, map[string]interface{}{
			"error": err.Error(),
		}, events.Ref{SignalID: &sig.ID, IntentID: &intentID})
		return fmt.Errorf("order placement failed: %w", err)
	}

	if err := p.repo.Intents.MarkPlaced(ctx, intentID, res.BrokerOrderID); err != nil {
		return err
	}
	if _, err := p.repo.Trades.Upsert(ctx, domain.Trade{
		ID:            trade.ID,
		IntentID:      intentID,
		SignalID:      sig.ID,
		UserBrokerID:  link.ID,
		Symbol:        sig.Symbol,
		Direction:     sig.Direction,
		Quantity:      qty,
		ProductType:   params.ProductType,
		ClientOrderID: intentID,
		BrokerOrderID: &res.BrokerOrderID,
		Status:        domain.TradePending,
	}); err != nil {
		return err
	}

	p.recorder.UserBroker(ctx, domain.EventOrderPlaced, link.UserID, link.ID, map[string]interface{}{
		"broker_order_id": res.BrokerOrderID,
		"qty":             qty,
	}, events.Ref{SignalID: &sig.ID, IntentID: &intentID, TradeID: &trade.ID, OrderID: &res.BrokerOrderID})

	p.logger.Info().
		Str("intent_id", intentID).
		Str("broker_order_id", res.BrokerOrderID).
		Msg("entry order placed")
	return nil
}

// Reject records the user declining a delivery; the single-use
// authorization is spent without creating an intent.
func (p *Pipeline) Reject(ctx context.Context, deliveryID, reason string) error {
	// A synthetic intent id marks the consumption; no intent row exists.
	// The rejection reason lands on the delivery itself.
	d, err := p.fanout.Find(ctx, deliveryID)
	if err != nil {
		return err
	}
	if d.Status.Terminal() {
		return fmt.Errorf("%w: delivery %s is %s", domain.ErrStateConflict, deliveryID, d.Status)
	}
	return p.repo.Deliveries.RejectByUser(ctx, deliveryID, reason)
}

// Reconcile polls the broker for a placed intent and settles the canonical
// trade row. Called by the scheduler for every PLACED intent.
func (p *Pipeline) Reconcile(ctx context.Context, intentID string) error {
	intent, err := p.repo.Intents.FindByID(ctx, intentID)
	if err != nil {
		return err
	}
	if intent.Status != domain.IntentPlaced || intent.OrderID == nil {
		return nil
	}

	link, err := p.repo.UserBrokers.FindByID(ctx, intent.UserBrokerID)
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
		res, execErr = adapter.OrderStatus(ctx, *intent.OrderID)
		return execErr
	}); err != nil {
		return err
	}

	trade, err := p.repo.Trades.FindByIntentID(ctx, intentID)
	if err != nil {
		return err
	}

	switch res.Status {
	case "FILLED":
		if res.AvgFillPrice == nil {
			return fmt.Errorf("fill without price for order %s", *intent.OrderID)
		}
		if err := p.repo.Intents.MarkFilled(ctx, intentID, *intent.OrderID); err != nil {
			return err
		}
		if err := p.repo.Trades.MarkOpen(ctx, trade.ID, domain.RoundPrice(*res.AvgFillPrice), *intent.OrderID); err != nil {
			return err
		}
		p.recorder.UserBroker(ctx, domain.EventTradeOpened, link.UserID, link.ID, map[string]interface{}{
			"entry_price": res.AvgFillPrice,
			"filled_qty":  res.FilledQty,
		}, events.Ref{IntentID: &intentID, TradeID: &trade.ID, OrderID: intent.OrderID})

	case "REJECTED", "CANCELLED":
		if err := p.repo.Intents.MarkFailed(ctx, intentID, "BROKER_"+res.Status, res.Message); err != nil {
			return err
		}
		if _, err := p.repo.Trades.MarkRejectedByIntentID(ctx, intentID); err != nil {
			return err
		}
		p.recorder.UserBroker(ctx, domain.EventTradeRejected, link.UserID, link.ID, map[string]interface{}{
			"reason": res.Message,
		}, events.Ref{IntentID: &intentID, TradeID: &trade.ID})
	}
	return nil
}

// ReconcilePlaced sweeps every PLACED intent, used by the cron reconciler.
func (p *Pipeline) ReconcilePlaced(ctx context.Context, limit int) (int, error) {
	placed, err := p.repo.Intents.ListByStatus(ctx, domain.IntentPlaced, limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, intent := range placed {
		if err := p.Reconcile(ctx, intent.ID); err != nil {
			p.logger.Error().Err(err).Str("intent_id", intent.ID).Msg("reconcile failed")
			continue
		}
		done++
	}
	return done, nil
}

func (p *Pipeline) Find(ctx context.Context, id string) (*domain.TradeIntent, error) {
	return p.repo.Intents.FindByID(ctx, id)
}

func sideFor(direction string) string {
	if domain.IsShortDirection(direction) {
		return "SELL"
	}
	return "BUY"
}
