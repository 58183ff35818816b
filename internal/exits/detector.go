// Package exits implements exit detection and the exit order pipeline.
// Detection is pure decimal rule evaluation; the pipeline turns detections
// into episode-numbered exit signals and race-free order placement.
package exits

import (
	"github.com/shopspring/decimal"

	"github.com/mtflow/mtflow/internal/domain"
)

// Detection is one triggered exit rule with its context.
type Detection struct {
	Reason            string
	Price             decimal.Decimal
	TrailingStopPrice *decimal.Decimal
	HighestSinceEntry *decimal.Decimal
	LowestSinceEntry  *decimal.Decimal
}

// TrailingUpdate is the new trailing state after a tick, applied to the
// trade's live columns whether or not an exit fired.
type TrailingUpdate struct {
	Trailing domain.TrailingStop
	Changed  bool
}

// EvaluateTick runs the exit rules for one open trade against a tick,
// honoring the trade's direction: a short's stop sits above entry and fires
// on price rising through it, its target below. Priority when several rules
// fire at once: stop first, then trailing, then target. The caller persists
// the trailing update and actions the detection.
func EvaluateTick(t *domain.Trade, cfg domain.MtfGlobalConfig, price decimal.Decimal) (*Detection, TrailingUpdate) {
	short := t.IsShort()
	update := advanceTrailing(t, cfg, price, short)

	if t.StopLoss != nil && breached(price, *t.StopLoss, short) {
		return &Detection{Reason: domain.ExitReasonStopHit, Price: price}, update
	}

	if update.Trailing.Active && update.Trailing.StopPrice != nil &&
		breached(price, *update.Trailing.StopPrice, short) {
		det := &Detection{
			Reason:            domain.ExitReasonTrailingStop,
			Price:             price,
			TrailingStopPrice: update.Trailing.StopPrice,
		}
		if short {
			det.LowestSinceEntry = update.Trailing.ExtremePrice
		} else {
			det.HighestSinceEntry = update.Trailing.ExtremePrice
		}
		return det, update
	}

	if t.Target != nil && reached(price, *t.Target, short) {
		return &Detection{Reason: domain.ExitReasonTargetHit, Price: price}, update
	}

	return nil, update
}

// breached reports the price crossing the adverse boundary: at or below
// stop for longs, at or above for shorts.
func breached(price, stop decimal.Decimal, short bool) bool {
	if short {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}

// reached reports the price crossing the favorable boundary.
func reached(price, target decimal.Decimal, short bool) bool {
	if short {
		return price.LessThanOrEqual(target)
	}
	return price.GreaterThanOrEqual(target)
}

// advanceTrailing activates the trail once price moves activation-pct in
// the trade's favor, then ratchets the stop distance-pct off the favorable
// extreme. The stop only ever tightens: up for longs, down for shorts.
func advanceTrailing(t *domain.Trade, cfg domain.MtfGlobalConfig, price decimal.Decimal, short bool) TrailingUpdate {
	out := TrailingUpdate{Trailing: t.Trailing}
	if t.EntryPrice == nil || !t.EntryPrice.IsPositive() {
		return out
	}

	extreme := price
	if prev := out.Trailing.ExtremePrice; prev != nil && !reached(price, *prev, short) {
		extreme = *prev
	}
	if out.Trailing.ExtremePrice == nil || !extreme.Equal(*out.Trailing.ExtremePrice) {
		e := extreme
		out.Trailing.ExtremePrice = &e
		out.Changed = true
	}

	if !out.Trailing.Active {
		gain := price.Sub(*t.EntryPrice).Div(*t.EntryPrice)
		if short {
			gain = gain.Neg()
		}
		if gain.GreaterThanOrEqual(cfg.TrailingActivationPct) {
			out.Trailing.Active = true
			out.Changed = true
		}
	}

	if out.Trailing.Active {
		factor := one.Sub(cfg.TrailingDistancePct)
		if short {
			factor = one.Add(cfg.TrailingDistancePct)
		}
		stop := domain.RoundPrice(extreme.Mul(factor))
		tightens := out.Trailing.StopPrice == nil ||
			(!short && stop.GreaterThan(*out.Trailing.StopPrice)) ||
			(short && stop.LessThan(*out.Trailing.StopPrice))
		if tightens {
			out.Trailing.StopPrice = &stop
			out.Changed = true
		}
	}
	return out
}

var one = decimal.NewFromInt(1)
