// Package intents implements the entry pipeline: validate, size, approve,
// reserve the canonical trade row, place, reconcile.
package intents

import (
	"github.com/shopspring/decimal"

	"github.com/mtflow/mtflow/internal/domain"
)

// lnPrecision is the decimal precision for log computations. All sizing
// math stays in decimal; binary floats never touch money.
const lnPrecision = 16

var one = decimal.NewFromInt(1)

// SizingInput is everything the sizer needs, already resolved: the
// effective strategy config, the link's risk envelope and the signal's
// probabilities.
type SizingInput struct {
	Capital      decimal.Decimal
	OpenExposure decimal.Decimal

	PWin          decimal.Decimal
	Kelly         decimal.Decimal
	KellyFraction decimal.Decimal

	Direction string
	RefPrice  decimal.Decimal
	StopLoss  decimal.Decimal
	Target    decimal.Decimal

	LotSize     int64
	PerTradeCap decimal.Decimal

	// VelocityRatio is Range/ATR for the symbol's current regime.
	VelocityRatio decimal.Decimal

	Config domain.MtfGlobalConfig
}

// SizingResult is the approved order size, or the field error that vetoed it.
type SizingResult struct {
	Qty           int64
	Value         decimal.Decimal
	LogImpact     decimal.Decimal
	ExposureAfter decimal.Decimal
	Rejection     *domain.FieldError
}

// VelocityScale maps the Range/ATR regime to its size multiplier: calm
// markets trade full size, fast markets get throttled.
func VelocityScale(cfg domain.MtfGlobalConfig, ratio decimal.Decimal) decimal.Decimal {
	switch {
	case ratio.LessThanOrEqual(cfg.VelocityCalmMax):
		return cfg.VelocityCalmScale
	case ratio.LessThanOrEqual(cfg.VelocityNormalMax):
		return cfg.VelocityNormalScale
	default:
		return cfg.VelocityFastScale
	}
}

// logUtility is U(x) = ln(1+x), the log-wealth utility of return x.
// Returns such that 1+x <= 0 (total loss or worse) have no finite utility;
// the gate treats them as an automatic veto.
func logUtility(x decimal.Decimal) (decimal.Decimal, bool) {
	base := one.Add(x)
	if !base.IsPositive() {
		return decimal.Zero, false
	}
	u, err := base.Ln(lnPrecision)
	if err != nil {
		return decimal.Zero, false
	}
	return u, true
}

// PassesUtilityGate applies the asymmetry gate: accept only when
// pWin*U(gain) >= ratio*(1-pWin)*|U(-loss)|. gain and loss are positive
// fractional returns (target side, stop side).
func PassesUtilityGate(pWin, gain, loss, ratio decimal.Decimal) bool {
	uGain, ok := logUtility(gain)
	if !ok {
		return false
	}
	uLoss, ok := logUtility(loss.Neg())
	if !ok {
		return false
	}

	upside := pWin.Mul(uGain)
	downside := ratio.Mul(one.Sub(pWin)).Mul(uLoss.Abs())
	return upside.GreaterThanOrEqual(downside)
}

// ComputeSize runs the full sizing chain: utility gate, fractional Kelly,
// velocity throttle, per-trade cap, lot rounding, then the position and
// portfolio log-loss caps on the resulting size.
func ComputeSize(in SizingInput) SizingResult {
	reject := func(code, field, msg string) SizingResult {
		return SizingResult{Rejection: &domain.FieldError{Code: code, Field: field, Message: msg}}
	}

	if !in.RefPrice.IsPositive() {
		return reject("INVALID_PRICE", "ref_price", "reference price must be positive")
	}

	// Stop sits on the adverse side of entry, target on the favorable side;
	// which side is which flips with direction.
	var gain, loss decimal.Decimal
	if domain.IsShortDirection(in.Direction) {
		if in.StopLoss.LessThanOrEqual(in.RefPrice) {
			return reject("INVALID_STOP", "stop_loss", "stop loss must be above entry for shorts")
		}
		if !in.Target.IsPositive() || in.Target.GreaterThanOrEqual(in.RefPrice) {
			return reject("INVALID_TARGET", "target", "target must be positive and below entry for shorts")
		}
		gain = in.RefPrice.Sub(in.Target).Div(in.RefPrice)
		loss = in.StopLoss.Sub(in.RefPrice).Div(in.RefPrice)
	} else {
		if !in.StopLoss.IsPositive() || in.StopLoss.GreaterThanOrEqual(in.RefPrice) {
			return reject("INVALID_STOP", "stop_loss", "stop loss must be positive and below entry")
		}
		if in.Target.LessThanOrEqual(in.RefPrice) {
			return reject("INVALID_TARGET", "target", "target must be above entry")
		}
		gain = in.Target.Sub(in.RefPrice).Div(in.RefPrice)
		loss = in.RefPrice.Sub(in.StopLoss).Div(in.RefPrice)
	}

	if !PassesUtilityGate(in.PWin, gain, loss, in.Config.UtilityGateRatio) {
		return reject("UTILITY_GATE", "p_win", "utility asymmetry gate rejected the setup")
	}

	kelly := in.Kelly.Mul(in.KellyFraction)
	if !kelly.IsPositive() {
		return reject("KELLY_NONPOSITIVE", "kelly", "kelly allocation is not positive")
	}

	scale := VelocityScale(in.Config, in.VelocityRatio)
	allocation := in.Capital.Mul(kelly).Mul(scale)
	if in.PerTradeCap.IsPositive() && allocation.GreaterThan(in.PerTradeCap) {
		allocation = in.PerTradeCap
	}

	lot := in.LotSize
	if lot <= 0 {
		lot = 1
	}
	lotValue := in.RefPrice.Mul(decimal.NewFromInt(lot))
	lots := allocation.Div(lotValue).Floor()
	qty := lots.IntPart() * lot
	if qty <= 0 {
		return reject("BELOW_LOT", "quantity", "allocation below one lot")
	}

	value := in.RefPrice.Mul(decimal.NewFromInt(qty))

	// Worst-case log impact of hitting the stop with this position.
	weight := value.Div(in.Capital)
	logImpact, ok := logUtility(weight.Mul(loss).Neg())
	if !ok {
		return reject("LOG_IMPACT", "quantity", "stop-out would exhaust the book")
	}
	logImpact = logImpact.Abs()

	if logImpact.GreaterThan(in.Config.MaxPositionLogLoss) {
		return reject("POSITION_LOG_LOSS", "quantity", "position log-loss cap exceeded")
	}

	exposureAfter := in.OpenExposure.Add(logImpact)
	if exposureAfter.GreaterThan(in.Config.MaxPortfolioLogLoss) {
		return reject("PORTFOLIO_LOG_LOSS", "quantity", "portfolio log-loss cap exceeded")
	}

	return SizingResult{
		Qty:           qty,
		Value:         value,
		LogImpact:     logImpact,
		ExposureAfter: exposureAfter,
	}
}
