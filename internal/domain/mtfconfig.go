package domain

import "github.com/shopspring/decimal"

// TimeframeParams are the per-tier candle parameters.
type TimeframeParams struct {
	CandleCount   int             `json:"candle_count"`
	CandleMinutes int             `json:"candle_minutes"`
	Weight        decimal.Decimal `json:"weight"`
}

// MtfGlobalConfig is the singleton strategy configuration. Any write to it
// must cascade Signal staleness for yet-unacted signals.
type MtfGlobalConfig struct {
	ID string `json:"config_id" db:"config_id"`

	HTF TimeframeParams `json:"htf"`
	ITF TimeframeParams `json:"itf"`
	LTF TimeframeParams `json:"ltf"`

	BuyZonePctHTF decimal.Decimal `json:"buy_zone_pct_htf"`
	BuyZonePctITF decimal.Decimal `json:"buy_zone_pct_itf"`
	BuyZonePctLTF decimal.Decimal `json:"buy_zone_pct_ltf"`

	ConfluenceThreshold  decimal.Decimal `json:"confluence_threshold"`
	ConfluenceMultiplier decimal.Decimal `json:"confluence_multiplier"`

	MaxPositionLogLoss  decimal.Decimal `json:"max_position_log_loss"`
	MaxPortfolioLogLoss decimal.Decimal `json:"max_portfolio_log_loss"`
	KellyFraction       decimal.Decimal `json:"kelly_fraction"`

	TrailingActivationPct decimal.Decimal `json:"trailing_activation_pct"`
	TrailingDistancePct   decimal.Decimal `json:"trailing_distance_pct"`

	// Velocity throttle: Range/ATR regime buckets and their size multipliers.
	VelocityCalmMax      decimal.Decimal `json:"velocity_calm_max"`
	VelocityNormalMax    decimal.Decimal `json:"velocity_normal_max"`
	VelocityCalmScale    decimal.Decimal `json:"velocity_calm_scale"`
	VelocityNormalScale  decimal.Decimal `json:"velocity_normal_scale"`
	VelocityFastScale    decimal.Decimal `json:"velocity_fast_scale"`

	// Utility-asymmetry gate: accept only when
	// p*U(gain) >= ratio*(1-p)*|U(loss)|.
	UtilityGateRatio decimal.Decimal `json:"utility_gate_ratio"`

	SignalTTLMinutes int `json:"signal_ttl_minutes"`

	Audit
}

// MtfSymbolConfig overrides global knobs per (symbol, user_broker_id).
// Nil fields inherit the global value.
type MtfSymbolConfig struct {
	ID           string `json:"symbol_config_id" db:"symbol_config_id"`
	Symbol       string `json:"symbol" db:"symbol"`
	UserBrokerID string `json:"user_broker_id" db:"user_broker_id"`

	ConfluenceThreshold  *decimal.Decimal `json:"confluence_threshold,omitempty"`
	ConfluenceMultiplier *decimal.Decimal `json:"confluence_multiplier,omitempty"`
	MaxPositionLogLoss   *decimal.Decimal `json:"max_position_log_loss,omitempty"`
	KellyFraction        *decimal.Decimal `json:"kelly_fraction,omitempty"`
	TrailingActivationPct *decimal.Decimal `json:"trailing_activation_pct,omitempty"`
	TrailingDistancePct   *decimal.Decimal `json:"trailing_distance_pct,omitempty"`
	UtilityGateRatio      *decimal.Decimal `json:"utility_gate_ratio,omitempty"`
	SignalTTLMinutes      *int             `json:"signal_ttl_minutes,omitempty"`

	Audit
}

// ResolveEffective overlays the override's non-nil fields on the global
// config and returns the effective configuration.
func (o *MtfSymbolConfig) ResolveEffective(global MtfGlobalConfig) MtfGlobalConfig {
	eff := global
	if o == nil {
		return eff
	}
	if o.ConfluenceThreshold != nil {
		eff.ConfluenceThreshold = *o.ConfluenceThreshold
	}
	if o.ConfluenceMultiplier != nil {
		eff.ConfluenceMultiplier = *o.ConfluenceMultiplier
	}
	if o.MaxPositionLogLoss != nil {
		eff.MaxPositionLogLoss = *o.MaxPositionLogLoss
	}
	if o.KellyFraction != nil {
		eff.KellyFraction = *o.KellyFraction
	}
	if o.TrailingActivationPct != nil {
		eff.TrailingActivationPct = *o.TrailingActivationPct
	}
	if o.TrailingDistancePct != nil {
		eff.TrailingDistancePct = *o.TrailingDistancePct
	}
	if o.UtilityGateRatio != nil {
		eff.UtilityGateRatio = *o.UtilityGateRatio
	}
	if o.SignalTTLMinutes != nil {
		eff.SignalTTLMinutes = *o.SignalTTLMinutes
	}
	return eff
}
