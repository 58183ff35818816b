package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeStatus is the canonical trade lifecycle.
type TradeStatus string

const (
	TradeCreated  TradeStatus = "CREATED"
	TradePending  TradeStatus = "PENDING"
	TradeOpen     TradeStatus = "OPEN"
	TradeExiting  TradeStatus = "EXITING"
	TradeClosed   TradeStatus = "CLOSED"
	TradeRejected TradeStatus = "REJECTED"
)

// TrailingStop is the live trailing-stop triple carried on an open trade.
// ExtremePrice is the favorable extreme since entry: the high-water mark for
// longs, the low-water mark for shorts.
type TrailingStop struct {
	Active       bool             `json:"active" db:"trailing_active"`
	ExtremePrice *decimal.Decimal `json:"extreme_price,omitempty" db:"trailing_extreme_price"`
	StopPrice    *decimal.Decimal `json:"stop_price,omitempty" db:"trailing_stop_price"`
}

// Trade is the single canonical row per intent, created by the entry
// pipeline before any order leaves the process and merged by the reconciler
// afterwards. Unique by IntentID.
type Trade struct {
	ID           string `json:"trade_id" db:"trade_id"`
	IntentID     string `json:"intent_id" db:"intent_id"`
	SignalID     string `json:"signal_id" db:"signal_id"`
	UserBrokerID string `json:"user_broker_id" db:"user_broker_id"`
	Symbol       string `json:"symbol" db:"symbol"`
	Direction    string `json:"direction" db:"direction"`

	// Entry snapshot.
	Quantity    int64            `json:"quantity" db:"quantity"`
	EntryPrice  *decimal.Decimal `json:"entry_price,omitempty" db:"entry_price"`
	EntryValue  *decimal.Decimal `json:"entry_value,omitempty" db:"entry_value"`
	ProductType string           `json:"product_type" db:"product_type"`
	Timeframe   string           `json:"timeframe" db:"timeframe"`
	ZoneLow     *decimal.Decimal `json:"zone_low,omitempty" db:"zone_low"`
	ZoneHigh    *decimal.Decimal `json:"zone_high,omitempty" db:"zone_high"`
	StopLoss    *decimal.Decimal `json:"stop_loss,omitempty" db:"stop_loss"`
	Target      *decimal.Decimal `json:"target,omitempty" db:"target"`
	MaxLogLoss  *decimal.Decimal `json:"max_log_loss,omitempty" db:"max_log_loss"`

	// Live state.
	CurrentPrice     *decimal.Decimal `json:"current_price,omitempty" db:"current_price"`
	CurrentLogReturn *decimal.Decimal `json:"current_log_return,omitempty" db:"current_log_return"`
	UnrealizedPnl    *decimal.Decimal `json:"unrealized_pnl,omitempty" db:"unrealized_pnl"`
	Trailing         TrailingStop     `json:"trailing"`

	// Exit realization.
	ExitPrice         *decimal.Decimal `json:"exit_price,omitempty" db:"exit_price"`
	ExitedAt          *time.Time       `json:"exited_at,omitempty" db:"exited_at"`
	ExitTrigger       *string          `json:"exit_trigger,omitempty" db:"exit_trigger"`
	ExitOrderID       *string          `json:"exit_order_id,omitempty" db:"exit_order_id"`
	RealizedPnl       *decimal.Decimal `json:"realized_pnl,omitempty" db:"realized_pnl"`
	RealizedLogReturn *decimal.Decimal `json:"realized_log_return,omitempty" db:"realized_log_return"`
	HoldingDays       *int             `json:"holding_days,omitempty" db:"holding_days"`

	// Broker linkage.
	BrokerOrderID *string `json:"broker_order_id,omitempty" db:"broker_order_id"`
	BrokerTradeID *string `json:"broker_trade_id,omitempty" db:"broker_trade_id"`
	ClientOrderID string  `json:"client_order_id" db:"client_order_id"`

	Status TradeStatus `json:"status" db:"status"`

	Audit
}

// IsShort reports whether the trade rides a short setup.
func (t *Trade) IsShort() bool { return IsShortDirection(t.Direction) }
