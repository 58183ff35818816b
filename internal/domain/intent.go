package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// IntentStatus is shared by entry and exit intents.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentApproved  IntentStatus = "APPROVED"
	IntentRejected  IntentStatus = "REJECTED"
	IntentPlaced    IntentStatus = "PLACED"
	IntentFilled    IntentStatus = "FILLED"
	IntentFailed    IntentStatus = "FAILED"
	IntentCancelled IntentStatus = "CANCELLED"
)

// TradeIntent is a validated, sized, idempotent entry order request. The
// intent id doubles as the broker client-order-id so broker-side retries and
// reconciliation always map back to one canonical row.
type TradeIntent struct {
	ID           string `json:"intent_id" db:"intent_id"`
	SignalID     string `json:"signal_id" db:"signal_id"`
	UserBrokerID string `json:"user_broker_id" db:"user_broker_id"`
	Symbol       string `json:"symbol" db:"symbol"`

	ValidationPassed bool         `json:"validation_passed" db:"validation_passed"`
	ValidationErrors []FieldError `json:"validation_errors,omitempty"`

	CalculatedQty   int64           `json:"calculated_qty" db:"calculated_qty"`
	CalculatedValue decimal.Decimal `json:"calculated_value" db:"calculated_value"`

	OrderType   string           `json:"order_type" db:"order_type"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"`
	ProductType string           `json:"product_type" db:"product_type"`

	LogImpact              decimal.Decimal `json:"log_impact" db:"log_impact"`
	PortfolioExposureAfter decimal.Decimal `json:"portfolio_exposure_after" db:"portfolio_exposure_after"`

	Status IntentStatus `json:"status" db:"status"`

	OrderID      *string `json:"order_id,omitempty" db:"order_id"`
	TradeID      *string `json:"trade_id,omitempty" db:"trade_id"`
	ErrorCode    *string `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`

	PlacedAt *time.Time `json:"placed_at,omitempty" db:"placed_at"`

	Audit
}
