package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExitSignalStatus is the detection-side lifecycle of an exit trigger.
type ExitSignalStatus string

const (
	ExitDetected  ExitSignalStatus = "DETECTED"
	ExitActioned  ExitSignalStatus = "ACTIONED"
	ExitDismissed ExitSignalStatus = "DISMISSED"
)

// Exit reasons. A reason may fire repeatedly for the same trade; episodes
// disambiguate the occurrences.
const (
	ExitReasonTargetHit    = "TARGET_HIT"
	ExitReasonStopHit      = "STOP_HIT"
	ExitReasonTrailingStop = "TRAILING_STOP"
	ExitReasonManual       = "MANUAL"
	ExitReasonTimeout      = "TIMEOUT"
)

// ExitSignal records one detected exit occurrence, unique per
// (trade_id, exit_reason, episode_id). EpisodeID is allocated under a
// pessimistic lock so concurrent detectors never collide.
type ExitSignal struct {
	ID         string           `json:"exit_signal_id" db:"exit_signal_id"`
	TradeID    string           `json:"trade_id" db:"trade_id"`
	ExitReason string           `json:"exit_reason" db:"exit_reason"`
	EpisodeID  int              `json:"episode_id" db:"episode_id"`
	Status     ExitSignalStatus `json:"status" db:"status"`

	// Detection context.
	PriceAtDetection  decimal.Decimal  `json:"price_at_detection" db:"price_at_detection"`
	BrickMovement     *decimal.Decimal `json:"brick_movement,omitempty" db:"brick_movement"`
	FavorableMovement *decimal.Decimal `json:"favorable_movement,omitempty" db:"favorable_movement"`
	HighestSinceEntry *decimal.Decimal `json:"highest_since_entry,omitempty" db:"highest_since_entry"`
	LowestSinceEntry  *decimal.Decimal `json:"lowest_since_entry,omitempty" db:"lowest_since_entry"`
	TrailingStopPrice *decimal.Decimal `json:"trailing_stop_price,omitempty" db:"trailing_stop_price"`

	DetectedAt time.Time `json:"detected_at" db:"detected_at"`

	Audit
}

// ExitIntent mirrors TradeIntent for the exit side.
type ExitIntent struct {
	ID           string `json:"exit_intent_id" db:"exit_intent_id"`
	ExitSignalID string `json:"exit_signal_id" db:"exit_signal_id"`
	TradeID      string `json:"trade_id" db:"trade_id"`
	UserBrokerID string `json:"user_broker_id" db:"user_broker_id"`
	ExitReason   string `json:"exit_reason" db:"exit_reason"`
	EpisodeID    int    `json:"episode_id" db:"episode_id"`

	Quantity   int64            `json:"quantity" db:"quantity"`
	OrderType  string           `json:"order_type" db:"order_type"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty" db:"limit_price"`

	Status     IntentStatus `json:"status" db:"status"`
	RetryCount int          `json:"retry_count" db:"retry_count"`

	BrokerOrderID *string    `json:"broker_order_id,omitempty" db:"broker_order_id"`
	ErrorCode     *string    `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage  *string    `json:"error_message,omitempty" db:"error_message"`
	PlacedAt      *time.Time `json:"placed_at,omitempty" db:"placed_at"`

	Audit
}
