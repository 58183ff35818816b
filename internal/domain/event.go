package domain

import (
	"encoding/json"
	"time"
)

// EventScope controls which tailing filters an event matches.
type EventScope string

const (
	ScopeGlobal     EventScope = "GLOBAL"
	ScopeUser       EventScope = "USER"
	ScopeUserBroker EventScope = "USER_BROKER"
)

// Event types emitted by the pipelines.
const (
	EventSignalCreated     = "SIGNAL_CREATED"
	EventSignalPublished   = "SIGNAL_PUBLISHED"
	EventSignalExpired     = "SIGNAL_EXPIRED"
	EventSignalStale       = "SIGNAL_STALE"
	EventSignalCancelled   = "SIGNAL_CANCELLED"
	EventDeliveryCreated   = "DELIVERY_CREATED"
	EventDeliveryConsumed  = "DELIVERY_CONSUMED"
	EventIntentApproved    = "INTENT_APPROVED"
	EventIntentRejected    = "INTENT_REJECTED"
	EventOrderPlaced       = "ORDER_PLACED"
	EventOrderFailed       = "ORDER_FAILED"
	EventTradeOpened       = "TRADE_OPENED"
	EventTradeRejected     = "TRADE_REJECTED"
	EventExitDetected      = "EXIT_DETECTED"
	EventExitOrderPlaced   = "EXIT_ORDER_PLACED"
	EventExitOrderFailed   = "EXIT_ORDER_FAILED"
	EventTradeClosed       = "TRADE_CLOSED"
	EventSessionStarted    = "SESSION_STARTED"
	EventSessionExpired    = "SESSION_EXPIRED"
	EventSessionRevoked    = "SESSION_REVOKED"
	EventBrokerDisconnected = "BROKER_DISCONNECTED"
)

// TradeEvent is one append-only log entry with a server-assigned monotonic
// sequence. Payload bytes are preserved exactly across write and read.
type TradeEvent struct {
	Seq          int64           `json:"seq" db:"seq"`
	EventType    string          `json:"event_type" db:"event_type"`
	Scope        EventScope      `json:"scope" db:"scope"`
	UserID       *string         `json:"user_id,omitempty" db:"user_id"`
	BrokerID     *string         `json:"broker_id,omitempty" db:"broker_id"`
	UserBrokerID *string         `json:"user_broker_id,omitempty" db:"user_broker_id"`
	Payload      json.RawMessage `json:"payload" db:"payload"`

	SignalID *string `json:"signal_id,omitempty" db:"signal_id"`
	IntentID *string `json:"intent_id,omitempty" db:"intent_id"`
	TradeID  *string `json:"trade_id,omitempty" db:"trade_id"`
	OrderID  *string `json:"order_id,omitempty" db:"order_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	CreatedBy string    `json:"created_by" db:"created_by"`
}

// EventFilter selects a tail window. Zero values mean "no constraint" apart
// from AfterSeq which always applies.
type EventFilter struct {
	AfterSeq     int64
	UserID       string
	UserBrokerID string
	Limit        int
}
