package domain

import "time"

// DeliveryStatus is the per-user-broker fan-out state.
type DeliveryStatus string

const (
	DeliveryCreated   DeliveryStatus = "CREATED"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryConsumed  DeliveryStatus = "CONSUMED"
	DeliveryExpired   DeliveryStatus = "EXPIRED"
	DeliveryCancelled DeliveryStatus = "CANCELLED"
)

// Terminal reports whether the delivery can no longer be consumed.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliveryConsumed, DeliveryExpired, DeliveryCancelled:
		return true
	}
	return false
}

// SignalDelivery is the single-use authorization for one user-broker to act
// on one published signal. It transitions to CONSUMED exactly once, binding
// exactly one intent id.
type SignalDelivery struct {
	ID           string         `json:"delivery_id" db:"delivery_id"`
	SignalID     string         `json:"signal_id" db:"signal_id"`
	UserBrokerID string         `json:"user_broker_id" db:"user_broker_id"`
	Status       DeliveryStatus `json:"status" db:"status"`

	IntentID        *string    `json:"intent_id,omitempty" db:"intent_id"`
	RejectionReason *string    `json:"rejection_reason,omitempty" db:"rejection_reason"`
	UserAction      *string    `json:"user_action,omitempty" db:"user_action"`
	ConsumedAt      *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`

	Audit
}
