package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// BrokerRole distinguishes the single system-wide market-data link from
// order-execution links.
type BrokerRole string

const (
	RoleData BrokerRole = "DATA"
	RoleExec BrokerRole = "EXEC"
)

// EntityStatus is the coarse active/inactive status shared by brokers,
// user-brokers, users and portfolios.
type EntityStatus string

const (
	StatusActive   EntityStatus = "ACTIVE"
	StatusInactive EntityStatus = "INACTIVE"
)

// BrokerCapabilities is the nested capability config a broker declares.
type BrokerCapabilities struct {
	Exchanges    []string                   `json:"exchanges"`
	Products     []string                   `json:"products"`
	LotSizes     map[string]int64           `json:"lot_sizes,omitempty"`
	MarginRules  map[string]decimal.Decimal `json:"margin_rules,omitempty"`
	RateLimitRPS float64                    `json:"rate_limit_rps"`
	RateBurst    int                        `json:"rate_burst"`
}

// Broker is a supported brokerage with its adapter binding.
type Broker struct {
	ID           string             `json:"broker_id" db:"broker_id"`
	Code         string             `json:"broker_code" db:"broker_code"`
	Name         string             `json:"broker_name" db:"broker_name"`
	AdapterClass string             `json:"adapter_class" db:"adapter_class"`
	Capabilities BrokerCapabilities `json:"capabilities"`
	Status       EntityStatus       `json:"status" db:"status"`

	Audit
}

// RiskPolicy is the per-user-broker risk envelope checked by intent
// validation.
type RiskPolicy struct {
	CapitalAllocated   decimal.Decimal  `json:"capital_allocated"`
	MaxExposure        decimal.Decimal  `json:"max_exposure"`
	PerTradeCap        decimal.Decimal  `json:"per_trade_cap"`
	MaxOpenTrades      int              `json:"max_open_trades"`
	AllowedSymbols     []string         `json:"allowed_symbols,omitempty"`
	BlockedSymbols     []string         `json:"blocked_symbols,omitempty"`
	AllowedProducts    []string         `json:"allowed_products,omitempty"`
	DailyLossCap       *decimal.Decimal `json:"daily_loss_cap,omitempty"`
	WeeklyLossCap      *decimal.Decimal `json:"weekly_loss_cap,omitempty"`
	CooldownMinutes    int              `json:"cooldown_minutes"`
}

// AllowsSymbol applies the block list, then the allow list if one is set.
func (p RiskPolicy) AllowsSymbol(symbol string) bool {
	for _, s := range p.BlockedSymbols {
		if s == symbol {
			return false
		}
	}
	if len(p.AllowedSymbols) == 0 {
		return true
	}
	for _, s := range p.AllowedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// UserBroker links a user to a broker in one role. At most one active DATA
// link exists system-wide; the store enforces it with a partial unique index.
type UserBroker struct {
	ID       string     `json:"user_broker_id" db:"user_broker_id"`
	UserID   string     `json:"user_id" db:"user_id"`
	BrokerID string     `json:"broker_id" db:"broker_id"`
	Role     BrokerRole `json:"role" db:"role"`

	// Opaque credentials blob, encrypted at rest by the ops layer.
	Credentials json.RawMessage `json:"-" db:"credentials"`

	Connected       bool       `json:"connected" db:"connected"`
	LastConnected   *time.Time `json:"last_connected,omitempty" db:"last_connected"`
	ConnectionError *string    `json:"connection_error,omitempty" db:"connection_error"`

	Risk RiskPolicy `json:"risk"`

	Status  EntityStatus `json:"status" db:"status"`
	Enabled bool         `json:"enabled" db:"enabled"`

	Audit
}

// SessionStatus is the broker session lifecycle.
type SessionStatus string

const (
	SessionActive  SessionStatus = "ACTIVE"
	SessionExpired SessionStatus = "EXPIRED"
	SessionRevoked SessionStatus = "REVOKED"
)

// UserBrokerSession is one OAuth access-token lifetime. At most one ACTIVE
// session exists per user-broker.
type UserBrokerSession struct {
	ID             string        `json:"session_id" db:"session_id"`
	UserBrokerID   string        `json:"user_broker_id" db:"user_broker_id"`
	AccessToken    string        `json:"-" db:"access_token"`
	TokenValidTill time.Time     `json:"token_valid_till" db:"token_valid_till"`
	Status         SessionStatus `json:"session_status" db:"session_status"`
	StartedAt      time.Time     `json:"started_at" db:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty" db:"ended_at"`

	Audit
}

// Portfolio is a per-user named capital pool.
type Portfolio struct {
	ID                  string          `json:"portfolio_id" db:"portfolio_id"`
	UserID              string          `json:"user_id" db:"user_id"`
	Name                string          `json:"name" db:"name"`
	TotalCapital        decimal.Decimal `json:"total_capital" db:"total_capital"`
	ReservedCapital     decimal.Decimal `json:"reserved_capital" db:"reserved_capital"`
	MaxPortfolioLogLoss decimal.Decimal `json:"max_portfolio_log_loss" db:"max_portfolio_log_loss"`
	MaxSymbolWeight     decimal.Decimal `json:"max_symbol_weight" db:"max_symbol_weight"`
	MaxSymbols          int             `json:"max_symbols" db:"max_symbols"`
	AllocationMode      string          `json:"allocation_mode" db:"allocation_mode"`
	Status              EntityStatus    `json:"status" db:"status"`
	Paused              bool            `json:"paused" db:"paused"`

	Audit
}
