package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WatchlistTemplate is a Level-1 admin-curated symbol basket.
type WatchlistTemplate struct {
	ID      string   `json:"template_id" db:"template_id"`
	Name    string   `json:"name" db:"name"`
	Symbols []string `json:"symbols"`
	Enabled bool     `json:"enabled" db:"enabled"`

	Audit
}

// WatchlistSelected is a Level-2 admin-picked subset of a template.
type WatchlistSelected struct {
	ID         string   `json:"selected_id" db:"selected_id"`
	Name       string   `json:"name" db:"name"`
	TemplateID string   `json:"template_id" db:"template_id"`
	Symbols    []string `json:"symbols"`
	Enabled    bool     `json:"enabled" db:"enabled"`

	Audit
}

// WatchlistEntry is a Level-4 per-user-broker row, unique per
// (user_broker_id, symbol). Non-custom rows come from L3 sync; custom rows
// persist across re-syncs. Upserting a soft-deleted symbol resurrects the
// original row with an incremented version.
type WatchlistEntry struct {
	ID           string `json:"watchlist_id" db:"watchlist_id"`
	UserBrokerID string `json:"user_broker_id" db:"user_broker_id"`
	Symbol       string `json:"symbol" db:"symbol"`

	LotSize  int64           `json:"lot_size" db:"lot_size"`
	TickSize decimal.Decimal `json:"tick_size" db:"tick_size"`

	IsCustom bool `json:"is_custom" db:"is_custom"`
	Enabled  bool `json:"enabled" db:"enabled"`

	LastSyncedAt *time.Time       `json:"last_synced_at,omitempty" db:"last_synced_at"`
	LastPrice    *decimal.Decimal `json:"last_price,omitempty" db:"last_price"`
	LastTickTime *time.Time       `json:"last_tick_time,omitempty" db:"last_tick_time"`

	Audit
}
