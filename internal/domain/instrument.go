package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument is one tradable contract in a broker's namespace, unique per
// (broker_code, exchange, trading_symbol). Bulk refresh replaces a whole
// broker namespace atomically.
type Instrument struct {
	ID            int64           `json:"id" db:"id"`
	BrokerCode    string          `json:"broker_code" db:"broker_code"`
	Exchange      string          `json:"exchange" db:"exchange"`
	TradingSymbol string          `json:"trading_symbol" db:"trading_symbol"`
	Name          string          `json:"name" db:"name"`
	InstrumentType string         `json:"instrument_type" db:"instrument_type"`
	Token         string          `json:"token" db:"token"`
	LotSize       int64           `json:"lot_size" db:"lot_size"`
	TickSize      decimal.Decimal `json:"tick_size" db:"tick_size"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}
