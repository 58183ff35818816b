package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalStatus is the SMS lifecycle state.
type SignalStatus string

const (
	SignalActive     SignalStatus = "ACTIVE"
	SignalPublished  SignalStatus = "PUBLISHED"
	SignalExpired    SignalStatus = "EXPIRED"
	SignalStale      SignalStatus = "STALE"
	SignalSuperseded SignalStatus = "SUPERSEDED"
	SignalCancelled  SignalStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s SignalStatus) Terminal() bool {
	switch s {
	case SignalExpired, SignalStale, SignalSuperseded, SignalCancelled:
		return true
	}
	return false
}

// ZoneBand is one timeframe tier's zone tag with its price band.
type ZoneBand struct {
	Zone string          `json:"zone" db:"zone"`
	Low  decimal.Decimal `json:"low" db:"low"`
	High decimal.Decimal `json:"high" db:"high"`
}

// Direction values carried by signals and trades.
const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

// IsShortDirection normalizes the two spellings the engine feed uses for
// short setups.
func IsShortDirection(d string) bool {
	return d == DirectionShort || d == "SELL"
}

// Signal is a canonical confluence observation. The dedupe key is
// (symbol, confluence_type, signal_day, effective_floor, effective_ceiling)
// with both band endpoints stored at 2-decimal scale, half-up.
type Signal struct {
	ID             string `json:"signal_id" db:"signal_id"`
	Symbol         string `json:"symbol" db:"symbol"`
	ConfluenceType string `json:"confluence_type" db:"confluence_type"`
	Direction      string `json:"direction" db:"direction"`
	SignalType     string `json:"signal_type" db:"signal_type"`

	SignalDay        string          `json:"signal_day" db:"signal_day"`
	EffectiveFloor   decimal.Decimal `json:"effective_floor" db:"effective_floor"`
	EffectiveCeiling decimal.Decimal `json:"effective_ceiling" db:"effective_ceiling"`

	HTF ZoneBand `json:"htf"`
	ITF ZoneBand `json:"itf"`
	LTF ZoneBand `json:"ltf"`

	PWin       decimal.Decimal  `json:"p_win" db:"p_win"`
	PFill      decimal.Decimal  `json:"p_fill" db:"p_fill"`
	Kelly      decimal.Decimal  `json:"kelly" db:"kelly"`
	RefPrice   decimal.Decimal  `json:"ref_price" db:"ref_price"`
	EntryLow   *decimal.Decimal `json:"entry_low,omitempty" db:"entry_low"`
	EntryHigh  *decimal.Decimal `json:"entry_high,omitempty" db:"entry_high"`
	Confidence decimal.Decimal  `json:"confidence" db:"confidence"`
	Tags       []string         `json:"tags,omitempty"`

	GeneratedAt time.Time    `json:"generated_at" db:"generated_at"`
	ExpiresAt   time.Time    `json:"expires_at" db:"expires_at"`
	Status      SignalStatus `json:"status" db:"status"`

	Audit
}

// RoundPrice normalizes a price band endpoint to the persisted 2-decimal
// half-up scale. shopspring's Round is half away from zero, which for
// positive prices is half-up.
func RoundPrice(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// SignalDay derives the dedupe day bucket from generated_at in the exchange
// timezone.
func SignalDay(generatedAt time.Time, loc *time.Location) string {
	return generatedAt.In(loc).Format("2006-01-02")
}
