// Package broker defines the adapter contract every brokerage integration
// implements, plus the resilience primitives (reconnect policy, circuit
// breaker guard) shared by all of them.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mtflow/mtflow/internal/domain"
)

var (
	// ErrNotConnected is returned by order and data calls before Connect.
	ErrNotConnected = errors.New("broker adapter not connected")

	// ErrSessionExpired signals the access token is no longer valid and a
	// fresh OAuth exchange is required.
	ErrSessionExpired = errors.New("broker session expired")

	// ErrOrderRejected is wrapped with the broker's own reason.
	ErrOrderRejected = errors.New("order rejected by broker")
)

// OrderRequest is a broker-neutral order. ClientOrderID carries the intent
// id so broker-side retries always reconcile to one canonical row.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Exchange      string
	Side          string
	Quantity      int64
	OrderType     string
	LimitPrice    *decimal.Decimal
	ProductType   string
}

// OrderResult is the broker's acknowledgement of a placed order.
type OrderResult struct {
	BrokerOrderID string
	Status        string
	FilledQty     int64
	AvgFillPrice  *decimal.Decimal
	Message       string
}

// Tick is one market-data update from the streaming feed.
type Tick struct {
	Symbol    string
	LastPrice decimal.Decimal
	Volume    int64
	At        time.Time
}

// TokenSession is the outcome of an OAuth code exchange.
type TokenSession struct {
	AccessToken    string
	TokenValidTill time.Time
}

// Adapter is the per-brokerage integration surface. Implementations are safe
// for concurrent use after Connect.
type Adapter interface {
	// Code returns the broker_code this adapter serves.
	Code() string

	// AuthURL builds the broker's OAuth consent URL carrying state for the
	// callback round-trip.
	AuthURL(state string) string

	// ExchangeAuthCode trades an OAuth auth code for an access token.
	// Exchanging an already-used code against a live session is idempotent:
	// the existing session is returned rather than an error.
	ExchangeAuthCode(ctx context.Context, authCode string) (*TokenSession, error)

	// Connect binds the adapter to an access token and verifies it.
	Connect(ctx context.Context, accessToken string) error

	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	OrderStatus(ctx context.Context, brokerOrderID string) (*OrderResult, error)

	// FetchInstruments downloads the broker's full instrument master.
	FetchInstruments(ctx context.Context) ([]domain.Instrument, error)

	// Subscribe streams ticks for the symbols until ctx is cancelled.
	// Reconnection is the caller's concern, driven by a ReconnectPolicy.
	Subscribe(ctx context.Context, symbols []string, out chan<- Tick) error

	Close() error
}
