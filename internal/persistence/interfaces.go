// Package persistence defines the repository contracts for the record
// store. Every mutable business entity follows the immutable audit pattern:
// updates soft-delete the current row and insert the next version in one
// transaction, so the full decision history stays reproducible.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mtflow/mtflow/internal/domain"
)

// SignalsRepo manages canonical confluence signals.
type SignalsRepo interface {
	// Upsert is the idempotent ingest path. On dedupe-key conflict the
	// existing row's status is forced back to ACTIVE and updated_at bumped;
	// the returned row is the canonical one.
	Upsert(ctx context.Context, sig domain.Signal) (*domain.Signal, error)

	FindByID(ctx context.Context, id string) (*domain.Signal, error)
	ListByStatus(ctx context.Context, status domain.SignalStatus, limit int) ([]domain.Signal, error)
	FindVersions(ctx context.Context, id string) ([]domain.Signal, error)

	// UpdateStatus is the narrow writer for the SMS state machine.
	UpdateStatus(ctx context.Context, id string, status domain.SignalStatus) error

	// MarkStaleAll sets ACTIVE signals with no dependent trade to STALE and
	// returns the affected count.
	MarkStaleAll(ctx context.Context) (int64, error)

	// MarkStaleSymbol is MarkStaleAll scoped to one symbol.
	MarkStaleSymbol(ctx context.Context, symbol string) (int64, error)

	// FindExpiringSoon returns PUBLISHED signals with expires_at inside the
	// window, for the expiry scheduler.
	FindExpiringSoon(ctx context.Context, window time.Duration) ([]domain.Signal, error)
}

// DeliveriesRepo manages per-user-broker signal fan-out rows.
type DeliveriesRepo interface {
	Insert(ctx context.Context, d domain.SignalDelivery) (*domain.SignalDelivery, error)
	FindByID(ctx context.Context, id string) (*domain.SignalDelivery, error)
	ListBySignal(ctx context.Context, signalID string) ([]domain.SignalDelivery, error)
	ListForUserBroker(ctx context.Context, userBrokerID string, limit int) ([]domain.SignalDelivery, error)
	MarkDelivered(ctx context.Context, id string) error

	// Consume atomically transitions a non-terminal delivery to CONSUMED and
	// binds the intent id. Exactly one concurrent caller observes true.
	Consume(ctx context.Context, deliveryID, intentID string) (bool, error)

	// RejectByUser spends a non-terminal delivery as declined, recording the
	// user's reason. No intent is created.
	RejectByUser(ctx context.Context, id, reason string) error

	// ExpireAllForSignal / CancelAllForSignal cascade a signal's terminal
	// transition onto its non-terminal deliveries, returning the count.
	ExpireAllForSignal(ctx context.Context, signalID string) (int64, error)
	CancelAllForSignal(ctx context.Context, signalID string) (int64, error)
}

// IntentsRepo manages entry trade intents.
type IntentsRepo interface {
	Insert(ctx context.Context, in domain.TradeIntent) (*domain.TradeIntent, error)
	FindByID(ctx context.Context, id string) (*domain.TradeIntent, error)
	ListByStatus(ctx context.Context, status domain.IntentStatus, limit int) ([]domain.TradeIntent, error)

	MarkApproved(ctx context.Context, id string, qty int64, value, logImpact, exposureAfter decimal.Decimal) error
	MarkRejected(ctx context.Context, id string, verrs []domain.FieldError) error
	MarkPlaced(ctx context.Context, id, brokerOrderID string) error
	MarkFilled(ctx context.Context, id, brokerTradeID string) error
	MarkFailed(ctx context.Context, id, errorCode, errorMessage string) error
}

// TradesRepo manages canonical trade rows, unique per intent id.
type TradesRepo interface {
	// Upsert merges by intent_id COALESCE-style: non-null incoming fields
	// overwrite, null fields preserve the prior value.
	Upsert(ctx context.Context, t domain.Trade) (*domain.Trade, error)

	FindByID(ctx context.Context, id string) (*domain.Trade, error)
	FindByIntentID(ctx context.Context, intentID string) (*domain.Trade, error)
	ListOpen(ctx context.Context, userBrokerID string) ([]domain.Trade, error)
	ListOpenBySymbol(ctx context.Context, symbol string) ([]domain.Trade, error)

	// MarkRejectedByIntentID atomically moves CREATED→REJECTED; it is a
	// no-op (false) when the trade is past CREATED.
	MarkRejectedByIntentID(ctx context.Context, intentID string) (bool, error)

	MarkOpen(ctx context.Context, id string, entryPrice decimal.Decimal, brokerTradeID string) error
	MarkClosed(ctx context.Context, id string, exitPrice decimal.Decimal, trigger string, exitedAt time.Time) error
	UpdateLiveState(ctx context.Context, id string, price, logReturn, unrealized decimal.Decimal, trailing domain.TrailingStop) error
}

// ExitsRepo manages exit signals and exit intents plus the two race-free
// exit primitives.
type ExitsRepo interface {
	// GenerateEpisode allocates the next episode id for (trade, reason)
	// under a pessimistic lock on the trade row. Successive calls return
	// strictly increasing ids with no gaps or duplicates.
	GenerateEpisode(ctx context.Context, tradeID, exitReason string) (int, error)

	InsertSignal(ctx context.Context, es domain.ExitSignal) (*domain.ExitSignal, error)
	ListSignalsForTrade(ctx context.Context, tradeID string) ([]domain.ExitSignal, error)

	InsertIntent(ctx context.Context, ei domain.ExitIntent) (*domain.ExitIntent, error)
	FindIntentByID(ctx context.Context, id string) (*domain.ExitIntent, error)
	MarkIntentApproved(ctx context.Context, id string) error
	MarkIntentRejected(ctx context.Context, id, errorCode, errorMessage string) error

	// PlaceOrder atomically transitions APPROVED→PLACED setting the broker
	// order id and placed_at; false when the row is not currently APPROVED.
	PlaceOrder(ctx context.Context, exitIntentID, brokerOrderID string) (bool, error)

	MarkIntentFilled(ctx context.Context, id string) error
	MarkIntentFailed(ctx context.Context, id, errorCode, errorMessage string) error
	MarkIntentCancelled(ctx context.Context, id string) error
	// ReopenFailed moves FAILED back to APPROVED so the retry sweep can
	// re-place it; the error fields are cleared.
	ReopenFailed(ctx context.Context, id string) error
	IncrementRetryCount(ctx context.Context, id string) (int, error)
	ListStuckIntents(ctx context.Context, olderThan time.Duration, limit int) ([]domain.ExitIntent, error)
}

// BrokersRepo is the read side of the broker registry.
type BrokersRepo interface {
	List(ctx context.Context) ([]domain.Broker, error)
	FindByID(ctx context.Context, id string) (*domain.Broker, error)
	FindByCode(ctx context.Context, code string) (*domain.Broker, error)
}

// UserBrokersRepo manages user↔broker links with versioned updates.
type UserBrokersRepo interface {
	Insert(ctx context.Context, ub domain.UserBroker) (*domain.UserBroker, error)
	Update(ctx context.Context, ub domain.UserBroker) (*domain.UserBroker, error)
	Delete(ctx context.Context, id string) error
	FindByID(ctx context.Context, id string) (*domain.UserBroker, error)
	List(ctx context.Context, userID string) ([]domain.UserBroker, error)
	FindVersions(ctx context.Context, id string) ([]domain.UserBroker, error)

	// FindDataBroker returns the single active DATA link, or ErrNotFound.
	FindDataBroker(ctx context.Context) (*domain.UserBroker, error)

	// ListEligibleExec returns enabled ACTIVE EXEC links whose parent user
	// is ACTIVE. Symbol allow/block filtering happens in the delivery
	// manager where the risk policy is in hand.
	ListEligibleExec(ctx context.Context) ([]domain.UserBroker, error)

	SetConnection(ctx context.Context, id string, connected bool, connErr *string) error
	Toggle(ctx context.Context, id string, enabled bool) error
}

// SessionsRepo manages broker OAuth sessions.
type SessionsRepo interface {
	// InsertActive inserts a new ACTIVE session and marks older ACTIVE
	// sessions of the same user-broker EXPIRED, in one transaction.
	InsertActive(ctx context.Context, s domain.UserBrokerSession) (*domain.UserBrokerSession, error)

	FindActive(ctx context.Context, userBrokerID string) (*domain.UserBrokerSession, error)
	Revoke(ctx context.Context, userBrokerID string) error
	ExpirePast(ctx context.Context, now time.Time) (int64, error)
}

// PortfoliosRepo manages per-user capital pools.
type PortfoliosRepo interface {
	Insert(ctx context.Context, p domain.Portfolio) (*domain.Portfolio, error)
	Update(ctx context.Context, p domain.Portfolio) (*domain.Portfolio, error)
	FindByID(ctx context.Context, id string) (*domain.Portfolio, error)
	List(ctx context.Context, userID string) ([]domain.Portfolio, error)
}

// InstrumentsRepo manages the broker instrument catalog.
type InstrumentsRepo interface {
	// BulkUpsert refreshes a broker namespace in batches of 1000 rows,
	// returning the number of rows written.
	BulkUpsert(ctx context.Context, brokerCode string, instruments []domain.Instrument) (int, error)

	// Search ranks prefix matches (rank 0) before substring matches
	// (rank 1), tie-breaking on symbol order, capped at limit.
	Search(ctx context.Context, query string, limit int) ([]domain.Instrument, error)

	FindBySymbol(ctx context.Context, brokerCode, exchange, tradingSymbol string) (*domain.Instrument, error)
}

// WatchlistsRepo manages the four-level watchlist hierarchy.
type WatchlistsRepo interface {
	InsertTemplate(ctx context.Context, t domain.WatchlistTemplate) (*domain.WatchlistTemplate, error)
	ListTemplates(ctx context.Context) ([]domain.WatchlistTemplate, error)
	FindTemplate(ctx context.Context, id string) (*domain.WatchlistTemplate, error)
	AddTemplateSymbols(ctx context.Context, id string, symbols []string) error
	RemoveTemplateSymbol(ctx context.Context, id, symbol string) error

	InsertSelected(ctx context.Context, s domain.WatchlistSelected) (*domain.WatchlistSelected, error)
	ListSelected(ctx context.Context) ([]domain.WatchlistSelected, error)
	FindSelected(ctx context.Context, id string) (*domain.WatchlistSelected, error)
	DeleteSelected(ctx context.Context, id string) error

	// DefaultSymbols is the Level-3 view: DISTINCT symbols over enabled
	// Level-2 selected watchlists.
	DefaultSymbols(ctx context.Context) ([]string, error)

	// UpsertEntry inserts or resurrects a Level-4 row: a soft-deleted
	// (user_broker_id, symbol) row gets deleted_at cleared and version
	// incremented, preserving the original id.
	UpsertEntry(ctx context.Context, e domain.WatchlistEntry) (*domain.WatchlistEntry, error)

	ListEntries(ctx context.Context, userBrokerID string) ([]domain.WatchlistEntry, error)
	DeleteEntry(ctx context.Context, id string) error
	ToggleEntry(ctx context.Context, id string, enabled bool) error

	// DeleteSyncedNotIn soft-deletes non-custom rows outside the current
	// default set; custom rows are never touched by sync.
	DeleteSyncedNotIn(ctx context.Context, userBrokerID string, keep []string) (int64, error)

	// UpdateTick refreshes last_price/last_tick_time across all current
	// rows for the symbol in a single statement.
	UpdateTick(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) (int64, error)
}

// ConfigRepo manages the MTF strategy configuration.
type ConfigRepo interface {
	GetGlobal(ctx context.Context) (*domain.MtfGlobalConfig, error)
	PutGlobal(ctx context.Context, cfg domain.MtfGlobalConfig) (*domain.MtfGlobalConfig, error)

	ListSymbolOverrides(ctx context.Context) ([]domain.MtfSymbolConfig, error)
	UpsertSymbolOverride(ctx context.Context, o domain.MtfSymbolConfig) (*domain.MtfSymbolConfig, error)
	DeleteSymbolOverride(ctx context.Context, symbol, userBrokerID string) error

	// Effective resolves the global config overlaid by the matching
	// override's non-nil fields.
	Effective(ctx context.Context, symbol, userBrokerID string) (*domain.MtfGlobalConfig, error)
}

// EventsRepo is the append-only trade event log.
type EventsRepo interface {
	// Append assigns the monotonic seq server-side and returns it.
	Append(ctx context.Context, ev domain.TradeEvent) (int64, error)

	// TailAll returns events with seq > AfterSeq, ascending.
	TailAll(ctx context.Context, f domain.EventFilter) ([]domain.TradeEvent, error)

	// TailUser returns GLOBAL events plus the user's USER events.
	TailUser(ctx context.Context, f domain.EventFilter) ([]domain.TradeEvent, error)

	// TailUserBroker returns GLOBAL events, the user's USER events and the
	// user-broker's USER_BROKER events.
	TailUserBroker(ctx context.Context, f domain.EventFilter) ([]domain.TradeEvent, error)

	LatestSeq(ctx context.Context) (int64, error)
}

// MonitoringRepo provides read-only operational counts. Implementations
// return zero with a log line on infrastructure failure; they never mutate.
type MonitoringRepo interface {
	CountExpiredSessions(ctx context.Context) int64
	CountSessionsExpiringWithin(ctx context.Context, window time.Duration) int64
	CountStuckExitIntents(ctx context.Context, olderThan time.Duration) int64
	CountOpenTrades(ctx context.Context) int64
	CountClosedToday(ctx context.Context) int64
	DailyWinLoss(ctx context.Context) (wins, losses int64)
}

// Repository aggregates all repos behind one wiring point.
type Repository struct {
	Signals     SignalsRepo
	Deliveries  DeliveriesRepo
	Intents     IntentsRepo
	Trades      TradesRepo
	Exits       ExitsRepo
	Brokers     BrokersRepo
	UserBrokers UserBrokersRepo
	Sessions    SessionsRepo
	Portfolios  PortfoliosRepo
	Instruments InstrumentsRepo
	Watchlists  WatchlistsRepo
	Config      ConfigRepo
	Events      EventsRepo
	Monitoring  MonitoringRepo
}
