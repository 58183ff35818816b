package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/mtflow/mtflow/internal/persistence"
)

// Config holds database connection configuration.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

// DefaultConfig returns reasonable defaults for the connection pool.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    10 * time.Second,
	}
}

// Manager owns the connection pool and the repository collection.
type Manager struct {
	db     *sqlx.DB
	config Config
	repos  *persistence.Repository
}

// NewManager opens the pool, verifies connectivity and wires all repos.
func NewManager(config Config) (*Manager, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	m := &Manager{db: db, config: config}
	m.repos = NewRepository(db, config.QueryTimeout)

	log.Info().Int("max_open_conns", config.MaxOpenConns).Msg("database pool ready")
	return m, nil
}

// NewRepository wires every repository against the given pool. Split out of
// NewManager so tests can back it with a mocked *sqlx.DB.
func NewRepository(db *sqlx.DB, timeout time.Duration) *persistence.Repository {
	return &persistence.Repository{
		Signals:     NewSignalsRepo(db, timeout),
		Deliveries:  NewDeliveriesRepo(db, timeout),
		Intents:     NewIntentsRepo(db, timeout),
		Trades:      NewTradesRepo(db, timeout),
		Exits:       NewExitsRepo(db, timeout),
		Brokers:     NewBrokersRepo(db, timeout),
		UserBrokers: NewUserBrokersRepo(db, timeout),
		Sessions:    NewSessionsRepo(db, timeout),
		Portfolios:  NewPortfoliosRepo(db, timeout),
		Instruments: NewInstrumentsRepo(db, timeout),
		Watchlists:  NewWatchlistsRepo(db, timeout),
		Config:      NewConfigRepo(db, timeout),
		Events:      NewEventsRepo(db, timeout),
		Monitoring:  NewMonitoringRepo(db, timeout),
	}
}

// Repository returns the wired repository collection.
func (m *Manager) Repository() *persistence.Repository { return m.repos }

// Health pings the pool within the query timeout.
func (m *Manager) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	defer cancel()
	return m.db.PingContext(ctx)
}

// Close shuts the pool down.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}
