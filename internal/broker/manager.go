package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/events"
	"github.com/mtflow/mtflow/internal/monitoring"
	"github.com/mtflow/mtflow/internal/persistence"
)

// Manager owns the adapter registry and the session lifecycle. All order
// traffic flows through per-broker circuit breakers; feed subscriptions are
// supervised with the data-feed reconnect preset.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	guards   map[string]*Guard

	brokers     persistence.BrokersRepo
	userBrokers persistence.UserBrokersRepo
	sessions    persistence.SessionsRepo
	recorder    *events.Recorder
	metrics     *monitoring.MetricsRegistry
	logger      zerolog.Logger
}

func NewManager(repo *persistence.Repository, recorder *events.Recorder, logger zerolog.Logger) *Manager {
	return &Manager{
		adapters:    make(map[string]Adapter),
		guards:      make(map[string]*Guard),
		brokers:     repo.Brokers,
		userBrokers: repo.UserBrokers,
		sessions:    repo.Sessions,
		recorder:    recorder,
		logger:      logger.With().Str("component", "broker").Logger(),
	}
}

// SetMetrics attaches the metrics registry. Optional; a nil registry keeps
// the manager silent.
func (m *Manager) SetMetrics(metrics *monitoring.MetricsRegistry) {
	m.metrics = metrics
}

// Register binds an adapter under its broker code.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Code()] = a
	m.guards[a.Code()] = NewGuard(DefaultBreakerConfig(a.Code()), m.logger)
}

func (m *Manager) adapter(code string) (Adapter, *Guard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[code]
	if !ok {
		return nil, nil, fmt.Errorf("no adapter registered for broker %q", code)
	}
	return a, m.guards[code], nil
}

// AdapterFor resolves the registered adapter for a user-broker link.
func (m *Manager) AdapterFor(ctx context.Context, ub *domain.UserBroker) (Adapter, *Guard, error) {
	b, err := m.brokers.FindByID(ctx, ub.BrokerID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve broker for link %s: %w", ub.ID, err)
	}
	return m.adapter(b.Code)
}

// Connect exchanges an OAuth auth code, persists the resulting session and
// marks the link connected. A replayed callback while an ACTIVE session is
// still live short-circuits: the existing session is returned unchanged with
// alreadyDone=true, and neither the adapter nor the store is touched.
func (m *Manager) Connect(ctx context.Context, userBrokerID, authCode string) (session *domain.UserBrokerSession, alreadyDone bool, err error) {
	ub, err := m.userBrokers.FindByID(ctx, userBrokerID)
	if err != nil {
		return nil, false, err
	}

	if prior, ferr := m.sessions.FindActive(ctx, ub.ID); ferr == nil && time.Now().Before(prior.TokenValidTill) {
		return prior, true, nil
	}

	adapter, guard, err := m.AdapterFor(ctx, ub)
	if err != nil {
		return nil, false, err
	}

	var token *TokenSession
	err = guard.Do(func() error {
		var execErr error
		token, execErr = adapter.ExchangeAuthCode(ctx, authCode)
		return execErr
	})
	if err != nil {
		msg := err.Error()
		if setErr := m.userBrokers.SetConnection(ctx, ub.ID, false, &msg); setErr != nil {
			m.logger.Error().Err(setErr).Str("user_broker_id", ub.ID).Msg("failed to record connection error")
		}
		return nil, false, fmt.Errorf("auth code exchange failed: %w", err)
	}

	if err := adapter.Connect(ctx, token.AccessToken); err != nil {
		return nil, false, fmt.Errorf("token verification failed: %w", err)
	}

	session, err = m.sessions.InsertActive(ctx, domain.UserBrokerSession{
		ID:             uuid.NewString(),
		UserBrokerID:   ub.ID,
		AccessToken:    token.AccessToken,
		TokenValidTill: token.TokenValidTill,
	})
	if err != nil {
		return nil, false, err
	}

	if err := m.userBrokers.SetConnection(ctx, ub.ID, true, nil); err != nil {
		return nil, false, err
	}

	m.recorder.UserBroker(ctx, domain.EventSessionStarted, ub.UserID, ub.ID, map[string]interface{}{
		"session_id":       session.ID,
		"token_valid_till": session.TokenValidTill,
	}, events.Ref{})

	m.logger.Info().
		Str("user_broker_id", ub.ID).
		Time("valid_till", session.TokenValidTill).
		Msg("broker session established")
	return session, false, nil
}

// OAuthURL returns the consent URL for a link, carrying the link id as
// OAuth state so the callback can route the code back.
func (m *Manager) OAuthURL(ctx context.Context, userBrokerID string) (string, error) {
	ub, err := m.userBrokers.FindByID(ctx, userBrokerID)
	if err != nil {
		return "", err
	}
	adapter, _, err := m.AdapterFor(ctx, ub)
	if err != nil {
		return "", err
	}
	return adapter.AuthURL(ub.ID), nil
}

// TestConnection verifies the link's active session against the broker's
// profile endpoint.
func (m *Manager) TestConnection(ctx context.Context, userBrokerID string) error {
	ub, err := m.userBrokers.FindByID(ctx, userBrokerID)
	if err != nil {
		return err
	}
	session, err := m.sessions.FindActive(ctx, ub.ID)
	if err != nil {
		return err
	}
	adapter, guard, err := m.AdapterFor(ctx, ub)
	if err != nil {
		return err
	}
	return guard.Do(func() error {
		return adapter.Connect(ctx, session.AccessToken)
	})
}

// ActiveSession exposes the link's current session for the admin surface.
func (m *Manager) ActiveSession(ctx context.Context, userBrokerID string) (*domain.UserBrokerSession, error) {
	return m.sessions.FindActive(ctx, userBrokerID)
}

// BreakerStates reports each registered broker's circuit state, for the
// health endpoint.
func (m *Manager) BreakerStates() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.guards))
	for code, g := range m.guards {
		out[code] = g.State()
	}
	return out
}

// Disconnect revokes the active session and marks the link disconnected.
func (m *Manager) Disconnect(ctx context.Context, userBrokerID string) error {
	ub, err := m.userBrokers.FindByID(ctx, userBrokerID)
	if err != nil {
		return err
	}

	if err := m.sessions.Revoke(ctx, ub.ID); err != nil && err != domain.ErrNotFound {
		return err
	}
	if err := m.userBrokers.SetConnection(ctx, ub.ID, false, nil); err != nil {
		return err
	}

	m.recorder.UserBroker(ctx, domain.EventSessionRevoked, ub.UserID, ub.ID, nil, events.Ref{})
	return nil
}

// PlaceOrder routes an order through the link's adapter behind its breaker.
func (m *Manager) PlaceOrder(ctx context.Context, ub *domain.UserBroker, req OrderRequest) (*OrderResult, error) {
	adapter, guard, err := m.AdapterFor(ctx, ub)
	if err != nil {
		return nil, err
	}

	var res *OrderResult
	err = guard.Do(func() error {
		var execErr error
		res, execErr = adapter.PlaceOrder(ctx, req)
		return execErr
	})
	if err != nil {
		if m.metrics != nil {
			m.metrics.OrdersFailed.WithLabelValues(adapter.Code()).Inc()
		}
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.OrdersPlaced.WithLabelValues(adapter.Code()).Inc()
	}
	return res, nil
}

// RunFeed supervises the data-feed subscription for the system DATA link,
// reconnecting per the data-feed backoff preset. It returns when ctx is
// cancelled or the policy gives up.
func (m *Manager) RunFeed(ctx context.Context, symbols []string, out chan<- Tick) error {
	ub, err := m.userBrokers.FindDataBroker(ctx)
	if err != nil {
		return fmt.Errorf("no active data broker: %w", err)
	}

	adapter, _, err := m.AdapterFor(ctx, ub)
	if err != nil {
		return err
	}

	policy := DataFeedPolicy()
	for {
		err := adapter.Subscribe(ctx, symbols, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay, ok := policy.NextDelay()
		if !ok {
			msg := "reconnect attempts exhausted"
			if err != nil {
				msg = err.Error()
			}
			if setErr := m.userBrokers.SetConnection(ctx, ub.ID, false, &msg); setErr != nil {
				m.logger.Error().Err(setErr).Str("user_broker_id", ub.ID).Msg("failed to record feed loss")
			}
			m.recorder.UserBroker(ctx, domain.EventBrokerDisconnected, ub.UserID, ub.ID, map[string]interface{}{
				"attempts": policy.Attempts(),
			}, events.Ref{})
			return fmt.Errorf("data feed gave up after %d attempts: %w", policy.Attempts(), err)
		}

		if m.metrics != nil {
			m.metrics.FeedReconnects.WithLabelValues(adapter.Code()).Inc()
		}
		m.logger.Warn().
			Err(err).
			Dur("backoff", delay).
			Int("attempt", policy.Attempts()).
			Msg("data feed dropped, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		// A session may have rolled while we were down.
		if session, sessErr := m.sessions.FindActive(ctx, ub.ID); sessErr == nil {
			if connErr := adapter.Connect(ctx, session.AccessToken); connErr == nil {
				policy.Reset()
			}
		}
	}
}
