package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/events"
	"github.com/mtflow/mtflow/internal/persistence"
)

type stubAdapter struct {
	Adapter
	exchanges int
	connects  int
	validTill time.Time
}

func (s *stubAdapter) Code() string { return "STUB" }

func (s *stubAdapter) ExchangeAuthCode(ctx context.Context, authCode string) (*TokenSession, error) {
	s.exchanges++
	return &TokenSession{AccessToken: "tok-" + authCode, TokenValidTill: s.validTill}, nil
}

func (s *stubAdapter) Connect(ctx context.Context, accessToken string) error {
	s.connects++
	return nil
}

type stubBrokers struct {
	persistence.BrokersRepo
}

func (s *stubBrokers) FindByID(ctx context.Context, id string) (*domain.Broker, error) {
	return &domain.Broker{ID: id, Code: "STUB"}, nil
}

type stubUserBrokers struct {
	persistence.UserBrokersRepo
}

func (s *stubUserBrokers) FindByID(ctx context.Context, id string) (*domain.UserBroker, error) {
	return &domain.UserBroker{ID: id, UserID: "user-1", BrokerID: "broker-1"}, nil
}

func (s *stubUserBrokers) SetConnection(ctx context.Context, id string, connected bool, connErr *string) error {
	return nil
}

type stubSessions struct {
	persistence.SessionsRepo
	active   *domain.UserBrokerSession
	inserted []domain.UserBrokerSession
}

func (s *stubSessions) FindActive(ctx context.Context, userBrokerID string) (*domain.UserBrokerSession, error) {
	if s.active == nil {
		return nil, domain.ErrNotFound
	}
	return s.active, nil
}

func (s *stubSessions) InsertActive(ctx context.Context, sess domain.UserBrokerSession) (*domain.UserBrokerSession, error) {
	s.inserted = append(s.inserted, sess)
	s.active = &sess
	return &sess, nil
}

type stubEvents struct {
	persistence.EventsRepo
	appended []domain.TradeEvent
}

func (s *stubEvents) Append(ctx context.Context, ev domain.TradeEvent) (int64, error) {
	s.appended = append(s.appended, ev)
	return int64(len(s.appended)), nil
}

func newConnectFixture(t *testing.T) (*Manager, *stubAdapter, *stubSessions) {
	t.Helper()
	adapter := &stubAdapter{validTill: time.Now().Add(8 * time.Hour)}
	sessions := &stubSessions{}
	repo := &persistence.Repository{
		Brokers:     &stubBrokers{},
		UserBrokers: &stubUserBrokers{},
		Sessions:    sessions,
	}
	m := NewManager(repo, events.NewRecorder(&stubEvents{}, zerolog.Nop(), "test"), zerolog.Nop())
	m.Register(adapter)
	return m, adapter, sessions
}

func TestConnectExchangesOnFirstCall(t *testing.T) {
	m, adapter, sessions := newConnectFixture(t)

	session, alreadyDone, err := m.Connect(context.Background(), "UB1", "CODE1")
	require.NoError(t, err)
	assert.False(t, alreadyDone)
	assert.Equal(t, 1, adapter.exchanges)
	require.Len(t, sessions.inserted, 1)
	assert.Equal(t, session.ID, sessions.inserted[0].ID)
}

func TestConnectReplayShortCircuits(t *testing.T) {
	m, adapter, sessions := newConnectFixture(t)

	first, alreadyDone, err := m.Connect(context.Background(), "UB1", "CODE1")
	require.NoError(t, err)
	require.False(t, alreadyDone)

	// The replayed callback must return the live session unchanged without
	// touching the adapter or inserting a duplicate.
	second, alreadyDone, err := m.Connect(context.Background(), "UB1", "CODE1")
	require.NoError(t, err)
	assert.True(t, alreadyDone)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, adapter.exchanges)
	assert.Len(t, sessions.inserted, 1)
}

func TestConnectReExchangesWhenSessionLapsed(t *testing.T) {
	m, adapter, sessions := newConnectFixture(t)

	sessions.active = &domain.UserBrokerSession{
		ID:             "stale",
		UserBrokerID:   "UB1",
		AccessToken:    "old",
		TokenValidTill: time.Now().Add(-time.Minute),
	}

	session, alreadyDone, err := m.Connect(context.Background(), "UB1", "CODE2")
	require.NoError(t, err)
	assert.False(t, alreadyDone)
	assert.NotEqual(t, "stale", session.ID)
	assert.Equal(t, 1, adapter.exchanges)
	require.Len(t, sessions.inserted, 1)
}
