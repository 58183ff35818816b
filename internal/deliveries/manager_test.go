package deliveries

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/events"
	"github.com/mtflow/mtflow/internal/persistence"
)

type stubDeliveries struct {
	persistence.DeliveriesRepo
	inserted []domain.SignalDelivery
	insert   func(d domain.SignalDelivery) (*domain.SignalDelivery, error)
	consume  func(deliveryID, intentID string) (bool, error)
	findByID func(id string) (*domain.SignalDelivery, error)
}

func (s *stubDeliveries) Insert(ctx context.Context, d domain.SignalDelivery) (*domain.SignalDelivery, error) {
	if s.insert != nil {
		return s.insert(d)
	}
	s.inserted = append(s.inserted, d)
	return &d, nil
}

func (s *stubDeliveries) Consume(ctx context.Context, deliveryID, intentID string) (bool, error) {
	return s.consume(deliveryID, intentID)
}

func (s *stubDeliveries) FindByID(ctx context.Context, id string) (*domain.SignalDelivery, error) {
	return s.findByID(id)
}

type stubUserBrokers struct {
	persistence.UserBrokersRepo
	links []domain.UserBroker
}

func (s *stubUserBrokers) ListEligibleExec(ctx context.Context) ([]domain.UserBroker, error) {
	return s.links, nil
}

type stubEvents struct {
	persistence.EventsRepo
	appended []domain.TradeEvent
}

func (s *stubEvents) Append(ctx context.Context, ev domain.TradeEvent) (int64, error) {
	s.appended = append(s.appended, ev)
	return int64(len(s.appended)), nil
}

func newTestManager(dels *stubDeliveries, ubs *stubUserBrokers, evs *stubEvents) *Manager {
	repo := &persistence.Repository{Deliveries: dels, UserBrokers: ubs}
	recorder := events.NewRecorder(evs, zerolog.Nop(), "test")
	return NewManager(repo, recorder, zerolog.Nop())
}

func execLink(id string, risk domain.RiskPolicy) domain.UserBroker {
	return domain.UserBroker{
		ID:      id,
		UserID:  "user-1",
		Role:    domain.RoleExec,
		Risk:    risk,
		Status:  domain.StatusActive,
		Enabled: true,
	}
}

func TestFanOut_OneDeliveryPerEligibleLink(t *testing.T) {
	dels := &stubDeliveries{}
	ubs := &stubUserBrokers{links: []domain.UserBroker{
		execLink("ub-1", domain.RiskPolicy{}),
		execLink("ub-2", domain.RiskPolicy{}),
	}}
	evs := &stubEvents{}
	m := newTestManager(dels, ubs, evs)

	sig := &domain.Signal{ID: "sig-1", Symbol: "RELIANCE"}
	created, err := m.FanOut(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	require.Len(t, dels.inserted, 2)

	for _, d := range dels.inserted {
		assert.Equal(t, "sig-1", d.SignalID)
		assert.NotEmpty(t, d.ID)
		assert.Equal(t, domain.DeliveryCreated, d.Status)
	}
	assert.Equal(t, "ub-1", dels.inserted[0].UserBrokerID)
	assert.Equal(t, "ub-2", dels.inserted[1].UserBrokerID)

	// One USER_BROKER-scoped event per created delivery.
	require.Len(t, evs.appended, 2)
	assert.Equal(t, domain.EventDeliveryCreated, evs.appended[0].EventType)
	assert.Equal(t, domain.ScopeUserBroker, evs.appended[0].Scope)
}

func TestFanOut_RiskPolicyFiltersSilently(t *testing.T) {
	dels := &stubDeliveries{}
	ubs := &stubUserBrokers{links: []domain.UserBroker{
		execLink("ub-1", domain.RiskPolicy{BlockedSymbols: []string{"RELIANCE"}}),
		execLink("ub-2", domain.RiskPolicy{AllowedSymbols: []string{"TCS"}}),
		execLink("ub-3", domain.RiskPolicy{}),
	}}
	m := newTestManager(dels, ubs, &stubEvents{})

	created, err := m.FanOut(context.Background(), &domain.Signal{ID: "sig-1", Symbol: "RELIANCE"})
	require.NoError(t, err)

	// Filtered links get no row at all, not a rejection row.
	assert.Equal(t, 1, created)
	require.Len(t, dels.inserted, 1)
	assert.Equal(t, "ub-3", dels.inserted[0].UserBrokerID)
}

func TestFanOut_DuplicateTargetSkipped(t *testing.T) {
	dels := &stubDeliveries{
		insert: func(d domain.SignalDelivery) (*domain.SignalDelivery, error) {
			if d.UserBrokerID == "ub-1" {
				return nil, domain.ErrStateConflict
			}
			return &d, nil
		},
	}
	ubs := &stubUserBrokers{links: []domain.UserBroker{
		execLink("ub-1", domain.RiskPolicy{}),
		execLink("ub-2", domain.RiskPolicy{}),
	}}
	m := newTestManager(dels, ubs, &stubEvents{})

	// ub-1 was already covered by a previous fan-out; the republish only
	// creates the missing row.
	created, err := m.FanOut(context.Background(), &domain.Signal{ID: "sig-1", Symbol: "INFY"})
	require.NoError(t, err)
	assert.Equal(t, 1, created)
}

func TestConsume_LoserGetsFalseNotError(t *testing.T) {
	dels := &stubDeliveries{
		consume: func(deliveryID, intentID string) (bool, error) { return false, nil },
	}
	m := newTestManager(dels, &stubUserBrokers{}, &stubEvents{})

	ok, err := m.Consume(context.Background(), "del-1", "intent-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsume_WinnerEmitsEvent(t *testing.T) {
	dels := &stubDeliveries{
		consume: func(deliveryID, intentID string) (bool, error) { return true, nil },
		findByID: func(id string) (*domain.SignalDelivery, error) {
			return &domain.SignalDelivery{ID: id, SignalID: "sig-1", UserBrokerID: "ub-1", Status: domain.DeliveryConsumed}, nil
		},
	}
	evs := &stubEvents{}
	m := newTestManager(dels, &stubUserBrokers{}, evs)

	ok, err := m.Consume(context.Background(), "del-1", "intent-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, evs.appended, 1)
	assert.Equal(t, domain.EventDeliveryConsumed, evs.appended[0].EventType)
	require.NotNil(t, evs.appended[0].IntentID)
	assert.Equal(t, "intent-1", *evs.appended[0].IntentID)
}
