package intents

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtflow/mtflow/internal/deliveries"
	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/events"
	"github.com/mtflow/mtflow/internal/persistence"
)

type stubDeliveries struct {
	persistence.DeliveriesRepo
	delivery   *domain.SignalDelivery
	consume    func(deliveryID, intentID string) (bool, error)
	consumedBy string
}

func (s *stubDeliveries) FindByID(ctx context.Context, id string) (*domain.SignalDelivery, error) {
	if s.delivery == nil || s.delivery.ID != id {
		return nil, domain.ErrNotFound
	}
	return s.delivery, nil
}

func (s *stubDeliveries) Consume(ctx context.Context, deliveryID, intentID string) (bool, error) {
	s.consumedBy = intentID
	return s.consume(deliveryID, intentID)
}

type stubSignals struct {
	persistence.SignalsRepo
	signal *domain.Signal
}

func (s *stubSignals) FindByID(ctx context.Context, id string) (*domain.Signal, error) {
	if s.signal == nil || s.signal.ID != id {
		return nil, domain.ErrNotFound
	}
	return s.signal, nil
}

type stubUserBrokers struct {
	persistence.UserBrokersRepo
	link *domain.UserBroker
}

func (s *stubUserBrokers) FindByID(ctx context.Context, id string) (*domain.UserBroker, error) {
	if s.link == nil || s.link.ID != id {
		return nil, domain.ErrNotFound
	}
	return s.link, nil
}

type stubSessions struct {
	persistence.SessionsRepo
}

func (s *stubSessions) FindActive(ctx context.Context, userBrokerID string) (*domain.UserBrokerSession, error) {
	return &domain.UserBrokerSession{ID: "sess-1", UserBrokerID: userBrokerID}, nil
}

type stubIntents struct {
	persistence.IntentsRepo
	inserted []domain.TradeIntent
	rejected map[string][]domain.FieldError
}

func (s *stubIntents) Insert(ctx context.Context, in domain.TradeIntent) (*domain.TradeIntent, error) {
	s.inserted = append(s.inserted, in)
	return &in, nil
}

func (s *stubIntents) MarkRejected(ctx context.Context, id string, verrs []domain.FieldError) error {
	if s.rejected == nil {
		s.rejected = make(map[string][]domain.FieldError)
	}
	s.rejected[id] = verrs
	return nil
}

func (s *stubIntents) FindByID(ctx context.Context, id string) (*domain.TradeIntent, error) {
	for i := range s.inserted {
		if s.inserted[i].ID == id {
			return &s.inserted[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

type stubTrades struct {
	persistence.TradesRepo
}

func (s *stubTrades) ListOpen(ctx context.Context, userBrokerID string) ([]domain.Trade, error) {
	return nil, nil
}

type stubEvents struct {
	persistence.EventsRepo
}

func (s *stubEvents) Append(ctx context.Context, ev domain.TradeEvent) (int64, error) {
	return 1, nil
}

func acceptFixture(consume func(deliveryID, intentID string) (bool, error), linkEnabled bool) (*Pipeline, *stubIntents, *stubDeliveries) {
	dels := &stubDeliveries{
		delivery: &domain.SignalDelivery{ID: "del-1", SignalID: "sig-1", UserBrokerID: "ub-1"},
		consume:  consume,
	}
	intents := &stubIntents{}
	repo := &persistence.Repository{
		Deliveries:  dels,
		Signals:     &stubSignals{signal: &domain.Signal{ID: "sig-1", Symbol: "RELIANCE", Status: domain.SignalPublished}},
		UserBrokers: &stubUserBrokers{link: &domain.UserBroker{ID: "ub-1", UserID: "user-1", Enabled: linkEnabled, Status: domain.StatusActive}},
		Sessions:    &stubSessions{},
		Intents:     intents,
		Trades:      &stubTrades{},
	}
	recorder := events.NewRecorder(&stubEvents{}, zerolog.Nop(), "test")
	fanout := deliveries.NewManager(repo, recorder, zerolog.Nop())
	return NewPipeline(repo, fanout, nil, recorder, zerolog.Nop()), intents, dels
}

func TestAcceptLoserLeavesNoIntent(t *testing.T) {
	p, intents, _ := acceptFixture(func(string, string) (bool, error) { return false, nil }, true)

	_, err := p.Accept(context.Background(), "del-1", OrderParams{OrderType: "MARKET", ProductType: "CNC"})
	require.ErrorIs(t, err, domain.ErrStateConflict)

	// Losing the consumption race must not persist an intent row: CONSUMED
	// deliveries and intents stay one-to-one per signal.
	assert.Empty(t, intents.inserted)
}

func TestAcceptConsumesBeforeInsert(t *testing.T) {
	// The link is disabled so the flow stops at validation, right after the
	// intent row lands.
	p, intents, dels := acceptFixture(func(string, string) (bool, error) { return true, nil }, false)

	out, err := p.Accept(context.Background(), "del-1", OrderParams{OrderType: "MARKET", ProductType: "CNC"})
	require.NoError(t, err)

	require.Len(t, intents.inserted, 1)
	assert.Equal(t, out.ID, intents.inserted[0].ID)
	// The id bound at consumption is the id the intent row was created with.
	assert.Equal(t, intents.inserted[0].ID, dels.consumedBy)
	assert.Contains(t, intents.rejected, out.ID)
}
