package signals

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtflow/mtflow/internal/deliveries"
	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/events"
	"github.com/mtflow/mtflow/internal/persistence"
)

type stubSignals struct {
	persistence.SignalsRepo
	upserted    *domain.Signal
	byID        map[string]*domain.Signal
	transitions []domain.SignalStatus
}

func (s *stubSignals) Upsert(ctx context.Context, sig domain.Signal) (*domain.Signal, error) {
	s.upserted = &sig
	out := sig
	out.Version = 1
	out.Status = domain.SignalActive
	return &out, nil
}

func (s *stubSignals) FindByID(ctx context.Context, id string) (*domain.Signal, error) {
	if sig, ok := s.byID[id]; ok {
		return sig, nil
	}
	return nil, domain.ErrNotFound
}

func (s *stubSignals) UpdateStatus(ctx context.Context, id string, status domain.SignalStatus) error {
	s.transitions = append(s.transitions, status)
	return nil
}

type stubConfig struct {
	persistence.ConfigRepo
	ttlMinutes int
}

func (s *stubConfig) Effective(ctx context.Context, symbol, userBrokerID string) (*domain.MtfGlobalConfig, error) {
	return &domain.MtfGlobalConfig{SignalTTLMinutes: s.ttlMinutes}, nil
}

type stubDeliveries struct {
	persistence.DeliveriesRepo
	expired   []string
	cancelled []string
}

func (s *stubDeliveries) ExpireAllForSignal(ctx context.Context, signalID string) (int64, error) {
	s.expired = append(s.expired, signalID)
	return 2, nil
}

func (s *stubDeliveries) CancelAllForSignal(ctx context.Context, signalID string) (int64, error) {
	s.cancelled = append(s.cancelled, signalID)
	return 1, nil
}

type stubUserBrokers struct {
	persistence.UserBrokersRepo
}

func (s *stubUserBrokers) ListEligibleExec(ctx context.Context) ([]domain.UserBroker, error) {
	return nil, nil
}

type stubEvents struct {
	persistence.EventsRepo
	appended []domain.TradeEvent
}

func (s *stubEvents) Append(ctx context.Context, ev domain.TradeEvent) (int64, error) {
	s.appended = append(s.appended, ev)
	return int64(len(s.appended)), nil
}

func newTestManager(t *testing.T, sigs *stubSignals, cfg *stubConfig, dels *stubDeliveries) (*Manager, *stubEvents) {
	t.Helper()
	evs := &stubEvents{}
	repo := &persistence.Repository{
		Signals:     sigs,
		Config:      cfg,
		Deliveries:  dels,
		UserBrokers: &stubUserBrokers{},
	}
	recorder := events.NewRecorder(evs, zerolog.Nop(), "test")
	fanout := deliveries.NewManager(repo, recorder, zerolog.Nop())

	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return NewManager(repo, fanout, recorder, zerolog.Nop(), ist), evs
}

func TestIngest_NormalizesDedupeKey(t *testing.T) {
	sigs := &stubSignals{}
	m, evs := newTestManager(t, sigs, &stubConfig{ttlMinutes: 60}, &stubDeliveries{})

	generated := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC) // already the 15th in IST
	out, err := m.Ingest(context.Background(), domain.Signal{
		Symbol:           "RELIANCE",
		ConfluenceType:   "HTF_ITF_LTF",
		GeneratedAt:      generated,
		EffectiveFloor:   decimal.RequireFromString("2450.555"),
		EffectiveCeiling: decimal.RequireFromString("2480.124"),
	})
	require.NoError(t, err)

	stored := sigs.upserted
	require.NotNil(t, stored)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, "2026-03-15", stored.SignalDay)
	assert.True(t, stored.EffectiveFloor.Equal(decimal.RequireFromString("2450.56")))
	assert.True(t, stored.EffectiveCeiling.Equal(decimal.RequireFromString("2480.12")))

	// TTL from the effective config.
	assert.Equal(t, generated.Add(60*time.Minute), stored.ExpiresAt)

	assert.Equal(t, domain.SignalActive, out.Status)
	require.Len(t, evs.appended, 1)
	assert.Equal(t, domain.EventSignalCreated, evs.appended[0].EventType)
	assert.Equal(t, domain.ScopeGlobal, evs.appended[0].Scope)
}

func TestIngest_KeepsProvidedExpiry(t *testing.T) {
	sigs := &stubSignals{}
	m, _ := newTestManager(t, sigs, &stubConfig{ttlMinutes: 60}, &stubDeliveries{})

	expires := time.Date(2026, 3, 15, 15, 30, 0, 0, time.UTC)
	_, err := m.Ingest(context.Background(), domain.Signal{
		Symbol:      "TCS",
		GeneratedAt: time.Now(),
		ExpiresAt:   expires,
	})
	require.NoError(t, err)
	assert.Equal(t, expires, sigs.upserted.ExpiresAt)
}

func TestPublish_RequiresActive(t *testing.T) {
	sigs := &stubSignals{byID: map[string]*domain.Signal{
		"sig-1": {ID: "sig-1", Status: domain.SignalExpired},
	}}
	m, _ := newTestManager(t, sigs, &stubConfig{}, &stubDeliveries{})

	_, err := m.Publish(context.Background(), "sig-1")
	assert.ErrorIs(t, err, domain.ErrStateConflict)
	assert.Empty(t, sigs.transitions)
}

func TestTransition_ExpiryCascadesExpired(t *testing.T) {
	sigs := &stubSignals{}
	dels := &stubDeliveries{}
	m, _ := newTestManager(t, sigs, &stubConfig{}, dels)

	require.NoError(t, m.Transition(context.Background(), "sig-1", domain.SignalExpired))

	assert.Equal(t, []domain.SignalStatus{domain.SignalExpired}, sigs.transitions)
	assert.Equal(t, []string{"sig-1"}, dels.expired)
	assert.Empty(t, dels.cancelled)
}

func TestTransition_OperatorTerminalCascadesCancelled(t *testing.T) {
	for _, to := range []domain.SignalStatus{domain.SignalCancelled, domain.SignalStale, domain.SignalSuperseded} {
		sigs := &stubSignals{}
		dels := &stubDeliveries{}
		m, _ := newTestManager(t, sigs, &stubConfig{}, dels)

		require.NoError(t, m.Transition(context.Background(), "sig-1", to))
		assert.Equal(t, []string{"sig-1"}, dels.cancelled, "transition to %s", to)
		assert.Empty(t, dels.expired)
	}
}

func TestTransition_RejectsNonTerminal(t *testing.T) {
	sigs := &stubSignals{}
	m, _ := newTestManager(t, sigs, &stubConfig{}, &stubDeliveries{})

	err := m.Transition(context.Background(), "sig-1", domain.SignalPublished)
	assert.ErrorIs(t, err, domain.ErrStateConflict)
	assert.Empty(t, sigs.transitions)
}
