// Package deliveries fans published signals out to eligible execution
// links and guards single-use consumption.
package deliveries

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/events"
	"github.com/mtflow/mtflow/internal/monitoring"
	"github.com/mtflow/mtflow/internal/persistence"
)

// Manager owns the delivery fan-out and its consumption semantics.
type Manager struct {
	deliveries  persistence.DeliveriesRepo
	userBrokers persistence.UserBrokersRepo
	recorder    *events.Recorder
	metrics     *monitoring.MetricsRegistry
	logger      zerolog.Logger
}

func NewManager(repo *persistence.Repository, recorder *events.Recorder, logger zerolog.Logger) *Manager {
	return &Manager{
		deliveries:  repo.Deliveries,
		userBrokers: repo.UserBrokers,
		recorder:    recorder,
		logger:      logger.With().Str("component", "deliveries").Logger(),
	}
}

// SetMetrics attaches the metrics registry. Optional.
func (m *Manager) SetMetrics(metrics *monitoring.MetricsRegistry) {
	m.metrics = metrics
}

// FanOut creates one delivery per eligible execution link. Eligibility is
// enabled+ACTIVE link, ACTIVE parent user and a risk policy admitting the
// symbol. Links failing the risk filter get no row at all; rejection rows
// exist only for user decisions.
func (m *Manager) FanOut(ctx context.Context, sig *domain.Signal) (int, error) {
	links, err := m.userBrokers.ListEligibleExec(ctx)
	if err != nil {
		return 0, fmt.Errorf("eligibility listing failed: %w", err)
	}

	created := 0
	for _, link := range links {
		if !link.Risk.AllowsSymbol(sig.Symbol) {
			m.logger.Debug().
				Str("signal_id", sig.ID).
				Str("user_broker_id", link.ID).
				Msg("risk policy excludes symbol, skipping delivery")
			continue
		}

		d, err := m.deliveries.Insert(ctx, domain.SignalDelivery{
			ID:           uuid.NewString(),
			SignalID:     sig.ID,
			UserBrokerID: link.ID,
			Status:       domain.DeliveryCreated,
		})
		if err != nil {
			// A duplicate (signal, link) target means a previous fan-out
			// already covered it; every other error aborts.
			if errors.Is(err, domain.ErrStateConflict) {
				continue
			}
			return created, fmt.Errorf("delivery insert failed for link %s: %w", link.ID, err)
		}
		created++
		if m.metrics != nil {
			m.metrics.DeliveriesCreated.Inc()
		}

		m.recorder.UserBroker(ctx, domain.EventDeliveryCreated, link.UserID, link.ID, map[string]interface{}{
			"delivery_id": d.ID,
			"symbol":      sig.Symbol,
		}, events.Ref{SignalID: &sig.ID})
	}
	return created, nil
}

// MarkDelivered acknowledges client-side receipt (CREATED→DELIVERED).
func (m *Manager) MarkDelivered(ctx context.Context, deliveryID string) error {
	return m.deliveries.MarkDelivered(ctx, deliveryID)
}

// Consume binds the delivery to an intent exactly once. A false return
// means another consumer won or the delivery already reached a terminal
// state; the caller must not proceed with the intent.
func (m *Manager) Consume(ctx context.Context, deliveryID, intentID string) (bool, error) {
	ok, err := m.deliveries.Consume(ctx, deliveryID, intentID)
	if err != nil {
		return false, err
	}
	if !ok {
		if m.metrics != nil {
			m.metrics.DeliveriesConsumed.WithLabelValues("lost").Inc()
		}
		m.logger.Warn().
			Str("delivery_id", deliveryID).
			Str("intent_id", intentID).
			Msg("delivery consumption lost the race")
		return false, nil
	}
	if m.metrics != nil {
		m.metrics.DeliveriesConsumed.WithLabelValues("consumed").Inc()
	}

	d, err := m.deliveries.FindByID(ctx, deliveryID)
	if err == nil {
		m.recorder.UserBroker(ctx, domain.EventDeliveryConsumed, "", d.UserBrokerID, map[string]interface{}{
			"delivery_id": deliveryID,
		}, events.Ref{SignalID: &d.SignalID, IntentID: &intentID})
	}
	return true, nil
}

// ExpireForSignal cascades signal expiry onto its open deliveries.
func (m *Manager) ExpireForSignal(ctx context.Context, signalID string) (int64, error) {
	return m.deliveries.ExpireAllForSignal(ctx, signalID)
}

// CancelForSignal cascades operator/engine termination onto open deliveries.
func (m *Manager) CancelForSignal(ctx context.Context, signalID string) (int64, error) {
	return m.deliveries.CancelAllForSignal(ctx, signalID)
}

func (m *Manager) Find(ctx context.Context, id string) (*domain.SignalDelivery, error) {
	return m.deliveries.FindByID(ctx, id)
}

func (m *Manager) ListForSignal(ctx context.Context, signalID string) ([]domain.SignalDelivery, error) {
	return m.deliveries.ListBySignal(ctx, signalID)
}

func (m *Manager) ListForUserBroker(ctx context.Context, userBrokerID string, limit int) ([]domain.SignalDelivery, error) {
	return m.deliveries.ListForUserBroker(ctx, userBrokerID, limit)
}
