// Package signals owns the SMS lifecycle: idempotent ingest, publication
// fan-out, staleness cascades and TTL expiry.
package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mtflow/mtflow/internal/deliveries"
	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/events"
	"github.com/mtflow/mtflow/internal/monitoring"
	"github.com/mtflow/mtflow/internal/persistence"
)

// Manager drives signal state transitions and their delivery cascades.
type Manager struct {
	signals  persistence.SignalsRepo
	config   persistence.ConfigRepo
	fanout   *deliveries.Manager
	recorder *events.Recorder
	metrics  *monitoring.MetricsRegistry
	logger   zerolog.Logger
	loc      *time.Location
}

func NewManager(repo *persistence.Repository, fanout *deliveries.Manager, recorder *events.Recorder, logger zerolog.Logger, loc *time.Location) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	return &Manager{
		signals:  repo.Signals,
		config:   repo.Config,
		fanout:   fanout,
		recorder: recorder,
		logger:   logger.With().Str("component", "signals").Logger(),
		loc:      loc,
	}
}

// SetMetrics attaches the metrics registry. Optional.
func (m *Manager) SetMetrics(metrics *monitoring.MetricsRegistry) {
	m.metrics = metrics
}

// Ingest normalizes a raw confluence observation and upserts it. Replayed
// observations land on the same canonical row; the dedupe key is the
// 2-decimal band plus symbol, confluence type and exchange-local day.
func (m *Manager) Ingest(ctx context.Context, sig domain.Signal) (*domain.Signal, error) {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.GeneratedAt.IsZero() {
		sig.GeneratedAt = time.Now()
	}
	sig.SignalDay = domain.SignalDay(sig.GeneratedAt, m.loc)
	sig.EffectiveFloor = domain.RoundPrice(sig.EffectiveFloor)
	sig.EffectiveCeiling = domain.RoundPrice(sig.EffectiveCeiling)

	if sig.ExpiresAt.IsZero() {
		ttl := m.signalTTL(ctx, sig.Symbol)
		sig.ExpiresAt = sig.GeneratedAt.Add(ttl)
	}

	out, err := m.signals.Upsert(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("signal ingest failed: %w", err)
	}
	if m.metrics != nil {
		m.metrics.SignalsIngested.Inc()
	}

	m.recorder.Global(ctx, domain.EventSignalCreated, map[string]interface{}{
		"symbol":          out.Symbol,
		"confluence_type": out.ConfluenceType,
		"signal_day":      out.SignalDay,
	}, events.Ref{SignalID: &out.ID})

	m.logger.Info().
		Str("signal_id", out.ID).
		Str("symbol", out.Symbol).
		Int("version", out.Version).
		Msg("signal ingested")
	return out, nil
}

func (m *Manager) signalTTL(ctx context.Context, symbol string) time.Duration {
	const fallback = 240 * time.Minute
	cfg, err := m.config.Effective(ctx, symbol, "")
	if err != nil {
		return fallback
	}
	if cfg.SignalTTLMinutes <= 0 {
		return fallback
	}
	return time.Duration(cfg.SignalTTLMinutes) * time.Minute
}

// Publish moves an ACTIVE signal to PUBLISHED and fans deliveries out to
// every eligible execution link.
func (m *Manager) Publish(ctx context.Context, signalID string) (*domain.Signal, error) {
	sig, err := m.signals.FindByID(ctx, signalID)
	if err != nil {
		return nil, err
	}
	if sig.Status != domain.SignalActive {
		return nil, fmt.Errorf("%w: signal %s is %s", domain.ErrStateConflict, signalID, sig.Status)
	}

	if err := m.signals.UpdateStatus(ctx, signalID, domain.SignalPublished); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.SignalTransitions.WithLabelValues(string(domain.SignalPublished)).Inc()
	}

	created, err := m.fanout.FanOut(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("delivery fan-out failed: %w", err)
	}

	m.recorder.Global(ctx, domain.EventSignalPublished, map[string]interface{}{
		"symbol":     sig.Symbol,
		"deliveries": created,
	}, events.Ref{SignalID: &sig.ID})

	m.logger.Info().
		Str("signal_id", sig.ID).
		Int("deliveries", created).
		Msg("signal published")
	return m.signals.FindByID(ctx, signalID)
}

// Transition applies a terminal transition and cascades it onto the
// signal's non-terminal deliveries. Time-driven expiry cascades EXPIRED;
// every operator- or engine-driven terminal cascades CANCELLED.
func (m *Manager) Transition(ctx context.Context, signalID string, to domain.SignalStatus) error {
	if !to.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal signal status", domain.ErrStateConflict, to)
	}

	if err := m.signals.UpdateStatus(ctx, signalID, to); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.SignalTransitions.WithLabelValues(string(to)).Inc()
	}

	var cascaded int64
	var err error
	if to == domain.SignalExpired {
		cascaded, err = m.fanout.ExpireForSignal(ctx, signalID)
	} else {
		cascaded, err = m.fanout.CancelForSignal(ctx, signalID)
	}
	if err != nil {
		return err
	}

	m.recorder.Global(ctx, eventForTransition(to), map[string]interface{}{
		"cascaded_deliveries": cascaded,
	}, events.Ref{SignalID: &signalID})
	return nil
}

func eventForTransition(to domain.SignalStatus) string {
	switch to {
	case domain.SignalExpired:
		return domain.EventSignalExpired
	case domain.SignalStale:
		return domain.EventSignalStale
	default:
		return domain.EventSignalCancelled
	}
}

// MarkStaleAll flags every unacted ACTIVE signal STALE, used when the
// global strategy config changes. Signals with any dependent trade keep
// their state; the trade is the source of truth once capital is committed.
func (m *Manager) MarkStaleAll(ctx context.Context) (int64, error) {
	n, err := m.signals.MarkStaleAll(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if m.metrics != nil {
			m.metrics.SignalTransitions.WithLabelValues(string(domain.SignalStale)).Add(float64(n))
		}
		m.recorder.Global(ctx, domain.EventSignalStale, map[string]interface{}{"count": n}, events.Ref{})
		m.logger.Info().Int64("count", n).Msg("signals marked stale after config change")
	}
	return n, nil
}

// MarkStaleSymbol is MarkStaleAll scoped to one symbol's override change.
func (m *Manager) MarkStaleSymbol(ctx context.Context, symbol string) (int64, error) {
	n, err := m.signals.MarkStaleSymbol(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info().Str("symbol", symbol).Int64("count", n).Msg("signals marked stale after override change")
	}
	return n, nil
}

// ExpireDue is the scheduler entrypoint: every PUBLISHED signal past its
// TTL transitions to EXPIRED with the delivery cascade.
func (m *Manager) ExpireDue(ctx context.Context) (int, error) {
	due, err := m.signals.FindExpiringSoon(ctx, 0)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, sig := range due {
		if err := m.Transition(ctx, sig.ID, domain.SignalExpired); err != nil {
			m.logger.Error().Err(err).Str("signal_id", sig.ID).Msg("signal expiry failed")
			continue
		}
		expired++
	}
	return expired, nil
}

// Find/List passthroughs for the HTTP layer.

func (m *Manager) Find(ctx context.Context, id string) (*domain.Signal, error) {
	return m.signals.FindByID(ctx, id)
}

func (m *Manager) ListByStatus(ctx context.Context, status domain.SignalStatus, limit int) ([]domain.Signal, error) {
	return m.signals.ListByStatus(ctx, status, limit)
}

func (m *Manager) History(ctx context.Context, id string) ([]domain.Signal, error) {
	return m.signals.FindVersions(ctx, id)
}
