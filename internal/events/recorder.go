// Package events provides the append-side API over the trade event log.
// Emission is best-effort: a failed append is logged and swallowed so the
// pipelines never fail because the audit trail hiccuped.
package events

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/persistence"
)

// Ref carries the optional correlation ids attached to an event.
type Ref struct {
	SignalID *string
	IntentID *string
	TradeID  *string
	OrderID  *string
}

// Recorder appends scoped events to the log.
type Recorder struct {
	repo   persistence.EventsRepo
	logger zerolog.Logger
	actor  string
}

// NewRecorder creates a Recorder writing as the given actor (created_by).
func NewRecorder(repo persistence.EventsRepo, logger zerolog.Logger, actor string) *Recorder {
	if actor == "" {
		actor = "system"
	}
	return &Recorder{
		repo:   repo,
		logger: logger.With().Str("component", "events").Logger(),
		actor:  actor,
	}
}

// Global emits a GLOBAL-scope event visible to every tail.
func (r *Recorder) Global(ctx context.Context, eventType string, payload interface{}, ref Ref) {
	r.emit(ctx, domain.TradeEvent{
		EventType: eventType,
		Scope:     domain.ScopeGlobal,
	}, payload, ref)
}

// User emits a USER-scope event.
func (r *Recorder) User(ctx context.Context, eventType, userID string, payload interface{}, ref Ref) {
	r.emit(ctx, domain.TradeEvent{
		EventType: eventType,
		Scope:     domain.ScopeUser,
		UserID:    &userID,
	}, payload, ref)
}

// UserBroker emits a USER_BROKER-scope event.
func (r *Recorder) UserBroker(ctx context.Context, eventType, userID, userBrokerID string, payload interface{}, ref Ref) {
	r.emit(ctx, domain.TradeEvent{
		EventType:    eventType,
		Scope:        domain.ScopeUserBroker,
		UserID:       &userID,
		UserBrokerID: &userBrokerID,
	}, payload, ref)
}

func (r *Recorder) emit(ctx context.Context, ev domain.TradeEvent, payload interface{}, ref Ref) {
	body, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event_type", ev.EventType).Msg("event payload not serializable, dropping")
		return
	}
	ev.Payload = body
	ev.SignalID = ref.SignalID
	ev.IntentID = ref.IntentID
	ev.TradeID = ref.TradeID
	ev.OrderID = ref.OrderID
	ev.CreatedBy = r.actor

	seq, err := r.repo.Append(ctx, ev)
	if err != nil {
		r.logger.Error().Err(err).
			Str("event_type", ev.EventType).
			Str("scope", string(ev.Scope)).
			Msg("event append failed")
		return
	}

	r.logger.Debug().
		Int64("seq", seq).
		Str("event_type", ev.EventType).
		Str("scope", string(ev.Scope)).
		Msg("event appended")
}
