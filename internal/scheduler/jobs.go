package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mtflow/mtflow/internal/broker"
	"github.com/mtflow/mtflow/internal/catalog"
	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/events"
	"github.com/mtflow/mtflow/internal/exits"
	"github.com/mtflow/mtflow/internal/intents"
	"github.com/mtflow/mtflow/internal/persistence"
	"github.com/mtflow/mtflow/internal/signals"
	"github.com/mtflow/mtflow/internal/watchlist"
)

const jobTimeout = 2 * time.Minute

// sweepLimit bounds reconcile and retry batches per run.
const sweepLimit = 100

// SignalExpiryJob expires PUBLISHED signals past their TTL and cascades
// their deliveries.
type SignalExpiryJob struct {
	signals *signals.Manager
	log     zerolog.Logger
}

func NewSignalExpiryJob(m *signals.Manager, log zerolog.Logger) *SignalExpiryJob {
	return &SignalExpiryJob{signals: m, log: log.With().Str("job", "signal_expiry").Logger()}
}

func (j *SignalExpiryJob) Name() string { return "signal_expiry" }

func (j *SignalExpiryJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := j.signals.ExpireDue(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		j.log.Info().Int("expired", n).Msg("signals expired")
	}
	return nil
}

// SessionExpiryJob marks ACTIVE broker sessions past token validity as
// EXPIRED and emits a global event when anything changed.
type SessionExpiryJob struct {
	sessions persistence.SessionsRepo
	recorder *events.Recorder
	log      zerolog.Logger
}

func NewSessionExpiryJob(sessions persistence.SessionsRepo, recorder *events.Recorder, log zerolog.Logger) *SessionExpiryJob {
	return &SessionExpiryJob{
		sessions: sessions,
		recorder: recorder,
		log:      log.With().Str("job", "session_expiry").Logger(),
	}
}

func (j *SessionExpiryJob) Name() string { return "session_expiry" }

func (j *SessionExpiryJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := j.sessions.ExpirePast(ctx, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		j.log.Info().Int64("expired", n).Msg("sessions expired")
		j.recorder.Global(ctx, domain.EventSessionExpired, map[string]interface{}{"count": n}, events.Ref{})
	}
	return nil
}

// EntryReconcileJob polls broker order status for PLACED entry intents.
type EntryReconcileJob struct {
	pipeline *intents.Pipeline
	log      zerolog.Logger
}

func NewEntryReconcileJob(p *intents.Pipeline, log zerolog.Logger) *EntryReconcileJob {
	return &EntryReconcileJob{pipeline: p, log: log.With().Str("job", "entry_reconcile").Logger()}
}

func (j *EntryReconcileJob) Name() string { return "entry_reconcile" }

func (j *EntryReconcileJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := j.pipeline.ReconcilePlaced(ctx, sweepLimit)
	if err != nil {
		return err
	}
	if n > 0 {
		j.log.Info().Int("reconciled", n).Msg("entry intents reconciled")
	}
	return nil
}

// ExitRetryJob re-drives stuck exit intents: settles PLACED ones and
// re-places APPROVED ones up to the retry cap.
type ExitRetryJob struct {
	pipeline *exits.Pipeline
	log      zerolog.Logger
}

func NewExitRetryJob(p *exits.Pipeline, log zerolog.Logger) *ExitRetryJob {
	return &ExitRetryJob{pipeline: p, log: log.With().Str("job", "exit_retry").Logger()}
}

func (j *ExitRetryJob) Name() string { return "exit_retry" }

func (j *ExitRetryJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := j.pipeline.RetryStuck(ctx, sweepLimit)
	if err != nil {
		return err
	}
	if n > 0 {
		j.log.Info().Int("processed", n).Msg("stuck exit intents processed")
	}
	return nil
}

// WatchlistSyncJob reconciles Level-4 entries against the default set.
type WatchlistSyncJob struct {
	service *watchlist.Service
	log     zerolog.Logger
}

func NewWatchlistSyncJob(s *watchlist.Service, log zerolog.Logger) *WatchlistSyncJob {
	return &WatchlistSyncJob{service: s, log: log.With().Str("job", "watchlist_sync").Logger()}
}

func (j *WatchlistSyncJob) Name() string { return "watchlist_sync" }

func (j *WatchlistSyncJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	_, _, err := j.service.SyncAll(ctx)
	return err
}

// InstrumentSyncJob refreshes the instrument catalog from the data broker's
// master dump. Skips quietly when no data broker is designated.
type InstrumentSyncJob struct {
	catalog *catalog.Service
	brokers *broker.Manager
	links   persistence.UserBrokersRepo
	log     zerolog.Logger
}

func NewInstrumentSyncJob(c *catalog.Service, b *broker.Manager, links persistence.UserBrokersRepo, log zerolog.Logger) *InstrumentSyncJob {
	return &InstrumentSyncJob{catalog: c, brokers: b, links: links, log: log.With().Str("job", "instrument_sync").Logger()}
}

func (j *InstrumentSyncJob) Name() string { return "instrument_sync" }

func (j *InstrumentSyncJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	ub, err := j.links.FindDataBroker(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			j.log.Debug().Msg("no data broker designated, skipping")
			return nil
		}
		return fmt.Errorf("failed to resolve data broker: %w", err)
	}

	adapter, _, err := j.brokers.AdapterFor(ctx, ub)
	if err != nil {
		return fmt.Errorf("failed to resolve adapter: %w", err)
	}

	n, err := j.catalog.Sync(ctx, adapter)
	if err != nil {
		return err
	}
	j.log.Info().Int("upserted", n).Msg("instrument master refreshed")
	return nil
}
