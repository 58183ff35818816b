// Package watchlist maintains the four-level watchlist hierarchy and the
// per-link sync against the default set.
package watchlist

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/persistence"
)

// Service wraps the hierarchy repos with the sync and tick paths.
type Service struct {
	watchlists  persistence.WatchlistsRepo
	userBrokers persistence.UserBrokersRepo
	instruments persistence.InstrumentsRepo
	brokers     persistence.BrokersRepo
	logger      zerolog.Logger
}

func NewService(repo *persistence.Repository, logger zerolog.Logger) *Service {
	return &Service{
		watchlists:  repo.Watchlists,
		userBrokers: repo.UserBrokers,
		instruments: repo.Instruments,
		brokers:     repo.Brokers,
		logger:      logger.With().Str("component", "watchlist").Logger(),
	}
}

// SyncAll reconciles every eligible execution link against the Level-3
// default set: missing symbols are added (or resurrected), synced symbols
// that fell out are pruned. Custom rows are untouchable by sync.
func (s *Service) SyncAll(ctx context.Context) (added, pruned int64, err error) {
	symbols, err := s.watchlists.DefaultSymbols(ctx)
	if err != nil {
		return 0, 0, err
	}

	links, err := s.userBrokers.ListEligibleExec(ctx)
	if err != nil {
		return 0, 0, err
	}

	now := time.Now()
	for _, link := range links {
		brokerCode := ""
		if b, berr := s.brokers.FindByID(ctx, link.BrokerID); berr == nil {
			brokerCode = b.Code
		}

		for _, symbol := range symbols {
			entry := domain.WatchlistEntry{
				ID:           uuid.NewString(),
				UserBrokerID: link.ID,
				Symbol:       symbol,
				LotSize:      1,
				Enabled:      true,
				LastSyncedAt: &now,
			}
			if brokerCode != "" {
				if inst, ierr := s.instruments.FindBySymbol(ctx, brokerCode, "NSE", symbol); ierr == nil {
					entry.LotSize = inst.LotSize
					entry.TickSize = inst.TickSize
				}
			}

			if _, uerr := s.watchlists.UpsertEntry(ctx, entry); uerr != nil {
				s.logger.Error().Err(uerr).
					Str("user_broker_id", link.ID).
					Str("symbol", symbol).
					Msg("watchlist sync upsert failed")
				continue
			}
			added++
		}

		n, derr := s.watchlists.DeleteSyncedNotIn(ctx, link.ID, symbols)
		if derr != nil {
			s.logger.Error().Err(derr).Str("user_broker_id", link.ID).Msg("watchlist prune failed")
			continue
		}
		pruned += n
	}

	s.logger.Info().
		Int("symbols", len(symbols)).
		Int("links", len(links)).
		Int64("upserted", added).
		Int64("pruned", pruned).
		Msg("watchlist sync complete")
	return added, pruned, nil
}

// AddCustom adds a user-picked symbol to one link's watchlist. Custom rows
// survive sync pruning.
func (s *Service) AddCustom(ctx context.Context, userBrokerID, symbol string, lotSize int64, tickSize decimal.Decimal) (*domain.WatchlistEntry, error) {
	return s.watchlists.UpsertEntry(ctx, domain.WatchlistEntry{
		ID:           uuid.NewString(),
		UserBrokerID: userBrokerID,
		Symbol:       symbol,
		LotSize:      lotSize,
		TickSize:     tickSize,
		IsCustom:     true,
		Enabled:      true,
	})
}

// RecordTick persists the latest price onto every current row for the
// symbol. Called from the feed loop; failures are logged, never fatal.
func (s *Service) RecordTick(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) {
	if _, err := s.watchlists.UpdateTick(ctx, symbol, domain.RoundPrice(price), at); err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("tick persist failed")
	}
}

// WatchedSymbols is the union of current entries across links, used to
// build the feed subscription.
func (s *Service) WatchedSymbols(ctx context.Context) ([]string, error) {
	links, err := s.userBrokers.ListEligibleExec(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string
	for _, link := range links {
		entries, err := s.watchlists.ListEntries(ctx, link.ID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Enabled && !seen[e.Symbol] {
				seen[e.Symbol] = true
				out = append(out, e.Symbol)
			}
		}
	}
	return out, nil
}
