// Package catalog serves the broker instrument master with a Redis
// read-through cache in front of the store.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mtflow/mtflow/internal/broker"
	"github.com/mtflow/mtflow/internal/domain"
	"github.com/mtflow/mtflow/internal/persistence"
)

const (
	searchTTL  = 5 * time.Minute
	versionKey = "catalog:ver"
)

// Service is the instrument catalog: bulk refresh from the broker, ranked
// search with caching, point lookups.
type Service struct {
	instruments persistence.InstrumentsRepo
	cache       *redis.Client
	logger      zerolog.Logger
}

// NewService creates the catalog. cache may be nil; the service then reads
// straight through to the store.
func NewService(instruments persistence.InstrumentsRepo, cache *redis.Client, logger zerolog.Logger) *Service {
	return &Service{
		instruments: instruments,
		cache:       cache,
		logger:      logger.With().Str("component", "catalog").Logger(),
	}
}

// Sync refreshes a broker namespace from its adapter and invalidates the
// search cache by bumping the namespace version.
func (s *Service) Sync(ctx context.Context, adapter broker.Adapter) (int, error) {
	instruments, err := adapter.FetchInstruments(ctx)
	if err != nil {
		return 0, fmt.Errorf("instrument fetch failed: %w", err)
	}

	written, err := s.instruments.BulkUpsert(ctx, adapter.Code(), instruments)
	if err != nil {
		return 0, fmt.Errorf("instrument refresh failed: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Incr(ctx, versionKey).Err(); err != nil {
			s.logger.Warn().Err(err).Msg("cache version bump failed, stale search results possible")
		}
	}

	s.logger.Info().
		Str("broker_code", adapter.Code()).
		Int("instruments", written).
		Msg("instrument catalog refreshed")
	return written, nil
}

// Search is the ranked symbol search: prefix matches before substring
// matches. Results are cached per (query, limit) under the current
// namespace version.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]domain.Instrument, error) {
	if limit <= 0 {
		limit = 20
	}

	key := s.searchKey(ctx, query, limit)
	if key != "" {
		if raw, err := s.cache.Get(ctx, key).Result(); err == nil {
			var cached []domain.Instrument
			if err := json.Unmarshal([]byte(raw), &cached); err == nil {
				return cached, nil
			}
		}
	}

	out, err := s.instruments.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	if key != "" {
		if raw, err := json.Marshal(out); err == nil {
			if err := s.cache.Set(ctx, key, raw, searchTTL).Err(); err != nil {
				s.logger.Debug().Err(err).Msg("search cache write failed")
			}
		}
	}
	return out, nil
}

func (s *Service) searchKey(ctx context.Context, query string, limit int) string {
	if s.cache == nil {
		return ""
	}
	ver, err := s.cache.Get(ctx, versionKey).Result()
	if err != nil {
		ver = "0"
	}
	return fmt.Sprintf("catalog:%s:search:%s:%d", ver, query, limit)
}

// Find is the point lookup used by sizing; it skips the cache.
func (s *Service) Find(ctx context.Context, brokerCode, exchange, symbol string) (*domain.Instrument, error) {
	return s.instruments.FindBySymbol(ctx, brokerCode, exchange, symbol)
}
