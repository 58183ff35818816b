package broker

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes one adapter's circuit breaker.
type BreakerConfig struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	ErrorRateThreshold  float64
}

// DefaultBreakerConfig trips after 5 consecutive failures or a 50% error
// rate over at least 10 calls, and probes again after 30s open.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		ErrorRateThreshold:  50.0,
	}
}

// Guard wraps every outbound broker call in a circuit breaker so a flapping
// brokerage API fails fast instead of tying up the pipelines.
type Guard struct {
	cb     *gobreaker.CircuitBreaker
	logger zerolog.Logger
}

func NewGuard(cfg BreakerConfig, logger zerolog.Logger) *Guard {
	g := &Guard{
		logger: logger.With().Str("component", "breaker").Str("broker", cfg.Name).Logger(),
	}

	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests >= 10 {
				errorRate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
				if errorRate >= cfg.ErrorRateThreshold {
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	return g
}

// Do executes fn through the breaker.
func (g *Guard) Do(fn func() error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the breaker state name for health reporting.
func (g *Guard) State() string {
	return g.cb.State().String()
}
