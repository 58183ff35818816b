package broker

import (
	"sync"
	"time"
)

// ReconnectPolicy is the exponential backoff state machine driving adapter
// reconnects. Data feeds and order links carry different presets: the feed
// backs off gently and gives up sooner, the order link retries faster and
// longer because a stuck exit is worse than a stale quote.
type ReconnectPolicy struct {
	mu sync.Mutex

	initial     time.Duration
	max         time.Duration
	factor      float64
	maxAttempts int

	attempts int
}

// DataFeedPolicy is the market-data preset: 1s initial, 5m cap, doubling,
// 10 attempts.
func DataFeedPolicy() *ReconnectPolicy {
	return NewReconnectPolicy(time.Second, 5*time.Minute, 2.0, 10)
}

// OrderLinkPolicy is the execution preset: 500ms initial, 2m cap, 1.5x
// growth, 15 attempts.
func OrderLinkPolicy() *ReconnectPolicy {
	return NewReconnectPolicy(500*time.Millisecond, 2*time.Minute, 1.5, 15)
}

func NewReconnectPolicy(initial, max time.Duration, factor float64, maxAttempts int) *ReconnectPolicy {
	return &ReconnectPolicy{
		initial:     initial,
		max:         max,
		factor:      factor,
		maxAttempts: maxAttempts,
	}
}

// NextDelay returns the backoff before the next attempt and whether another
// attempt is allowed. The first call returns the initial delay.
func (p *ReconnectPolicy) NextDelay() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.attempts >= p.maxAttempts {
		return 0, false
	}

	delay := p.initial
	for i := 0; i < p.attempts; i++ {
		delay = time.Duration(float64(delay) * p.factor)
		if delay >= p.max {
			delay = p.max
			break
		}
	}
	p.attempts++
	return delay, true
}

// Reset clears the attempt counter after a successful connect.
func (p *ReconnectPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
}

// Attempts reports how many delays have been handed out since the last
// Reset.
func (p *ReconnectPolicy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}
