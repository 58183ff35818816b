package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataFeedPolicy_Progression(t *testing.T) {
	p := DataFeedPolicy()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		64 * time.Second,
		128 * time.Second,
		256 * time.Second,
		5 * time.Minute, // capped
	}
	for i, expected := range want {
		delay, ok := p.NextDelay()
		require.True(t, ok, "attempt %d should be allowed", i+1)
		assert.Equal(t, expected, delay, "attempt %d", i+1)
	}

	// 11th attempt exceeds the preset's budget.
	_, ok := p.NextDelay()
	assert.False(t, ok)
	assert.Equal(t, 10, p.Attempts())
}

func TestOrderLinkPolicy_Preset(t *testing.T) {
	p := OrderLinkPolicy()

	delay, ok := p.NextDelay()
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, delay)

	delay, ok = p.NextDelay()
	require.True(t, ok)
	assert.Equal(t, 750*time.Millisecond, delay)

	// Drain the remaining budget; the order link allows 15 attempts total.
	for i := 2; i < 15; i++ {
		delay, ok = p.NextDelay()
		require.True(t, ok)
		assert.LessOrEqual(t, delay, 2*time.Minute)
	}
	_, ok = p.NextDelay()
	assert.False(t, ok)
}

func TestReconnectPolicy_CapHolds(t *testing.T) {
	p := NewReconnectPolicy(time.Second, 3*time.Second, 2.0, 8)

	var last time.Duration
	for i := 0; i < 8; i++ {
		delay, ok := p.NextDelay()
		require.True(t, ok)
		assert.LessOrEqual(t, delay, 3*time.Second)
		last = delay
	}
	assert.Equal(t, 3*time.Second, last)
}

func TestReconnectPolicy_Reset(t *testing.T) {
	p := NewReconnectPolicy(time.Second, time.Minute, 2.0, 3)

	for i := 0; i < 3; i++ {
		_, ok := p.NextDelay()
		require.True(t, ok)
	}
	_, ok := p.NextDelay()
	require.False(t, ok)

	p.Reset()
	assert.Equal(t, 0, p.Attempts())

	delay, ok := p.NextDelay()
	require.True(t, ok)
	assert.Equal(t, time.Second, delay)
}
