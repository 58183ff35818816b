package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundPrice_HalfUp(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"100.125", "100.13"},
		{"100.124", "100.12"},
		{"100.005", "100.01"},
		{"99.994999", "99.99"},
		{"2500.555", "2500.56"},
		{"0.01", "0.01"},
		{"100", "100"},
	}
	for _, tc := range cases {
		got := RoundPrice(decimal.RequireFromString(tc.in))
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)),
			"RoundPrice(%s) = %s, want %s", tc.in, got, tc.want)
	}
}

func TestRoundPrice_Idempotent(t *testing.T) {
	d := decimal.RequireFromString("1234.567")
	once := RoundPrice(d)
	twice := RoundPrice(once)
	assert.True(t, once.Equal(twice))
}

func TestSignalDay_ExchangeTimezone(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	// 20:00 UTC on the 14th is already the 15th in IST (+05:30).
	generated := time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-15", SignalDay(generated, ist))

	// 03:00 UTC is 08:30 IST, same calendar day.
	generated = time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-14", SignalDay(generated, ist))
}

func TestSignalStatus_Terminal(t *testing.T) {
	assert.False(t, SignalActive.Terminal())
	assert.False(t, SignalPublished.Terminal())

	for _, s := range []SignalStatus{SignalExpired, SignalStale, SignalSuperseded, SignalCancelled} {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
}
