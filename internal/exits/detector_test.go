package exits

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtflow/mtflow/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decp(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func detectorConfig() domain.MtfGlobalConfig {
	return domain.MtfGlobalConfig{
		TrailingActivationPct: dec("0.03"),
		TrailingDistancePct:   dec("0.02"),
	}
}

func openTrade() *domain.Trade {
	return &domain.Trade{
		ID:         "trade-1",
		Symbol:     "RELIANCE",
		Quantity:   100,
		EntryPrice: decp("100"),
		StopLoss:   decp("95"),
		Target:     decp("115"),
		Status:     domain.TradeOpen,
	}
}

func openShortTrade() *domain.Trade {
	return &domain.Trade{
		ID:         "trade-2",
		Symbol:     "RELIANCE",
		Direction:  domain.DirectionShort,
		Quantity:   100,
		EntryPrice: decp("100"),
		StopLoss:   decp("105"),
		Target:     decp("85"),
		Status:     domain.TradeOpen,
	}
}

func TestEvaluateTick_NoTrigger(t *testing.T) {
	det, update := EvaluateTick(openTrade(), detectorConfig(), dec("101"))

	assert.Nil(t, det)
	assert.False(t, update.Trailing.Active)
	require.NotNil(t, update.Trailing.ExtremePrice)
	assert.True(t, update.Trailing.ExtremePrice.Equal(dec("101")))
}

func TestEvaluateTick_StopHit(t *testing.T) {
	det, _ := EvaluateTick(openTrade(), detectorConfig(), dec("94.50"))

	require.NotNil(t, det)
	assert.Equal(t, domain.ExitReasonStopHit, det.Reason)
	assert.True(t, det.Price.Equal(dec("94.50")))
}

func TestEvaluateTick_TargetHit(t *testing.T) {
	det, _ := EvaluateTick(openTrade(), detectorConfig(), dec("115"))

	require.NotNil(t, det)
	assert.Equal(t, domain.ExitReasonTargetHit, det.Reason)
}

func TestEvaluateTick_TrailingActivation(t *testing.T) {
	tr := openTrade()

	// +3% past entry activates the trail and places the stop 2% under the
	// high-water mark.
	det, update := EvaluateTick(tr, detectorConfig(), dec("103"))
	assert.Nil(t, det)
	assert.True(t, update.Trailing.Active)
	require.NotNil(t, update.Trailing.StopPrice)
	assert.True(t, update.Trailing.StopPrice.Equal(dec("100.94")), "got %s", update.Trailing.StopPrice)
	assert.True(t, update.Changed)
}

func TestEvaluateTick_TrailingStopRatchetsUpOnly(t *testing.T) {
	tr := openTrade()
	tr.Trailing = domain.TrailingStop{
		Active:       true,
		ExtremePrice: decp("110"),
		StopPrice:    decp("107.80"),
	}

	// A lower tick above the stop must not move the stop down.
	det, update := EvaluateTick(tr, detectorConfig(), dec("108"))
	assert.Nil(t, det)
	assert.True(t, update.Trailing.StopPrice.Equal(dec("107.80")))
	assert.True(t, update.Trailing.ExtremePrice.Equal(dec("110")))

	// A new high ratchets both.
	tr.Trailing = update.Trailing
	det, update = EvaluateTick(tr, detectorConfig(), dec("112"))
	assert.Nil(t, det)
	assert.True(t, update.Trailing.ExtremePrice.Equal(dec("112")))
	assert.True(t, update.Trailing.StopPrice.Equal(dec("109.76")))
}

func TestEvaluateTick_TrailingStopFires(t *testing.T) {
	tr := openTrade()
	tr.Trailing = domain.TrailingStop{
		Active:       true,
		ExtremePrice: decp("110"),
		StopPrice:    decp("107.80"),
	}

	det, update := EvaluateTick(tr, detectorConfig(), dec("107.50"))
	require.NotNil(t, det)
	assert.Equal(t, domain.ExitReasonTrailingStop, det.Reason)
	require.NotNil(t, det.TrailingStopPrice)
	assert.True(t, det.TrailingStopPrice.Equal(dec("107.80")))
	require.NotNil(t, det.HighestSinceEntry)
	assert.True(t, det.HighestSinceEntry.Equal(dec("110")))
	assert.True(t, update.Trailing.Active)
}

func TestEvaluateTick_StopBeatsTrailingAndTarget(t *testing.T) {
	tr := openTrade()
	tr.StopLoss = decp("108")
	tr.Target = decp("105")
	tr.Trailing = domain.TrailingStop{
		Active:       true,
		ExtremePrice: decp("112"),
		StopPrice:    decp("109.76"),
	}

	// Contrived tick under all three thresholds: the hard stop wins.
	det, _ := EvaluateTick(tr, detectorConfig(), dec("105"))
	require.NotNil(t, det)
	assert.Equal(t, domain.ExitReasonStopHit, det.Reason)
}

func TestEvaluateTick_NoEntryPriceSkipsTrailing(t *testing.T) {
	tr := openTrade()
	tr.EntryPrice = nil
	tr.StopLoss = nil
	tr.Target = nil

	det, update := EvaluateTick(tr, detectorConfig(), dec("120"))
	assert.Nil(t, det)
	assert.False(t, update.Changed)
	assert.Nil(t, update.Trailing.ExtremePrice)
}

func TestEvaluateTick_ShortStopFiresOnRise(t *testing.T) {
	// A short's stop sits above entry and fires when price rises through it.
	det, _ := EvaluateTick(openShortTrade(), detectorConfig(), dec("105.50"))

	require.NotNil(t, det)
	assert.Equal(t, domain.ExitReasonStopHit, det.Reason)
	assert.True(t, det.Price.Equal(dec("105.50")))
}

func TestEvaluateTick_ShortTargetFiresOnFall(t *testing.T) {
	det, _ := EvaluateTick(openShortTrade(), detectorConfig(), dec("84.90"))

	require.NotNil(t, det)
	assert.Equal(t, domain.ExitReasonTargetHit, det.Reason)
}

func TestEvaluateTick_ShortTrailingTracksLowAndRatchetsDown(t *testing.T) {
	tr := openShortTrade()

	// -3% below entry activates the trail; the stop sits 2% above the
	// low-water mark.
	det, update := EvaluateTick(tr, detectorConfig(), dec("97"))
	assert.Nil(t, det)
	assert.True(t, update.Trailing.Active)
	require.NotNil(t, update.Trailing.ExtremePrice)
	assert.True(t, update.Trailing.ExtremePrice.Equal(dec("97")))
	require.NotNil(t, update.Trailing.StopPrice)
	assert.True(t, update.Trailing.StopPrice.Equal(dec("98.94")), "got %s", update.Trailing.StopPrice)

	// A bounce above the low must not loosen the stop.
	tr.Trailing = update.Trailing
	det, update = EvaluateTick(tr, detectorConfig(), dec("98"))
	assert.Nil(t, det)
	assert.True(t, update.Trailing.ExtremePrice.Equal(dec("97")))
	assert.True(t, update.Trailing.StopPrice.Equal(dec("98.94")))

	// A new low ratchets the stop down.
	tr.Trailing = update.Trailing
	det, update = EvaluateTick(tr, detectorConfig(), dec("95"))
	assert.Nil(t, det)
	assert.True(t, update.Trailing.ExtremePrice.Equal(dec("95")))
	assert.True(t, update.Trailing.StopPrice.Equal(dec("96.90")), "got %s", update.Trailing.StopPrice)
}

func TestEvaluateTick_ShortTrailingStopFires(t *testing.T) {
	tr := openShortTrade()
	tr.Trailing = domain.TrailingStop{
		Active:       true,
		ExtremePrice: decp("90"),
		StopPrice:    decp("91.80"),
	}

	det, _ := EvaluateTick(tr, detectorConfig(), dec("92"))
	require.NotNil(t, det)
	assert.Equal(t, domain.ExitReasonTrailingStop, det.Reason)
	require.NotNil(t, det.TrailingStopPrice)
	assert.True(t, det.TrailingStopPrice.Equal(dec("91.80")))
	require.NotNil(t, det.LowestSinceEntry)
	assert.True(t, det.LowestSinceEntry.Equal(dec("90")))
	assert.Nil(t, det.HighestSinceEntry)
}
