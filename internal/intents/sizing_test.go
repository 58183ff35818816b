package intents

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtflow/mtflow/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sizingConfig() domain.MtfGlobalConfig {
	return domain.MtfGlobalConfig{
		MaxPositionLogLoss:  dec("0.05"),
		MaxPortfolioLogLoss: dec("0.10"),
		KellyFraction:       dec("0.5"),

		VelocityCalmMax:     dec("1.0"),
		VelocityNormalMax:   dec("2.0"),
		VelocityCalmScale:   dec("1.0"),
		VelocityNormalScale: dec("0.6"),
		VelocityFastScale:   dec("0.3"),

		UtilityGateRatio: dec("1.0"),
	}
}

func baseInput() SizingInput {
	return SizingInput{
		Capital:       dec("1000000"),
		OpenExposure:  dec("0"),
		PWin:          dec("0.65"),
		Kelly:         dec("0.2"),
		KellyFraction: dec("0.5"),
		RefPrice:      dec("100"),
		StopLoss:      dec("95"),
		Target:        dec("115"),
		LotSize:       1,
		VelocityRatio: dec("0.5"),
		Config:        sizingConfig(),
	}
}

func TestVelocityScale_Buckets(t *testing.T) {
	cfg := sizingConfig()

	assert.True(t, VelocityScale(cfg, dec("0.5")).Equal(dec("1.0")), "calm")
	assert.True(t, VelocityScale(cfg, dec("1.0")).Equal(dec("1.0")), "calm boundary inclusive")
	assert.True(t, VelocityScale(cfg, dec("1.5")).Equal(dec("0.6")), "normal")
	assert.True(t, VelocityScale(cfg, dec("2.0")).Equal(dec("0.6")), "normal boundary inclusive")
	assert.True(t, VelocityScale(cfg, dec("3.7")).Equal(dec("0.3")), "fast")
}

func TestPassesUtilityGate(t *testing.T) {
	// 65% win, 15% up vs 5% down at ratio 1.0: clearly positive asymmetry.
	assert.True(t, PassesUtilityGate(dec("0.65"), dec("0.15"), dec("0.05"), dec("1.0")))

	// Symmetric payoff at a coin flip fails: ln is concave, so
	// |U(-x)| > U(x) and the downside term dominates.
	assert.False(t, PassesUtilityGate(dec("0.5"), dec("0.05"), dec("0.05"), dec("1.0")))

	// A harsher ratio vetoes an otherwise acceptable setup.
	assert.True(t, PassesUtilityGate(dec("0.6"), dec("0.10"), dec("0.05"), dec("1.0")))
	assert.False(t, PassesUtilityGate(dec("0.6"), dec("0.10"), dec("0.05"), dec("3.0")))

	// Total loss has no finite utility.
	assert.False(t, PassesUtilityGate(dec("0.9"), dec("0.5"), dec("1.0"), dec("1.0")))
}

func TestComputeSize_HappyPath(t *testing.T) {
	res := ComputeSize(baseInput())
	require.Nil(t, res.Rejection)

	// capital * kelly * fraction * calm scale = 1,000,000 * 0.2 * 0.5 = 100,000
	// at ref 100 that is exactly 1000 shares.
	assert.Equal(t, int64(1000), res.Qty)
	assert.True(t, res.Value.Equal(dec("100000")))
	assert.True(t, res.LogImpact.IsPositive())
	assert.True(t, res.ExposureAfter.Equal(res.LogImpact))
}

func TestComputeSize_LotRounding(t *testing.T) {
	in := baseInput()
	in.LotSize = 300

	res := ComputeSize(in)
	require.Nil(t, res.Rejection)

	// 100,000 allocation / (100 * 300 per lot) = 3 lots.
	assert.Equal(t, int64(900), res.Qty)
	assert.Zero(t, res.Qty%300)
}

func TestComputeSize_PerTradeCap(t *testing.T) {
	in := baseInput()
	in.PerTradeCap = dec("25000")

	res := ComputeSize(in)
	require.Nil(t, res.Rejection)
	assert.Equal(t, int64(250), res.Qty)
}

func TestComputeSize_VelocityThrottle(t *testing.T) {
	in := baseInput()
	in.VelocityRatio = dec("5.0")

	res := ComputeSize(in)
	require.Nil(t, res.Rejection)

	// Fast regime trades 30% of full size.
	assert.Equal(t, int64(300), res.Qty)
}

func TestComputeSize_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*SizingInput)
		code   string
	}{
		{"zero price", func(in *SizingInput) { in.RefPrice = decimal.Zero }, "INVALID_PRICE"},
		{"stop above entry", func(in *SizingInput) { in.StopLoss = dec("105") }, "INVALID_STOP"},
		{"target below entry", func(in *SizingInput) { in.Target = dec("99") }, "INVALID_TARGET"},
		{"negative kelly", func(in *SizingInput) { in.Kelly = dec("-0.1") }, "KELLY_NONPOSITIVE"},
		{"utility gate", func(in *SizingInput) { in.PWin = dec("0.3"); in.Target = dec("103") }, "UTILITY_GATE"},
		{"below one lot", func(in *SizingInput) { in.LotSize = 10000 }, "BELOW_LOT"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := baseInput()
			tc.mutate(&in)

			res := ComputeSize(in)
			require.NotNil(t, res.Rejection)
			assert.Equal(t, tc.code, res.Rejection.Code)
			assert.Zero(t, res.Qty)
		})
	}
}

func TestComputeSize_ShortMirrorsLongGeometry(t *testing.T) {
	in := baseInput()
	in.Direction = domain.DirectionShort
	in.StopLoss = dec("105")
	in.Target = dec("85")

	// Same 15% favorable / 5% adverse distances as the long base case, read
	// downward: sizing must come out identical.
	res := ComputeSize(in)
	require.Nil(t, res.Rejection)
	assert.Equal(t, int64(1000), res.Qty)
	assert.True(t, res.Value.Equal(dec("100000")))
}

func TestComputeSize_ShortRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*SizingInput)
		code   string
	}{
		{"stop below entry", func(in *SizingInput) { in.StopLoss = dec("95") }, "INVALID_STOP"},
		{"target above entry", func(in *SizingInput) { in.Target = dec("110") }, "INVALID_TARGET"},
		{"zero target", func(in *SizingInput) { in.Target = decimal.Zero }, "INVALID_TARGET"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := baseInput()
			in.Direction = domain.DirectionShort
			in.StopLoss = dec("105")
			in.Target = dec("85")
			tc.mutate(&in)

			res := ComputeSize(in)
			require.NotNil(t, res.Rejection)
			assert.Equal(t, tc.code, res.Rejection.Code)
		})
	}
}

func TestComputeSize_PortfolioLogLossCap(t *testing.T) {
	in := baseInput()
	in.OpenExposure = dec("0.099")

	res := ComputeSize(in)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, "PORTFOLIO_LOG_LOSS", res.Rejection.Code)
}
