package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func testGlobalConfig() MtfGlobalConfig {
	return MtfGlobalConfig{
		ID:                   "cfg-1",
		ConfluenceThreshold:  decimal.RequireFromString("0.7"),
		ConfluenceMultiplier: decimal.RequireFromString("1.2"),
		MaxPositionLogLoss:   decimal.RequireFromString("0.02"),
		KellyFraction:        decimal.RequireFromString("0.5"),
		TrailingActivationPct: decimal.RequireFromString("0.03"),
		TrailingDistancePct:   decimal.RequireFromString("0.015"),
		UtilityGateRatio:      decimal.RequireFromString("1.5"),
		SignalTTLMinutes:      240,
	}
}

func TestResolveEffective_NilOverride(t *testing.T) {
	global := testGlobalConfig()
	var o *MtfSymbolConfig

	eff := o.ResolveEffective(global)
	assert.Equal(t, global, eff)
}

func TestResolveEffective_PartialOverride(t *testing.T) {
	global := testGlobalConfig()

	threshold := decimal.RequireFromString("0.85")
	ttl := 60
	o := &MtfSymbolConfig{
		Symbol:              "RELIANCE",
		ConfluenceThreshold: &threshold,
		SignalTTLMinutes:    &ttl,
	}

	eff := o.ResolveEffective(global)

	assert.True(t, eff.ConfluenceThreshold.Equal(threshold))
	assert.Equal(t, 60, eff.SignalTTLMinutes)

	// Nil fields inherit.
	assert.True(t, eff.KellyFraction.Equal(global.KellyFraction))
	assert.True(t, eff.TrailingActivationPct.Equal(global.TrailingActivationPct))
	assert.True(t, eff.UtilityGateRatio.Equal(global.UtilityGateRatio))
}

func TestResolveEffective_DoesNotMutateGlobal(t *testing.T) {
	global := testGlobalConfig()
	kelly := decimal.RequireFromString("0.25")
	o := &MtfSymbolConfig{KellyFraction: &kelly}

	_ = o.ResolveEffective(global)
	assert.True(t, global.KellyFraction.Equal(decimal.RequireFromString("0.5")))
}
