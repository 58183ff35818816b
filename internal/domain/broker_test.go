package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRiskPolicy_AllowsSymbol(t *testing.T) {
	t.Run("empty lists allow everything", func(t *testing.T) {
		p := RiskPolicy{}
		assert.True(t, p.AllowsSymbol("RELIANCE"))
		assert.True(t, p.AllowsSymbol("TCS"))
	})

	t.Run("block list wins even when also allowed", func(t *testing.T) {
		p := RiskPolicy{
			AllowedSymbols: []string{"RELIANCE", "INFY"},
			BlockedSymbols: []string{"RELIANCE"},
		}
		assert.False(t, p.AllowsSymbol("RELIANCE"))
		assert.True(t, p.AllowsSymbol("INFY"))
	})

	t.Run("allow list closes the universe", func(t *testing.T) {
		p := RiskPolicy{AllowedSymbols: []string{"SBIN"}}
		assert.True(t, p.AllowsSymbol("SBIN"))
		assert.False(t, p.AllowsSymbol("TCS"))
	})

	t.Run("block list alone only removes", func(t *testing.T) {
		p := RiskPolicy{BlockedSymbols: []string{"YESBANK"}}
		assert.False(t, p.AllowsSymbol("YESBANK"))
		assert.True(t, p.AllowsSymbol("HDFCBANK"))
	})
}
