package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ladderPosition() Position {
	return Position{
		ID:                "pos-1",
		Ticker:            "BTCUSDT",
		EntryPrice:        100,
		QuantityTotal:     10,
		QuantityRemaining: 10,
		SLPrice:           94,
		TPLadder: []TPLevel{
			{Price: 115.6, SizeFraction: 0.30},
			{Price: 131.2, SizeFraction: 0.40},
			{Price: 162.4, SizeFraction: 0.30},
		},
		Status: PositionStatusOpen,
	}
}

func TestCheckConsistentSaleLedger(t *testing.T) {
	t.Run("fresh position", func(t *testing.T) {
		p := ladderPosition()
		assert.NoError(t, p.CheckConsistent())
	})

	t.Run("hit rung matches remaining", func(t *testing.T) {
		p := ladderPosition()
		p.TPLadder[0].Hit = true
		p.QuantityRemaining = 7
		assert.NoError(t, p.CheckConsistent())
	})

	t.Run("rule exit fills reconcile", func(t *testing.T) {
		p := ladderPosition()
		p.RuleExitQuantity = 5
		p.QuantityRemaining = 5
		assert.NoError(t, p.CheckConsistent())
	})

	t.Run("short fill leaves remaining above floor", func(t *testing.T) {
		p := ladderPosition()
		p.TPLadder[0].Hit = true
		p.QuantityRemaining = 8 // venue confirmed less than the rung asked for
		assert.NoError(t, p.CheckConsistent())
	})

	t.Run("oversold position is inconsistent", func(t *testing.T) {
		p := ladderPosition()
		p.TPLadder[0].Hit = true
		p.QuantityRemaining = 5 // more left the position than the ledger allows
		err := p.CheckConsistent()
		require.ErrorIs(t, err, ErrInconsistent)
		assert.Contains(t, err.Error(), "ledger floor")
	})

	t.Run("capped final rung closes clean", func(t *testing.T) {
		p := ladderPosition()
		for i := range p.TPLadder {
			p.TPLadder[i].Hit = true
		}
		p.RuleExitQuantity = 2
		p.QuantityRemaining = 0
		assert.NoError(t, p.CheckConsistent())
	})
}

func TestRefreshUnrealized(t *testing.T) {
	p := ladderPosition()
	p.QuantityRemaining = 7

	p.RefreshUnrealized(110)
	assert.InDelta(t, 70.0, p.UnrealizedPnL, 1e-9)

	p.RefreshUnrealized(95)
	assert.InDelta(t, -35.0, p.UnrealizedPnL, 1e-9)
}
