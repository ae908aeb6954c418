package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultLevels() []LevelSpec {
	return []LevelSpec{
		{BasePct: 0.10, Fraction: 0.30},
		{BasePct: 0.20, Fraction: 0.40},
		{BasePct: 0.40, Fraction: 0.30},
	}
}

func TestPlanExitLadderMath(t *testing.T) {
	p, err := NewPlanner(defaultLevels(), 0.05, testCalculator())
	require.NoError(t, err)

	// atr 6% -> vol 1.2, momentum in the strong bucket -> 1.3, neutral
	// sentiment -> 1.0. Composite 1.56, SL multiplier 1.2.
	slPrice, ladder, err := p.PlanExit(100, snap(0.06, 0.06, 45))
	require.NoError(t, err)

	assert.InDelta(t, 94.00, slPrice, 1e-9)
	require.Len(t, ladder, 3)
	assert.InDelta(t, 115.60, ladder[0].Price, 1e-9)
	assert.InDelta(t, 131.20, ladder[1].Price, 1e-9)
	assert.InDelta(t, 162.40, ladder[2].Price, 1e-9)
	assert.Equal(t, 0.30, ladder[0].SizeFraction)
	assert.Equal(t, 0.40, ladder[1].SizeFraction)
	assert.Equal(t, 0.30, ladder[2].SizeFraction)
	for _, lvl := range ladder {
		assert.False(t, lvl.Hit)
	}
}

func TestPlanExitLadderAlwaysIncreasing(t *testing.T) {
	p, err := NewPlanner(defaultLevels(), 0.05, testCalculator())
	require.NoError(t, err)

	// Any composite multiplier within bounds must preserve strict ordering
	// because the same multiplier scales every rung.
	snaps := []struct {
		name                string
		atr, mom, fearGreed float64
	}{
		{"min composite", 0.01, -0.10, 90},
		{"neutral", 0.04, 0.01, 50},
		{"max composite", 0.10, 0.08, 10},
	}
	for _, s := range snaps {
		t.Run(s.name, func(t *testing.T) {
			slPrice, ladder, err := p.PlanExit(250, snap(s.atr, s.mom, s.fearGreed))
			require.NoError(t, err)
			assert.Less(t, slPrice, 250.0)
			prev := 250.0
			for _, lvl := range ladder {
				assert.Greater(t, lvl.Price, prev)
				prev = lvl.Price
			}
		})
	}
}

func TestNewPlannerRejectsBadConfig(t *testing.T) {
	calc := testCalculator()

	t.Run("fractions must sum to one", func(t *testing.T) {
		_, err := NewPlanner([]LevelSpec{
			{BasePct: 0.10, Fraction: 0.30},
			{BasePct: 0.20, Fraction: 0.40},
		}, 0.05, calc)
		assert.Error(t, err)
	})

	t.Run("base targets strictly increasing", func(t *testing.T) {
		_, err := NewPlanner([]LevelSpec{
			{BasePct: 0.20, Fraction: 0.50},
			{BasePct: 0.20, Fraction: 0.50},
		}, 0.05, calc)
		assert.Error(t, err)
	})

	t.Run("sl_base_pct in range", func(t *testing.T) {
		_, err := NewPlanner(defaultLevels(), 0, calc)
		assert.Error(t, err)
		_, err = NewPlanner(defaultLevels(), 1, calc)
		assert.Error(t, err)
	})

	t.Run("empty ladder", func(t *testing.T) {
		_, err := NewPlanner(nil, 0.05, calc)
		assert.Error(t, err)
	})
}

func TestPlanExitRejectsBadEntryPrice(t *testing.T) {
	p, err := NewPlanner(defaultLevels(), 0.05, testCalculator())
	require.NoError(t, err)

	_, _, err = p.PlanExit(0, snap(0.04, 0.01, 50))
	assert.Error(t, err)
	_, _, err = p.PlanExit(-5, snap(0.04, 0.01, 50))
	assert.Error(t, err)
}
