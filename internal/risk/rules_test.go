package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptonita/exitbot/internal/domain"
)

func defaultRules() *Rules {
	return NewRules(RulesConfig{
		MomentumReversalMinProfit: 0.03,
		WeakeningRatio:            0.3,
		WeakeningMinProfit:        0.05,
		VolumeCollapseDrop:        0.70,
		BearishRedFraction:        0.80,
	})
}

// openPosition builds a position entered at 100 with the scenario ladder.
func openPosition() *domain.Position {
	return &domain.Position{
		ID:         "pos-1",
		Ticker:     "BTCUSDT",
		EntryPrice: 100,
		EntryFeatures: domain.FeatureSnapshot{
			Momentum3d:       0.06,
			MomentumStrength: 1.0,
			VolumeRatio20:    2.0,
		},
		QuantityTotal:     10,
		QuantityRemaining: 10,
		TPLadder: []domain.TPLevel{
			{Price: 115.60, SizeFraction: 0.30},
			{Price: 131.20, SizeFraction: 0.40},
			{Price: 162.40, SizeFraction: 0.30},
		},
		Status: domain.PositionStatusOpen,
	}
}

// calmSnap is a live snapshot that fires nothing at the given price.
func calmSnap(price float64) domain.FeatureSnapshot {
	return domain.FeatureSnapshot{
		Ticker:           "BTCUSDT",
		Price:            price,
		Momentum3d:       0.04,
		MomentumStrength: 0.9,
		VolumeRatio20:    1.8,
	}
}

func TestNoDecisionOnQuietTick(t *testing.T) {
	r := defaultRules()
	assert.Nil(t, r.Evaluate(openPosition(), calmSnap(104)))
}

func TestMomentumReversalFullExit(t *testing.T) {
	r := defaultRules()
	pos := openPosition()

	s := calmSnap(110)
	s.Momentum3d = -0.01

	d := r.Evaluate(pos, s)
	require.NotNil(t, d)
	assert.Equal(t, domain.ReasonMomentumReversal, d.Reason)
	assert.True(t, d.Full)
	assert.Equal(t, 10.0, d.Quantity)

	t.Run("needs profit above threshold", func(t *testing.T) {
		s.Price = 102 // +2%, below the 3% gate
		assert.Nil(t, r.Evaluate(openPosition(), s))
	})

	t.Run("needs positive entry momentum", func(t *testing.T) {
		pos := openPosition()
		pos.EntryFeatures.Momentum3d = -0.01
		s.Price = 110
		d := r.Evaluate(pos, s)
		// Falls through to weakening/collapse checks, not reversal.
		if d != nil {
			assert.NotEqual(t, domain.ReasonMomentumReversal, d.Reason)
		}
	})
}

func TestMomentumWeakeningHalvesPosition(t *testing.T) {
	r := defaultRules()
	pos := openPosition()

	s := calmSnap(108) // +8%
	s.MomentumStrength = 0.2

	d := r.Evaluate(pos, s)
	require.NotNil(t, d)
	assert.Equal(t, domain.ReasonMomentumWeakening, d.Reason)
	assert.Equal(t, 5.0, d.Quantity)
	assert.False(t, d.Full)

	t.Run("gated by five percent profit", func(t *testing.T) {
		s.Price = 104
		assert.Nil(t, r.Evaluate(openPosition(), s))
	})
}

func TestVolumeCollapseHalvesPosition(t *testing.T) {
	r := defaultRules()
	pos := openPosition()

	s := calmSnap(101)
	s.VolumeRatio20 = 0.5 // entry was 2.0; threshold is 0.6

	d := r.Evaluate(pos, s)
	require.NotNil(t, d)
	assert.Equal(t, domain.ReasonVolumeCollapse, d.Reason)
	assert.Equal(t, 5.0, d.Quantity)
	assert.False(t, d.Full)
}

func TestBearishPatternTakesThirty(t *testing.T) {
	r := defaultRules()

	t.Run("red candle fraction", func(t *testing.T) {
		s := calmSnap(103)
		s.RedCandleFraction = 0.85
		d := r.Evaluate(openPosition(), s)
		require.NotNil(t, d)
		assert.Equal(t, domain.ReasonBearishPattern, d.Reason)
		assert.InDelta(t, 3.0, d.Quantity, 1e-12)
	})

	t.Run("lower lows", func(t *testing.T) {
		s := calmSnap(103)
		s.LowerLows = true
		d := r.Evaluate(openPosition(), s)
		require.NotNil(t, d)
		assert.Equal(t, domain.ReasonBearishPattern, d.Reason)
	})

	t.Run("boundary fraction does not fire", func(t *testing.T) {
		s := calmSnap(103)
		s.RedCandleFraction = 0.80
		assert.Nil(t, r.Evaluate(openPosition(), s))
	})
}

func TestRulePriorityOrder(t *testing.T) {
	r := defaultRules()
	pos := openPosition()

	// Everything fires at once; the reversal must win, and only one
	// decision is produced.
	s := domain.FeatureSnapshot{
		Ticker:            "BTCUSDT",
		Price:             120, // crosses TP1 too
		Momentum3d:        -0.05,
		MomentumStrength:  0.1,
		VolumeRatio20:     0.1,
		RedCandleFraction: 0.95,
		LowerLows:         true,
	}
	d := r.Evaluate(pos, s)
	require.NotNil(t, d)
	assert.Equal(t, domain.ReasonMomentumReversal, d.Reason)
	assert.True(t, d.Full)
}

func TestRulesBeatLadderInSameTick(t *testing.T) {
	r := defaultRules()
	pos := openPosition()

	s := calmSnap(116) // above TP1
	s.LowerLows = true

	d := r.Evaluate(pos, s)
	require.NotNil(t, d)
	assert.Equal(t, domain.ReasonBearishPattern, d.Reason)
	assert.Equal(t, -1, d.LadderIndex)
}

func TestLadderTakesLowestUnhitLevel(t *testing.T) {
	r := defaultRules()
	pos := openPosition()

	d := r.Evaluate(pos, calmSnap(115.60))
	require.NotNil(t, d)
	assert.Equal(t, domain.ReasonTakeProfit, d.Reason)
	assert.Equal(t, 0, d.LadderIndex)
	assert.InDelta(t, 3.0, d.Quantity, 1e-12)
	assert.False(t, d.Full)

	t.Run("hit level is skipped", func(t *testing.T) {
		pos := openPosition()
		pos.TPLadder[0].Hit = true
		pos.QuantityRemaining = 7

		d := r.Evaluate(pos, calmSnap(131.20))
		require.NotNil(t, d)
		assert.Equal(t, 1, d.LadderIndex)
		assert.InDelta(t, 4.0, d.Quantity, 1e-12)
	})

	t.Run("gap jump hits lowest level first", func(t *testing.T) {
		// Price gapped over TP1 and TP2 in one tick; only the lowest
		// unhit level fires this tick.
		d := r.Evaluate(openPosition(), calmSnap(140))
		require.NotNil(t, d)
		assert.Equal(t, 0, d.LadderIndex)
	})

	t.Run("quantity capped at remaining", func(t *testing.T) {
		pos := openPosition()
		pos.TPLadder[0].Hit = true
		pos.TPLadder[1].Hit = true
		pos.QuantityRemaining = 2.5 // less than the final rung's 3.0

		d := r.Evaluate(pos, calmSnap(163))
		require.NotNil(t, d)
		assert.Equal(t, 2, d.LadderIndex)
		assert.Equal(t, 2.5, d.Quantity)
		assert.True(t, d.Full)
	})
}

func TestNaNFeaturesCannotFireRules(t *testing.T) {
	r := defaultRules()
	nan := math.NaN()

	s := domain.FeatureSnapshot{
		Ticker:            "BTCUSDT",
		Price:             110,
		Momentum3d:        nan,
		MomentumStrength:  nan,
		VolumeRatio20:     nan,
		RedCandleFraction: nan,
	}
	assert.Nil(t, r.Evaluate(openPosition(), s))
}
