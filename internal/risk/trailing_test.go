package risk

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func defaultTrailing() Trailing {
	return Trailing{
		ActivationPct: 0.05,
		ATRMult:       1.5,
		MinLockPct:    0.01,
	}
}

func TestTrailingActivation(t *testing.T) {
	tr := defaultTrailing()

	t.Run("below threshold stays inactive", func(t *testing.T) {
		stop, active, triggered := tr.Advance(TrailState{EntryPrice: 100, Price: 104, ATRAbs: 2})
		assert.False(t, active)
		assert.False(t, triggered)
		assert.Equal(t, 0.0, stop)
	})

	t.Run("activates at six percent with ATR distance", func(t *testing.T) {
		// max(101.00, 106 - 1.5*2) = max(101, 103) = 103.
		stop, active, triggered := tr.Advance(TrailState{EntryPrice: 100, Price: 106, ATRAbs: 2})
		assert.True(t, active)
		assert.False(t, triggered)
		assert.InDelta(t, 103.0, stop, 1e-9)
	})

	t.Run("wide ATR falls back to min profit lock", func(t *testing.T) {
		// 106 - 1.5*8 = 94, below the +1% lock, so the lock wins.
		stop, active, _ := tr.Advance(TrailState{EntryPrice: 100, Price: 106, ATRAbs: 8})
		assert.True(t, active)
		assert.InDelta(t, 101.0, stop, 1e-9)
	})

	t.Run("exact activation boundary arms", func(t *testing.T) {
		_, active, _ := tr.Advance(TrailState{EntryPrice: 100, Price: 105, ATRAbs: 1})
		assert.True(t, active)
	})
}

func TestTrailingStopRatchetsOnly(t *testing.T) {
	tr := defaultTrailing()

	stop, active, triggered := tr.Advance(TrailState{EntryPrice: 100, Price: 110, ATRAbs: 2})
	assert.True(t, active)
	assert.False(t, triggered)
	assert.InDelta(t, 107.0, stop, 1e-9)

	// Price slips but stays above the stop: the stop must not move down.
	stop2, active2, triggered2 := tr.Advance(TrailState{EntryPrice: 100, Price: 108, ATRAbs: 2, Active: true, Stop: stop})
	assert.True(t, active2)
	assert.False(t, triggered2)
	assert.Equal(t, stop, stop2)

	// New high pushes it up.
	stop3, _, _ := tr.Advance(TrailState{EntryPrice: 100, Price: 115, ATRAbs: 2, Active: true, Stop: stop2})
	assert.InDelta(t, 112.0, stop3, 1e-9)
}

func TestTrailingMonotoneUnderRandomWalk(t *testing.T) {
	tr := defaultTrailing()
	rng := rand.New(rand.NewSource(1))

	st := TrailState{EntryPrice: 100, Price: 100, ATRAbs: 2}
	prevStop := 0.0
	for i := 0; i < 500 && !st.Active; i++ {
		st.Price *= 1 + (rng.Float64()-0.45)*0.02
		stop, active, triggered := tr.Advance(st)
		st.Active, st.Stop = active, stop
		if triggered {
			break
		}
	}
	prevStop = st.Stop
	for i := 0; i < 500; i++ {
		st.Price *= 1 + (rng.Float64()-0.45)*0.02
		stop, _, triggered := tr.Advance(st)
		assert.GreaterOrEqual(t, stop, prevStop, "stop regressed at step %d", i)
		prevStop, st.Stop = stop, stop
		if triggered {
			break
		}
	}
}

func TestTrailingTrigger(t *testing.T) {
	tr := defaultTrailing()

	t.Run("price at stop triggers", func(t *testing.T) {
		_, _, triggered := tr.Advance(TrailState{EntryPrice: 100, Price: 107, ATRAbs: 2, Active: true, Stop: 107})
		assert.True(t, triggered)
	})

	t.Run("price below stop triggers", func(t *testing.T) {
		_, _, triggered := tr.Advance(TrailState{EntryPrice: 100, Price: 105, ATRAbs: 2, Active: true, Stop: 106})
		assert.True(t, triggered)
	})

	t.Run("immediate trigger on activation tick", func(t *testing.T) {
		// Tiny ATR puts the computed stop at the current price.
		stop, active, triggered := tr.Advance(TrailState{EntryPrice: 100, Price: 106, ATRAbs: 0.000001})
		assert.True(t, active)
		assert.True(t, triggered)
		assert.GreaterOrEqual(t, stop, 106.0-1e-6)
	})
}

func TestTrailingHoldsWithoutATR(t *testing.T) {
	tr := defaultTrailing()

	// NaN ATR: no activation, and an armed stop holds its value.
	_, active, _ := tr.Advance(TrailState{EntryPrice: 100, Price: 110, ATRAbs: math.NaN()})
	assert.False(t, active)

	stop, active, triggered := tr.Advance(TrailState{EntryPrice: 100, Price: 110, ATRAbs: math.NaN(), Active: true, Stop: 105})
	assert.True(t, active)
	assert.False(t, triggered)
	assert.Equal(t, 105.0, stop)
}
