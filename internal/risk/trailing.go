package risk

import "math"

// Trailing advances a position's trailing stop. The stop activates once the
// position's unrealized profit crosses the activation threshold and from then
// on only ratchets upward.
type Trailing struct {
	// ActivationPct is the profit fraction at which the stop arms.
	ActivationPct float64
	// ATRMult scales the absolute ATR distance the stop trails by.
	ATRMult float64
	// MinLockPct guarantees the stop locks in at least this profit over
	// entry once armed.
	MinLockPct float64
}

// TrailState is the trailing-relevant slice of a position plus the tick
// inputs. Advance never mutates it.
type TrailState struct {
	EntryPrice float64
	Price      float64
	ATRAbs     float64
	Active     bool
	Stop       float64
}

// Advance computes the next stop for one tick. It returns the new stop price,
// whether the stop is (now) armed, and whether the stop has triggered. A stop
// at or above the current price triggers immediately, including on the
// activation tick. When the snapshot carries no usable ATR the stop holds its
// prior value rather than guessing a distance.
func (t Trailing) Advance(s TrailState) (stop float64, active bool, triggered bool) {
	stop, active = s.Stop, s.Active
	atrOK := s.ATRAbs > 0 && !math.IsNaN(s.ATRAbs)

	if !active {
		if s.EntryPrice <= 0 {
			return stop, false, false
		}
		pnl := (s.Price - s.EntryPrice) / s.EntryPrice
		if pnl < t.ActivationPct || !atrOK {
			return stop, false, false
		}
		active = true
		stop = math.Max(s.EntryPrice*(1+t.MinLockPct), s.Price-t.ATRMult*s.ATRAbs)
		return stop, active, stop >= s.Price
	}

	if atrOK {
		if candidate := s.Price - t.ATRMult*s.ATRAbs; candidate > stop {
			stop = candidate
		}
	}
	return stop, true, s.Price <= stop
}
