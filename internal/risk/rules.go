package risk

import (
	"github.com/cryptonita/exitbot/internal/domain"
)

// remainderTolerance decides when a partial exit quantity is close enough to
// the full remaining size to close the position outright.
const remainderTolerance = 1e-9

// RulesConfig tunes the rule-based exit evaluator.
type RulesConfig struct {
	// MomentumReversalMinProfit gates the full-exit reversal rule.
	MomentumReversalMinProfit float64
	// WeakeningRatio is the fraction of entry momentum strength below which
	// momentum counts as weakened.
	WeakeningRatio float64
	// WeakeningMinProfit gates the momentum weakening rule.
	WeakeningMinProfit float64
	// VolumeCollapseDrop is the relative volume drop (e.g. 0.70 for a 70%
	// fall from the entry ratio) that triggers a partial exit.
	VolumeCollapseDrop float64
	// BearishRedFraction is the red-candle share above which the bearish
	// pattern rule fires.
	BearishRedFraction float64
}

// Rules evaluates one monitoring tick against the exit rules and the
// take-profit ladder. Rules are checked in fixed priority order; the first
// hit wins and at most one decision is produced per tick. The evaluator
// never mutates the position: marking ladder levels hit is the caller's job,
// after the sell is confirmed.
type Rules struct {
	cfg RulesConfig
}

// NewRules creates a rule evaluator with the given thresholds.
func NewRules(cfg RulesConfig) *Rules {
	return &Rules{cfg: cfg}
}

// Evaluate returns the exit decision for this tick, or nil when nothing
// fires. NaN feature values make their comparisons false, so an incomplete
// snapshot simply cannot trigger the rules that depend on it.
func (r *Rules) Evaluate(pos *domain.Position, snap domain.FeatureSnapshot) *domain.ExitDecision {
	entry := pos.EntryFeatures
	pnl := pos.PnLPct(snap.Price)

	// 1. Momentum reversal: ride reversals out unless the position is
	// comfortably in profit, then take everything off.
	if entry.Momentum3d > 0 && snap.Momentum3d < 0 && pnl > r.cfg.MomentumReversalMinProfit {
		return r.decision(pos, domain.ReasonMomentumReversal, pos.QuantityRemaining, -1)
	}

	// 2. Momentum weakening: halve the position when the move is stalling.
	if snap.MomentumStrength < r.cfg.WeakeningRatio*entry.MomentumStrength && pnl > r.cfg.WeakeningMinProfit {
		return r.decision(pos, domain.ReasonMomentumWeakening, pos.QuantityRemaining*0.5, -1)
	}

	// 3. Volume collapse: participation dried up relative to entry.
	if snap.VolumeRatio20 < (1-r.cfg.VolumeCollapseDrop)*entry.VolumeRatio20 {
		return r.decision(pos, domain.ReasonVolumeCollapse, pos.QuantityRemaining*0.5, -1)
	}

	// 4. Bearish pattern: mostly red candles or a lower-lows structure.
	if snap.RedCandleFraction > r.cfg.BearishRedFraction || snap.LowerLows {
		return r.decision(pos, domain.ReasonBearishPattern, pos.QuantityRemaining*0.3, -1)
	}

	// Ladder: the lowest unhit level at or below the current price. Levels
	// are checked only after the rules so a deteriorating market always
	// outranks profit taking.
	for i, lvl := range pos.TPLadder {
		if lvl.Hit || snap.Price < lvl.Price {
			continue
		}
		qty := lvl.SizeFraction * pos.QuantityTotal
		return r.decision(pos, domain.ReasonTakeProfit, qty, i)
	}

	return nil
}

// decision clamps the quantity to what is actually left and fills in the
// full-exit flag.
func (r *Rules) decision(pos *domain.Position, reason domain.ExitReason, qty float64, ladderIdx int) *domain.ExitDecision {
	if qty > pos.QuantityRemaining {
		qty = pos.QuantityRemaining
	}
	if qty <= 0 {
		return nil
	}
	return &domain.ExitDecision{
		Reason:      reason,
		Quantity:    qty,
		Full:        pos.QuantityRemaining-qty <= remainderTolerance*pos.QuantityTotal,
		LadderIndex: ladderIdx,
	}
}
