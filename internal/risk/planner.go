package risk

import (
	"fmt"
	"math"

	"github.com/cryptonita/exitbot/internal/domain"
)

// fractionTolerance bounds the rounding error accepted when checking that
// ladder fractions sum to one.
const fractionTolerance = 1e-9

// LevelSpec configures one take-profit ladder rung: the base profit target
// before market adjustment and the share of the position sold at that rung.
type LevelSpec struct {
	BasePct  float64
	Fraction float64
}

// Planner freezes a position's exit plan at entry time: the stop-loss price
// and the adjusted take-profit ladder. Plans are never recomputed afterwards.
type Planner struct {
	levels    []LevelSpec
	slBasePct float64
	calc      *Calculator
}

// NewPlanner validates the ladder specification and returns a Planner.
// Misconfiguration is fatal: the fractions must sum to exactly one and the
// base targets must be positive and strictly increasing.
func NewPlanner(levels []LevelSpec, slBasePct float64, calc *Calculator) (*Planner, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("risk: planner needs at least one tp level")
	}
	if slBasePct <= 0 || slBasePct >= 1 {
		return nil, fmt.Errorf("risk: sl_base_pct must be in (0, 1), got %g", slBasePct)
	}

	var sum float64
	prev := 0.0
	for i, lvl := range levels {
		if lvl.BasePct <= prev {
			return nil, fmt.Errorf("risk: tp level %d base_pct %g not above previous %g", i, lvl.BasePct, prev)
		}
		if lvl.Fraction <= 0 || lvl.Fraction > 1 {
			return nil, fmt.Errorf("risk: tp level %d fraction %g out of (0, 1]", i, lvl.Fraction)
		}
		prev = lvl.BasePct
		sum += lvl.Fraction
	}
	if math.Abs(sum-1.0) > fractionTolerance {
		return nil, fmt.Errorf("risk: tp level fractions sum to %g, want 1.0", sum)
	}

	return &Planner{levels: levels, slBasePct: slBasePct, calc: calc}, nil
}

// PlanExit computes the stop-loss price and take-profit ladder for a fill at
// entryPrice under the market conditions described by the snapshot. The
// composite multiplier is applied uniformly to every rung, so a valid
// (strictly increasing) configuration always yields a strictly increasing
// ladder.
func (p *Planner) PlanExit(entryPrice float64, snap domain.FeatureSnapshot) (float64, []domain.TPLevel, error) {
	if entryPrice <= 0 || math.IsNaN(entryPrice) {
		return 0, nil, fmt.Errorf("risk: invalid entry price %g", entryPrice)
	}

	tpMult := p.calc.TPMult(snap)
	slMult := p.calc.SLMult(snap)

	slPrice := entryPrice * (1 - p.slBasePct*slMult)

	ladder := make([]domain.TPLevel, len(p.levels))
	for i, lvl := range p.levels {
		ladder[i] = domain.TPLevel{
			Price:        entryPrice * (1 + lvl.BasePct*tpMult),
			SizeFraction: lvl.Fraction,
		}
	}

	return slPrice, ladder, nil
}
