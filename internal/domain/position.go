package domain

import (
	"fmt"
	"math"
	"time"
)

// PositionStatus tracks a position through its lifecycle. Transitions are
// one-directional: opening -> open -> partially_closed -> closed, with frozen
// reachable from any non-terminal status. Closed and frozen are terminal.
type PositionStatus string

const (
	PositionStatusOpening         PositionStatus = "opening"
	PositionStatusOpen            PositionStatus = "open"
	PositionStatusPartiallyClosed PositionStatus = "partially_closed"
	PositionStatusClosed          PositionStatus = "closed"
	PositionStatusFrozen          PositionStatus = "frozen"
)

// Terminal reports whether the status admits no further transitions.
func (s PositionStatus) Terminal() bool {
	return s == PositionStatusClosed || s == PositionStatusFrozen
}

// fracTolerance is the relative tolerance used when reconciling ladder
// fractions against executed quantities.
const fracTolerance = 1e-9

// TPLevel is one rung of a take-profit ladder. SizeFraction is the share of
// the original position size sold when the level is hit.
type TPLevel struct {
	Price        float64
	SizeFraction float64
	Hit          bool
}

// Position is a long spot position under automated exit management. The exit
// plan (SLPrice and TPLadder) is computed once at entry and never recomputed;
// only the trailing stop moves after that.
type Position struct {
	ID          string
	Ticker      string
	Probability float64 // predictor confidence at entry, kept for audit
	EntryTime   time.Time
	EntryPrice  float64

	// EntryFeatures is the market snapshot the exit plan was derived from.
	// Immutable after entry.
	EntryFeatures FeatureSnapshot

	QuantityTotal     float64
	QuantityRemaining float64

	SLPrice  float64
	TPLadder []TPLevel

	TrailingActive bool
	StopPrice      float64

	Status      PositionStatus
	RealizedPnL float64
	// UnrealizedPnL is the mark-to-market profit of the remaining quantity,
	// refreshed at the start of every tick and persisted with each update.
	UnrealizedPnL float64
	// RuleExitQuantity accumulates confirmed fills from exits outside the
	// ladder (stop-loss, trailing, rules, manual). Together with the hit
	// ladder fractions it lets CheckConsistent reconcile the sale ledger.
	RuleExitQuantity float64
	ClosedReason     string
	FrozenReason     string
	ClosedAt         *time.Time
	UpdatedAt        time.Time
}

// PnLPct returns the unrealized profit fraction of the remaining quantity at
// the given price, e.g. 0.05 for +5%.
func (p *Position) PnLPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

// RefreshUnrealized recomputes the mark-to-market PnL of the remaining
// quantity at the given price.
func (p *Position) RefreshUnrealized(price float64) {
	p.UnrealizedPnL = (price - p.EntryPrice) * p.QuantityRemaining
}

// HitFraction returns the summed size fractions of ladder levels already hit.
func (p *Position) HitFraction() float64 {
	var f float64
	for _, lvl := range p.TPLadder {
		if lvl.Hit {
			f += lvl.SizeFraction
		}
	}
	return f
}

// CheckConsistent verifies the structural invariants of the position:
// quantity bounds, ladder ordering and fraction accounting, and stop
// placement. It returns ErrInconsistent (wrapped with detail) on the first
// violation found.
func (p *Position) CheckConsistent() error {
	if p.QuantityRemaining < -fracTolerance*p.QuantityTotal || p.QuantityRemaining > p.QuantityTotal*(1+fracTolerance) {
		return fmt.Errorf("%w: remaining %.8f outside [0, %.8f]", ErrInconsistent, p.QuantityRemaining, p.QuantityTotal)
	}
	prev := p.EntryPrice
	var fracSum float64
	for i, lvl := range p.TPLadder {
		if lvl.Price <= prev {
			return fmt.Errorf("%w: tp level %d price %.8f not above %.8f", ErrInconsistent, i, lvl.Price, prev)
		}
		prev = lvl.Price
		fracSum += lvl.SizeFraction
	}
	if len(p.TPLadder) > 0 && math.Abs(fracSum-1.0) > 1e-6 {
		return fmt.Errorf("%w: ladder fractions sum to %.8f", ErrInconsistent, fracSum)
	}

	// Sale-ledger reconciliation: hit ladder fractions plus rule-exit fills
	// bound what may have left the position. Short fills and a final rung
	// capped at the remaining quantity sell less than the plan, never more,
	// so the check is one-sided.
	planned := p.RuleExitQuantity + p.HitFraction()*p.QuantityTotal
	if p.QuantityRemaining < p.QuantityTotal-planned-fracTolerance*p.QuantityTotal {
		return fmt.Errorf("%w: remaining %.8f below ledger floor %.8f",
			ErrInconsistent, p.QuantityRemaining, p.QuantityTotal-planned)
	}

	if p.TrailingActive && p.StopPrice <= 0 {
		return fmt.Errorf("%w: trailing active with stop %.8f", ErrInconsistent, p.StopPrice)
	}
	return nil
}

// CanTransition reports whether moving from the current status to next is a
// legal lifecycle step.
func (p *Position) CanTransition(next PositionStatus) bool {
	if p.Status.Terminal() {
		return false
	}
	switch next {
	case PositionStatusOpen:
		return p.Status == PositionStatusOpening
	case PositionStatusPartiallyClosed:
		return p.Status == PositionStatusOpen || p.Status == PositionStatusPartiallyClosed
	case PositionStatusClosed, PositionStatusFrozen:
		return true
	default:
		return false
	}
}
