// Package risk implements the exit-plan mathematics: market-condition
// adjustment multipliers, take-profit ladder construction, trailing stop
// advancement, and rule-based exit evaluation. Everything in this package is
// pure over its inputs; persistence and order flow live in the engine.
package risk

import (
	"log/slog"
	"math"

	"github.com/cryptonita/exitbot/internal/domain"
)

// bucket maps an input range to a multiplier. A table is an ordered list of
// buckets with ascending upper bounds plus a fallback multiplier for values
// at or above the last bound. Ranges are half-open and lower-inclusive, so
// lookup takes the first bucket with v < upper.
type bucket struct {
	upper float64
	mult  float64
}

func lookup(table []bucket, v, fallback float64) float64 {
	for _, b := range table {
		if v < b.upper {
			return b.mult
		}
	}
	return fallback
}

// volatilityBuckets maps atr_pct to the volatility multiplier: calm markets
// tighten targets and stops, violent ones widen them.
var volatilityBuckets = []bucket{
	{0.02, 0.8},
	{0.03, 0.9},
	{0.05, 1.0},
	{0.08, 1.2},
}

const volatilityDefault = 1.5

// momentumStrong and momentumModerate bound the upper momentum_3d buckets.
// The boundary between the mildly and strongly negative buckets comes from
// configuration.
const (
	momentumStrong   = 0.05
	momentumModerate = 0.02
	momentumDefault  = 1.3
)

// sentimentBuckets maps the fear & greed index to the sentiment multiplier.
// Extreme greed shrinks targets, extreme fear stretches them.
var sentimentBuckets = []bucket{
	{25, 1.15},
	{40, 1.05},
	{60, 1.0},
	{75, 0.95},
}

const sentimentDefault = 0.85

// Adjustments are the three independent market-condition multipliers derived
// from a feature snapshot.
type Adjustments struct {
	Vol  float64
	Mom  float64
	Sent float64
}

// CalculatorConfig tunes the adjustment calculator.
type CalculatorConfig struct {
	// MomentumWeakThreshold is the momentum_3d magnitude below zero at
	// which a pullback stops counting as mild and drops to the lowest
	// bucket.
	MomentumWeakThreshold float64
	// MinCompositeMult and MaxCompositeMult clamp the combined TP
	// multiplier so degenerate feature combinations cannot produce absurd
	// ladders.
	MinCompositeMult float64
	MaxCompositeMult float64
}

// Calculator derives adjustment multipliers from feature snapshots. A NaN
// input never fails a plan: the affected multiplier falls back to the neutral
// 1.0 and the degradation is logged.
type Calculator struct {
	cfg    CalculatorConfig
	logger *slog.Logger
}

// NewCalculator creates a Calculator with the given tuning.
func NewCalculator(cfg CalculatorConfig, logger *slog.Logger) *Calculator {
	return &Calculator{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "risk_calculator")),
	}
}

// Adjust computes the three multipliers for a snapshot.
func (c *Calculator) Adjust(snap domain.FeatureSnapshot) Adjustments {
	return Adjustments{
		Vol:  c.volatility(snap),
		Mom:  c.momentum(snap),
		Sent: c.sentiment(snap),
	}
}

// TPMult returns the composite take-profit multiplier: the product of the
// three adjustments clamped to the configured bounds.
func (c *Calculator) TPMult(snap domain.FeatureSnapshot) float64 {
	a := c.Adjust(snap)
	m := a.Vol * a.Mom * a.Sent
	if m < c.cfg.MinCompositeMult {
		return c.cfg.MinCompositeMult
	}
	if m > c.cfg.MaxCompositeMult {
		return c.cfg.MaxCompositeMult
	}
	return m
}

// SLMult returns the stop-loss multiplier. Only volatility widens or tightens
// the stop; momentum and sentiment do not touch it.
func (c *Calculator) SLMult(snap domain.FeatureSnapshot) float64 {
	return c.volatility(snap)
}

func (c *Calculator) volatility(snap domain.FeatureSnapshot) float64 {
	if math.IsNaN(snap.ATRPct) {
		c.warnNaN(snap.Ticker, "atr_pct")
		return 1.0
	}
	return lookup(volatilityBuckets, snap.ATRPct, volatilityDefault)
}

func (c *Calculator) momentum(snap domain.FeatureSnapshot) float64 {
	if math.IsNaN(snap.Momentum3d) {
		c.warnNaN(snap.Ticker, "momentum_3d")
		return 1.0
	}
	table := []bucket{
		{-c.cfg.MomentumWeakThreshold, 0.8},
		{0, 0.9},
		{momentumModerate, 1.0},
		{momentumStrong, 1.15},
	}
	return lookup(table, snap.Momentum3d, momentumDefault)
}

func (c *Calculator) sentiment(snap domain.FeatureSnapshot) float64 {
	if math.IsNaN(snap.FearGreed) {
		c.warnNaN(snap.Ticker, "fear_greed")
		return 1.0
	}
	return lookup(sentimentBuckets, snap.FearGreed, sentimentDefault)
}

func (c *Calculator) warnNaN(ticker, feature string) {
	c.logger.Warn("feature missing, using neutral multiplier",
		slog.String("ticker", ticker),
		slog.String("feature", feature),
	)
}
