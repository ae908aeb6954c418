package domain

import (
	"math"
	"time"
)

// FeatureSnapshot is one ticker's market state as computed by the upstream
// analytics service. The bot never derives these values itself; it consumes
// them at entry (frozen into the position) and on every monitoring tick.
// Any float field may arrive as NaN when the upstream window is incomplete.
type FeatureSnapshot struct {
	Ticker            string    `json:"ticker"`
	Price             float64   `json:"price"`
	ATRPct            float64   `json:"atr_pct"`
	ATRAbs            float64   `json:"atr_abs"`
	Momentum3d        float64   `json:"momentum_3d"`
	MomentumStrength  float64   `json:"momentum_strength"`
	VolumeRatio20     float64   `json:"volume_ratio_20"`
	FearGreed         float64   `json:"fear_greed"`
	RedCandleFraction float64   `json:"red_candle_fraction"`
	LowerLows         bool      `json:"lower_lows"`
	Timestamp         time.Time `json:"timestamp"`
}

// StaleAt reports whether the snapshot is older than maxAge at the given time.
func (f FeatureSnapshot) StaleAt(now time.Time, maxAge time.Duration) bool {
	return now.Sub(f.Timestamp) > maxAge
}

// Valid reports whether the snapshot carries a usable price.
func (f FeatureSnapshot) Valid() bool {
	return f.Ticker != "" && f.Price > 0 && !math.IsNaN(f.Price)
}
