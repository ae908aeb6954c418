package domain

import "time"

// EntrySignal is published by the prediction service when a ticker crosses
// the buy threshold. Features is the snapshot the prediction was made from;
// it becomes the position's EntryFeatures on fill.
type EntrySignal struct {
	Ticker      string          `json:"ticker"`
	Probability float64         `json:"probability"`
	Features    FeatureSnapshot `json:"features"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ExitReason identifies what triggered an exit decision.
type ExitReason string

const (
	ReasonStopLoss          ExitReason = "stop_loss"
	ReasonTrailingStop      ExitReason = "trailing_stop_hit"
	ReasonMomentumReversal  ExitReason = "momentum_reversal"
	ReasonMomentumWeakening ExitReason = "momentum_weakening"
	ReasonVolumeCollapse    ExitReason = "volume_collapse"
	ReasonBearishPattern    ExitReason = "bearish_pattern"
	ReasonTakeProfit        ExitReason = "take_profit"
	ReasonManualStop        ExitReason = "manual_stop"
)

// ExitDecision is the outcome of evaluating one monitoring tick. At most one
// decision is produced per tick. LadderIndex is >= 0 only for take-profit
// exits; the owning monitor marks the level hit after the sell is confirmed.
type ExitDecision struct {
	Reason      ExitReason
	Quantity    float64
	Full        bool
	LadderIndex int
}
