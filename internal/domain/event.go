package domain

import "time"

// EventType enumerates the position lifecycle events published to the event
// sink.
type EventType string

const (
	EventOpened         EventType = "opened"
	EventTPHit          EventType = "tp_hit"
	EventTrailingUpdate EventType = "trailing_update"
	EventPartialExit    EventType = "partial_exit"
	EventClosed         EventType = "closed"
	EventFrozen         EventType = "frozen"
)

// PositionEvent records one confirmed state mutation of a position. Events
// are emitted only after the mutation has been persisted.
type PositionEvent struct {
	PositionID string         `json:"position_id"`
	Ticker     string         `json:"ticker"`
	Type       EventType      `json:"type"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}
