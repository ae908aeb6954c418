package domain

import "time"

// TradeSide distinguishes entry buys from exit sells.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Trade is one confirmed fill: the entry buy or any partial/full exit sell.
type Trade struct {
	ID         string
	PositionID string
	Ticker     string
	Side       TradeSide
	Price      float64
	Quantity   float64
	Reason     ExitReason // empty for entry buys
	OrderID    string     // venue order id
	ExecutedAt time.Time
}

// Fill is the venue's confirmation of an executed order.
type Fill struct {
	OrderID  string
	Price    float64
	Quantity float64
	At       time.Time
}
