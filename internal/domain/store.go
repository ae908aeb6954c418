package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetOpen(ctx context.Context) ([]Position, error)
	ListHistory(ctx context.Context, ticker string, opts ListOpts) ([]Position, error)
	// Archive moves a terminal position to the archive table in one
	// transaction. It returns ErrNotFound if the position does not exist
	// and ErrInconsistent if it is not terminal.
	Archive(ctx context.Context, id string) error
}

// TradeStore persists confirmed fills.
type TradeStore interface {
	Insert(ctx context.Context, trade Trade) error
	ListByPosition(ctx context.Context, positionID string) ([]Trade, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]Trade, error)
}
