// Package paper simulates order execution against the latest cached feature
// snapshot. It lets the whole engine run end to end with no venue keys.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/cryptonita/exitbot/internal/domain"
)

// Venue fills every market order at the ticker's cached snapshot price,
// shifted by a flat slippage. Fills are immediate and always complete.
type Venue struct {
	snapshots   domain.SnapshotCache
	slippagePct float64
	logger      *slog.Logger

	mu    sync.Mutex
	fills int
}

var _ domain.OrderExecutor = (*Venue)(nil)

// New creates a paper venue. slippagePct is applied against the order:
// buys fill above the snapshot price, sells below it.
func New(snapshots domain.SnapshotCache, slippagePct float64, logger *slog.Logger) *Venue {
	return &Venue{
		snapshots:   snapshots,
		slippagePct: slippagePct,
		logger:      logger.With(slog.String("component", "paper_venue")),
	}
}

func (v *Venue) SubmitBuy(ctx context.Context, ticker string, quantity float64) (domain.Fill, error) {
	return v.fill(ctx, ticker, quantity, 1+v.slippagePct)
}

func (v *Venue) SubmitSell(ctx context.Context, ticker string, quantity float64) (domain.Fill, error) {
	return v.fill(ctx, ticker, quantity, 1-v.slippagePct)
}

func (v *Venue) fill(ctx context.Context, ticker string, quantity float64, priceMult float64) (domain.Fill, error) {
	if quantity <= 0 || math.IsNaN(quantity) {
		return domain.Fill{}, fmt.Errorf("paper: %w: bad quantity %f", domain.ErrExecutionFailed, quantity)
	}
	snap, err := v.snapshots.Get(ctx, ticker)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("paper: %w: no price for %s: %v", domain.ErrExecutionFailed, ticker, err)
	}
	if !snap.Valid() {
		return domain.Fill{}, fmt.Errorf("paper: %w: invalid snapshot for %s", domain.ErrExecutionFailed, ticker)
	}

	v.mu.Lock()
	v.fills++
	n := v.fills
	v.mu.Unlock()

	fill := domain.Fill{
		OrderID:  fmt.Sprintf("paper-%d-%s", n, uuid.New().String()[:8]),
		Price:    snap.Price * priceMult,
		Quantity: quantity,
		At:       snap.Timestamp,
	}
	v.logger.InfoContext(ctx, "paper fill",
		slog.String("ticker", ticker),
		slog.Float64("price", fill.Price),
		slog.Float64("quantity", fill.Quantity),
	)
	return fill, nil
}
