// Package engine owns position lifecycle: one monitor goroutine per open
// position sequences the risk components every tick and is the sole writer of
// that position's quantities and status. The manager holds the id registry,
// consumes entry signals, and supervises the monitors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cryptonita/exitbot/internal/domain"
	"github.com/cryptonita/exitbot/internal/risk"
)

// EventSink receives confirmed state-change events. Implementations must not
// block the calling monitor for long; delivery failures are theirs to log.
type EventSink interface {
	Emit(ctx context.Context, evt domain.PositionEvent)
}

// Config tunes the engine.
type Config struct {
	MonitorInterval time.Duration
	SnapshotMaxAge  time.Duration
	OrderTimeout    time.Duration
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxPositions    int
	MinProbability  float64
	EntryNotional   float64
	EntryChannel    string
}

// Monitor drives a single position. All mutations of the position happen on
// the monitor's goroutine; nothing else writes it after the spawn.
type Monitor struct {
	pos      domain.Position
	trailing risk.Trailing
	rules    *risk.Rules

	store     domain.PositionStore
	trades    domain.TradeStore
	venue     domain.OrderExecutor
	snapshots domain.SnapshotCache
	sink      EventSink
	onClosed  func(ctx context.Context, pos domain.Position)

	cfg    Config
	logger *slog.Logger

	// stopCh carries the manual full-stop command. It preempts the next
	// tick's evaluation.
	stopCh chan struct{}
}

func newMonitor(
	pos domain.Position,
	trailing risk.Trailing,
	rules *risk.Rules,
	store domain.PositionStore,
	trades domain.TradeStore,
	venue domain.OrderExecutor,
	snapshots domain.SnapshotCache,
	sink EventSink,
	onClosed func(ctx context.Context, pos domain.Position),
	cfg Config,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		pos:       pos,
		trailing:  trailing,
		rules:     rules,
		store:     store,
		trades:    trades,
		venue:     venue,
		snapshots: snapshots,
		sink:      sink,
		onClosed:  onClosed,
		cfg:       cfg,
		logger: logger.With(
			slog.String("component", "monitor"),
			slog.String("position_id", pos.ID),
			slog.String("ticker", pos.Ticker),
		),
		stopCh: make(chan struct{}, 1),
	}
}

// RequestStop queues a manual full-stop command. It never blocks; repeated
// requests before the monitor acts collapse into one.
func (m *Monitor) RequestStop() {
	select {
	case m.stopCh <- struct{}{}:
	default:
	}
}

// Run ticks the position until it reaches a terminal status or the context is
// cancelled. The manual stop command takes precedence over a regular tick.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.flush()
			return ctx.Err()
		case <-m.stopCh:
			m.manualExit(ctx)
		case <-ticker.C:
			// Manual stop wins over a tick that raced it.
			select {
			case <-m.stopCh:
				m.manualExit(ctx)
			default:
				m.tick(ctx)
			}
		}
		if m.pos.Status.Terminal() {
			return nil
		}
	}
}

// tick runs one monitoring cycle: refresh snapshot, advance the trailing
// stop, evaluate exit conditions, and execute at most one exit.
func (m *Monitor) tick(ctx context.Context) {
	if m.pos.Status.Terminal() {
		return
	}

	snap, err := m.snapshots.Get(ctx, m.pos.Ticker)
	if err != nil {
		m.logger.WarnContext(ctx, "no feature snapshot, skipping tick",
			slog.String("error", err.Error()),
		)
		return
	}
	if !snap.Valid() || snap.StaleAt(time.Now().UTC(), m.cfg.SnapshotMaxAge) {
		m.logger.WarnContext(ctx, "snapshot stale or invalid, skipping tick",
			slog.Time("snapshot_ts", snap.Timestamp),
		)
		return
	}

	m.pos.RefreshUnrealized(snap.Price)

	// Hard stop-loss. Once the trailing stop is armed it sits above entry
	// and supersedes the entry stop.
	if !m.pos.TrailingActive && snap.Price <= m.pos.SLPrice {
		m.executeExit(ctx, &domain.ExitDecision{
			Reason:      domain.ReasonStopLoss,
			Quantity:    m.pos.QuantityRemaining,
			Full:        true,
			LadderIndex: -1,
		}, snap)
		return
	}

	stop, active, triggered := m.trailing.Advance(risk.TrailState{
		EntryPrice: m.pos.EntryPrice,
		Price:      snap.Price,
		ATRAbs:     snap.ATRAbs,
		Active:     m.pos.TrailingActive,
		Stop:       m.pos.StopPrice,
	})
	if active != m.pos.TrailingActive || stop != m.pos.StopPrice {
		m.pos.TrailingActive = active
		m.pos.StopPrice = stop
		m.pos.UpdatedAt = time.Now().UTC()
		if err := m.store.Update(ctx, m.pos); err != nil {
			// Keep the in-memory stop; the next tick persists it again.
			m.logger.WarnContext(ctx, "persist trailing update failed",
				slog.String("error", err.Error()),
			)
		} else {
			m.sink.Emit(ctx, m.event(domain.EventTrailingUpdate, map[string]any{
				"stop_price": stop,
				"price":      snap.Price,
			}))
		}
	}

	var decision *domain.ExitDecision
	if triggered {
		decision = &domain.ExitDecision{
			Reason:      domain.ReasonTrailingStop,
			Quantity:    m.pos.QuantityRemaining,
			Full:        true,
			LadderIndex: -1,
		}
	} else {
		decision = m.rules.Evaluate(&m.pos, snap)
	}
	if decision == nil {
		return
	}
	m.executeExit(ctx, decision, snap)
}

// manualExit liquidates everything immediately, bypassing rule evaluation.
func (m *Monitor) manualExit(ctx context.Context) {
	if m.pos.Status.Terminal() || m.pos.QuantityRemaining <= 0 {
		return
	}
	m.logger.InfoContext(ctx, "manual stop requested")
	m.executeExit(ctx, &domain.ExitDecision{
		Reason:      domain.ReasonManualStop,
		Quantity:    m.pos.QuantityRemaining,
		Full:        true,
		LadderIndex: -1,
	}, domain.FeatureSnapshot{})
}

// executeExit submits the sell and applies the fill. The position is not
// mutated until the venue confirms; a timed-out submission leaves quantities
// and status exactly as they were so the next attempt starts clean.
func (m *Monitor) executeExit(ctx context.Context, d *domain.ExitDecision, snap domain.FeatureSnapshot) {
	fill, err := m.submitSell(ctx, d.Quantity)
	if err != nil {
		m.freeze(ctx, fmt.Sprintf("sell %s failed after %d attempts: %v", d.Reason, m.cfg.MaxAttempts, err))
		return
	}

	m.pos.QuantityRemaining -= fill.Quantity
	m.pos.RealizedPnL += (fill.Price - m.pos.EntryPrice) * fill.Quantity
	if d.LadderIndex >= 0 && d.LadderIndex < len(m.pos.TPLadder) {
		m.pos.TPLadder[d.LadderIndex].Hit = true
	} else {
		m.pos.RuleExitQuantity += fill.Quantity
	}
	m.pos.RefreshUnrealized(fill.Price)

	// Closure follows the confirmed fill, not the decision: a short fill on
	// a full-exit order leaves the unsold remainder under management.
	now := time.Now().UTC()
	closed := m.pos.QuantityRemaining <= 1e-9*m.pos.QuantityTotal
	if closed {
		m.pos.QuantityRemaining = 0
		m.pos.UnrealizedPnL = 0
		m.pos.Status = domain.PositionStatusClosed
		m.pos.ClosedReason = string(d.Reason)
		m.pos.ClosedAt = &now
	} else {
		m.pos.Status = domain.PositionStatusPartiallyClosed
	}
	m.pos.UpdatedAt = now

	if err := m.pos.CheckConsistent(); err != nil {
		m.freeze(ctx, err.Error())
		return
	}

	if err := m.store.Update(ctx, m.pos); err != nil {
		m.freeze(ctx, fmt.Sprintf("persist after fill: %v", err))
		return
	}
	if err := m.trades.Insert(ctx, domain.Trade{
		ID:         uuid.New().String(),
		PositionID: m.pos.ID,
		Ticker:     m.pos.Ticker,
		Side:       domain.TradeSideSell,
		Price:      fill.Price,
		Quantity:   fill.Quantity,
		Reason:     d.Reason,
		OrderID:    fill.OrderID,
		ExecutedAt: fill.At,
	}); err != nil {
		m.logger.WarnContext(ctx, "record trade failed",
			slog.String("error", err.Error()),
		)
	}

	detail := map[string]any{
		"reason":             string(d.Reason),
		"fill_price":         fill.Price,
		"fill_quantity":      fill.Quantity,
		"quantity_remaining": m.pos.QuantityRemaining,
		"realized_pnl":       m.pos.RealizedPnL,
	}
	switch {
	case closed:
		m.sink.Emit(ctx, m.event(domain.EventClosed, detail))
	case d.LadderIndex >= 0:
		detail["ladder_index"] = d.LadderIndex
		m.sink.Emit(ctx, m.event(domain.EventTPHit, detail))
	default:
		m.sink.Emit(ctx, m.event(domain.EventPartialExit, detail))
	}

	m.logger.InfoContext(ctx, "exit executed",
		slog.String("reason", string(d.Reason)),
		slog.Float64("quantity", fill.Quantity),
		slog.Float64("fill_price", fill.Price),
		slog.Bool("closed", closed),
	)

	if closed && m.onClosed != nil {
		m.onClosed(ctx, m.pos)
	}
}

// submitSell retries the venue call with bounded exponential backoff. The
// position keeps its prior state for the whole retry window.
func (m *Monitor) submitSell(ctx context.Context, qty float64) (domain.Fill, error) {
	backoff := m.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.OrderTimeout)
		fill, err := m.venue.SubmitSell(callCtx, m.pos.Ticker, qty)
		cancel()
		if err == nil {
			return fill, nil
		}
		lastErr = err
		m.logger.WarnContext(ctx, "sell submission failed, backing off",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		if attempt == m.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return domain.Fill{}, errors.Join(lastErr, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return domain.Fill{}, lastErr
}

// freeze parks the position for manual reconciliation. Frozen positions get
// no further automated mutation.
func (m *Monitor) freeze(ctx context.Context, reason string) {
	m.pos.Status = domain.PositionStatusFrozen
	m.pos.FrozenReason = reason
	m.pos.UpdatedAt = time.Now().UTC()

	if err := m.store.Update(ctx, m.pos); err != nil {
		m.logger.ErrorContext(ctx, "persist frozen position failed",
			slog.String("error", err.Error()),
		)
	}
	m.sink.Emit(ctx, m.event(domain.EventFrozen, map[string]any{
		"reason": reason,
	}))
	m.logger.ErrorContext(ctx, "position frozen", slog.String("reason", reason))
}

// flush persists the current in-memory state on shutdown.
func (m *Monitor) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Update(ctx, m.pos); err != nil {
		m.logger.Warn("flush on shutdown failed", slog.String("error", err.Error()))
	}
}

func (m *Monitor) event(typ domain.EventType, detail map[string]any) domain.PositionEvent {
	return domain.PositionEvent{
		PositionID: m.pos.ID,
		Ticker:     m.pos.Ticker,
		Type:       typ,
		Detail:     detail,
		At:         time.Now().UTC(),
	}
}
