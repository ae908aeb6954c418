package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cryptonita/exitbot/internal/domain"
	"github.com/cryptonita/exitbot/internal/risk"
)

// Manager owns the id -> monitor registry. It loads open positions at
// startup, consumes entry signals from the bus, spawns one monitor per
// position, and drains everything on shutdown. A failure inside one monitor
// freezes that position only; the rest keep running.
type Manager struct {
	cfg      Config
	planner  *risk.Planner
	trailing risk.Trailing
	rules    *risk.Rules

	store     domain.PositionStore
	trades    domain.TradeStore
	venue     domain.OrderExecutor
	snapshots domain.SnapshotCache
	bus       domain.SignalBus
	sink      EventSink
	archiver  domain.PositionArchiver // optional

	logger *slog.Logger

	mu       sync.Mutex
	monitors map[string]*Monitor // by position id
	wg       sync.WaitGroup
}

// ManagerDeps bundles the manager's injected collaborators.
type ManagerDeps struct {
	Planner   *risk.Planner
	Trailing  risk.Trailing
	Rules     *risk.Rules
	Store     domain.PositionStore
	Trades    domain.TradeStore
	Venue     domain.OrderExecutor
	Snapshots domain.SnapshotCache
	Bus       domain.SignalBus
	Sink      EventSink
	Archiver  domain.PositionArchiver
}

// NewManager creates a Manager.
func NewManager(cfg Config, deps ManagerDeps, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		planner:   deps.Planner,
		trailing:  deps.Trailing,
		rules:     deps.Rules,
		store:     deps.Store,
		trades:    deps.Trades,
		venue:     deps.Venue,
		snapshots: deps.Snapshots,
		bus:       deps.Bus,
		sink:      deps.Sink,
		archiver:  deps.Archiver,
		logger:    logger.With(slog.String("component", "engine")),
		monitors:  make(map[string]*Monitor),
	}
}

// Run loads open positions, subscribes to the entry channel, and blocks until
// the context is cancelled. On return every monitor has exited and flushed.
func (mg *Manager) Run(ctx context.Context) error {
	positions, err := mg.store.GetOpen(ctx)
	if err != nil {
		return fmt.Errorf("engine: load open positions: %w", err)
	}
	for _, pos := range positions {
		mg.spawn(ctx, pos)
	}
	mg.logger.InfoContext(ctx, "engine started",
		slog.Int("resumed_positions", len(positions)),
	)

	entries, err := mg.bus.Subscribe(ctx, mg.cfg.EntryChannel)
	if err != nil {
		return fmt.Errorf("engine: subscribe %s: %w", mg.cfg.EntryChannel, err)
	}

	for {
		select {
		case <-ctx.Done():
			mg.wg.Wait()
			mg.logger.Info("engine stopped")
			return ctx.Err()
		case payload, ok := <-entries:
			if !ok {
				mg.wg.Wait()
				return nil
			}
			var sig domain.EntrySignal
			if err := json.Unmarshal(payload, &sig); err != nil {
				mg.logger.WarnContext(ctx, "malformed entry signal",
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := mg.handleEntry(ctx, sig); err != nil {
				mg.logger.WarnContext(ctx, "entry signal rejected",
					slog.String("ticker", sig.Ticker),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// handleEntry opens a position from a predictor signal: buy, plan the exit
// from the confirmed fill, persist, and start monitoring.
func (mg *Manager) handleEntry(ctx context.Context, sig domain.EntrySignal) error {
	if sig.Ticker == "" || !sig.Features.Valid() {
		return fmt.Errorf("engine: entry signal missing ticker or features")
	}
	if sig.Probability < mg.cfg.MinProbability {
		mg.logger.DebugContext(ctx, "probability below threshold",
			slog.String("ticker", sig.Ticker),
			slog.Float64("probability", sig.Probability),
		)
		return nil
	}

	mg.mu.Lock()
	active := len(mg.monitors)
	dup := false
	for _, m := range mg.monitors {
		if m.pos.Ticker == sig.Ticker {
			dup = true
			break
		}
	}
	mg.mu.Unlock()
	if dup {
		mg.logger.InfoContext(ctx, "ticker already has an open position",
			slog.String("ticker", sig.Ticker),
		)
		return nil
	}
	if active >= mg.cfg.MaxPositions {
		return fmt.Errorf("engine: %w (%d)", domain.ErrMaxPositions, active)
	}

	now := time.Now().UTC()
	pos := domain.Position{
		ID:            uuid.New().String(),
		Ticker:        sig.Ticker,
		Probability:   sig.Probability,
		EntryTime:     now,
		EntryFeatures: sig.Features,
		Status:        domain.PositionStatusOpening,
		UpdatedAt:     now,
	}
	if err := mg.store.Create(ctx, pos); err != nil {
		return fmt.Errorf("engine: create position: %w", err)
	}

	qty := mg.entryQuantity(sig)
	fill, err := mg.submitBuy(ctx, sig.Ticker, qty)
	if err != nil {
		mg.freezeEntry(ctx, pos, fmt.Sprintf("entry buy failed: %v", err))
		return fmt.Errorf("engine: entry buy %s: %w", sig.Ticker, err)
	}

	slPrice, ladder, err := mg.planner.PlanExit(fill.Price, sig.Features)
	if err != nil {
		// The buy is confirmed, so keep the fill on the position and in the
		// trade log before parking it for manual reconciliation.
		pos.EntryPrice = fill.Price
		pos.QuantityTotal = fill.Quantity
		pos.QuantityRemaining = fill.Quantity
		mg.recordBuy(ctx, pos, fill)
		mg.freezeEntry(ctx, pos, fmt.Sprintf("exit plan failed after fill: %v", err))
		return fmt.Errorf("engine: plan exit %s: %w", sig.Ticker, err)
	}

	pos.EntryPrice = fill.Price
	pos.QuantityTotal = fill.Quantity
	pos.QuantityRemaining = fill.Quantity
	pos.SLPrice = slPrice
	pos.TPLadder = ladder
	pos.Status = domain.PositionStatusOpen
	pos.UpdatedAt = time.Now().UTC()

	if err := mg.store.Update(ctx, pos); err != nil {
		return fmt.Errorf("engine: persist opened position: %w", err)
	}
	mg.recordBuy(ctx, pos, fill)
	mg.sink.Emit(ctx, domain.PositionEvent{
		PositionID: pos.ID,
		Ticker:     pos.Ticker,
		Type:       domain.EventOpened,
		Detail: map[string]any{
			"entry_price": fill.Price,
			"quantity":    fill.Quantity,
			"sl_price":    slPrice,
			"probability": sig.Probability,
		},
		At: time.Now().UTC(),
	})
	mg.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("ticker", pos.Ticker),
		slog.Float64("entry_price", fill.Price),
		slog.Float64("quantity", fill.Quantity),
	)

	mg.spawn(ctx, pos)
	return nil
}

// freezeEntry parks a position that failed during the entry path, persisting
// the cause and alerting through the sink.
func (mg *Manager) freezeEntry(ctx context.Context, pos domain.Position, reason string) {
	pos.Status = domain.PositionStatusFrozen
	pos.FrozenReason = reason
	pos.UpdatedAt = time.Now().UTC()
	if err := mg.store.Update(ctx, pos); err != nil {
		mg.logger.ErrorContext(ctx, "persist failed entry",
			slog.String("error", err.Error()),
		)
	}
	mg.sink.Emit(ctx, domain.PositionEvent{
		PositionID: pos.ID,
		Ticker:     pos.Ticker,
		Type:       domain.EventFrozen,
		Detail:     map[string]any{"reason": reason},
		At:         time.Now().UTC(),
	})
}

// recordBuy writes the confirmed entry fill to the trade log. Failure to
// record is logged, never fatal: the position itself already carries the fill.
func (mg *Manager) recordBuy(ctx context.Context, pos domain.Position, fill domain.Fill) {
	if err := mg.trades.Insert(ctx, domain.Trade{
		ID:         uuid.New().String(),
		PositionID: pos.ID,
		Ticker:     pos.Ticker,
		Side:       domain.TradeSideBuy,
		Price:      fill.Price,
		Quantity:   fill.Quantity,
		OrderID:    fill.OrderID,
		ExecutedAt: fill.At,
	}); err != nil {
		mg.logger.WarnContext(ctx, "record entry trade failed",
			slog.String("error", err.Error()),
		)
	}
}

// entryQuantity converts the flat per-position notional into a base quantity
// using the signal's snapshot price. The venue's confirmed fill is what
// actually lands in the position.
func (mg *Manager) entryQuantity(sig domain.EntrySignal) float64 {
	return mg.cfg.EntryNotional / sig.Features.Price
}

// spawn registers a monitor for the position and starts its goroutine. A
// panic inside one monitor freezes that position and never touches the
// others.
func (mg *Manager) spawn(ctx context.Context, pos domain.Position) {
	m := newMonitor(
		pos, mg.trailing, mg.rules,
		mg.store, mg.trades, mg.venue, mg.snapshots, mg.sink,
		mg.archiveClosed, mg.cfg, mg.logger,
	)

	mg.mu.Lock()
	mg.monitors[pos.ID] = m
	mg.mu.Unlock()

	mg.wg.Add(1)
	go func() {
		defer mg.wg.Done()
		defer func() {
			mg.mu.Lock()
			delete(mg.monitors, pos.ID)
			mg.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				mg.logger.Error("monitor panicked",
					slog.String("position_id", pos.ID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				m.freeze(context.WithoutCancel(ctx), fmt.Sprintf("monitor panic: %v", r))
			}
		}()
		if err := m.Run(ctx); err != nil && err != context.Canceled {
			mg.logger.Warn("monitor exited with error",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// StopTicker issues a manual full stop to every monitor on the given ticker.
// It returns domain.ErrNotFound when no open position matches.
func (mg *Manager) StopTicker(ticker string) error {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	found := false
	for _, m := range mg.monitors {
		if m.pos.Ticker == ticker {
			m.RequestStop()
			found = true
		}
	}
	if !found {
		return domain.ErrNotFound
	}
	return nil
}

// StopAll issues a manual full stop to every monitor.
func (mg *Manager) StopAll() {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	for _, m := range mg.monitors {
		m.RequestStop()
	}
}

// OpenCount reports how many positions are currently monitored.
func (mg *Manager) OpenCount() int {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return len(mg.monitors)
}

// archiveClosed moves a durably closed position to the archive table and,
// when cold storage is wired, writes the JSON archive blob. Best effort:
// archival failure never un-closes a position.
func (mg *Manager) archiveClosed(ctx context.Context, pos domain.Position) {
	if err := mg.store.Archive(ctx, pos.ID); err != nil {
		mg.logger.WarnContext(ctx, "archive position failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if mg.archiver == nil {
		return
	}
	trades, err := mg.trades.ListByPosition(ctx, pos.ID)
	if err != nil {
		mg.logger.WarnContext(ctx, "list trades for archive failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		trades = nil
	}
	if err := mg.archiver.ArchivePosition(ctx, pos, trades); err != nil {
		mg.logger.WarnContext(ctx, "cold-storage archive failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

// submitBuy mirrors the monitor's sell retry policy for the entry leg.
func (mg *Manager) submitBuy(ctx context.Context, ticker string, qty float64) (domain.Fill, error) {
	backoff := mg.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= mg.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, mg.cfg.OrderTimeout)
		fill, err := mg.venue.SubmitBuy(callCtx, ticker, qty)
		cancel()
		if err == nil {
			return fill, nil
		}
		lastErr = err
		mg.logger.WarnContext(ctx, "entry buy failed, backing off",
			slog.String("ticker", ticker),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		if attempt == mg.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return domain.Fill{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return domain.Fill{}, lastErr
}
