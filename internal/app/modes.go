package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/cryptonita/exitbot/internal/blob/s3"
	"github.com/cryptonita/exitbot/internal/domain"
	"github.com/cryptonita/exitbot/internal/engine"
	"github.com/cryptonita/exitbot/internal/feed"
	"github.com/cryptonita/exitbot/internal/risk"
	"github.com/cryptonita/exitbot/internal/venue/binance"
	"github.com/cryptonita/exitbot/internal/venue/paper"
)

// LiveMode runs the full exit engine against the real venue. Orders are
// signed and submitted through the exchange API, rate limited by the shared
// Redis limiter.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")

	venue := binance.New(binance.Config{
		APIKey:           a.cfg.Venue.APIKey,
		APISecret:        a.cfg.Venue.APISecret,
		BaseURL:          a.cfg.Venue.BaseURL,
		QuantityDecimals: a.cfg.Venue.QuantityDecimals,
		RateLimit:        a.cfg.Venue.RateLimit,
		RateWindow:       a.cfg.Venue.RateWindow.Duration,
	}, deps.RateLimiter, a.logger)

	if err := venue.Ping(ctx); err != nil {
		return fmt.Errorf("app: venue ping: %w", err)
	}

	return a.runTrading(ctx, deps, venue)
}

// PaperMode runs the same engine but fills orders against cached feature
// snapshots instead of the exchange. Positions, trades, and events flow
// through the real stores so paper sessions are fully inspectable.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")

	venue := paper.New(deps.Snapshots, a.cfg.Venue.PaperSlippagePct, a.logger)
	return a.runTrading(ctx, deps, venue)
}

// MonitorMode runs feeds plus a read-only evaluation loop. Every interval it
// loads the open book and logs the exit decision each position would take,
// without placing orders or mutating state. Useful for validating feed health
// and rule behavior against live data.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	trailing := risk.Trailing{
		ActivationPct: a.cfg.Risk.TrailingActivationPct,
		ATRMult:       a.cfg.Risk.TrailingATRMult,
		MinLockPct:    a.cfg.Risk.TrailingMinLockPct,
	}
	rules := risk.NewRules(risk.RulesConfig{
		MomentumReversalMinProfit: a.cfg.Risk.MomentumReversalMinProfit,
		WeakeningRatio:            a.cfg.Risk.WeakeningRatio,
		WeakeningMinProfit:        a.cfg.Risk.WeakeningMinProfit,
		VolumeCollapseDrop:        a.cfg.Risk.VolumeCollapseThreshold,
		BearishRedFraction:        a.cfg.Risk.BearishRedFraction,
	})

	g, ctx := errgroup.WithContext(ctx)
	a.startFeeds(ctx, g, deps)

	g.Go(func() error {
		interval := a.cfg.Engine.MonitorInterval.Duration
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				a.observeOpenBook(ctx, deps, trailing, rules)
			}
		}
	})

	return g.Wait()
}

// runTrading builds the risk layer and the position manager, starts the
// feeds, and blocks until the context is cancelled or a component fails.
func (a *App) runTrading(ctx context.Context, deps *Dependencies, venue domain.OrderExecutor) error {
	calc := risk.NewCalculator(risk.CalculatorConfig{
		MomentumWeakThreshold: a.cfg.Risk.MomentumWeakThreshold,
		MinCompositeMult:      a.cfg.Risk.MinCompositeMult,
		MaxCompositeMult:      a.cfg.Risk.MaxCompositeMult,
	}, a.logger)

	levels := make([]risk.LevelSpec, 0, len(a.cfg.Risk.TPLevels))
	for _, lvl := range a.cfg.Risk.TPLevels {
		levels = append(levels, risk.LevelSpec{BasePct: lvl.BasePct, Fraction: lvl.Fraction})
	}
	planner, err := risk.NewPlanner(levels, a.cfg.Risk.SLBasePct, calc)
	if err != nil {
		return fmt.Errorf("app: exit plan config: %w", err)
	}

	trailing := risk.Trailing{
		ActivationPct: a.cfg.Risk.TrailingActivationPct,
		ATRMult:       a.cfg.Risk.TrailingATRMult,
		MinLockPct:    a.cfg.Risk.TrailingMinLockPct,
	}
	rules := risk.NewRules(risk.RulesConfig{
		MomentumReversalMinProfit: a.cfg.Risk.MomentumReversalMinProfit,
		WeakeningRatio:            a.cfg.Risk.WeakeningRatio,
		WeakeningMinProfit:        a.cfg.Risk.WeakeningMinProfit,
		VolumeCollapseDrop:        a.cfg.Risk.VolumeCollapseThreshold,
		BearishRedFraction:        a.cfg.Risk.BearishRedFraction,
	})

	// Assign through a local so a disabled archiver stays a nil interface.
	var archiver domain.PositionArchiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}

	manager := engine.NewManager(engine.Config{
		MonitorInterval: a.cfg.Engine.MonitorInterval.Duration,
		SnapshotMaxAge:  a.cfg.Engine.SnapshotMaxAge.Duration,
		OrderTimeout:    a.cfg.Engine.OrderTimeout.Duration,
		MaxAttempts:     a.cfg.Engine.MaxAttempts,
		InitialBackoff:  a.cfg.Engine.InitialBackoff.Duration,
		MaxPositions:    a.cfg.Engine.MaxPositions,
		MinProbability:  a.cfg.Engine.MinProbability,
		EntryNotional:   a.cfg.Engine.EntryNotional,
		EntryChannel:    a.cfg.Engine.EntryChannel,
	}, engine.ManagerDeps{
		Planner:   planner,
		Trailing:  trailing,
		Rules:     rules,
		Store:     deps.PositionStore,
		Trades:    deps.TradeStore,
		Venue:     venue,
		Snapshots: deps.Snapshots,
		Bus:       deps.Bus,
		Sink:      deps.Sink,
		Archiver:  archiver,
	}, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return manager.Run(ctx)
	})

	g.Go(func() error {
		return a.commandLoop(ctx, deps, manager)
	})

	a.startFeeds(ctx, g, deps)

	if deps.Archiver != nil && a.cfg.S3.ExportInterval.Duration > 0 {
		g.Go(func() error {
			return a.exportLoop(ctx, deps.Archiver)
		})
	}

	return g.Wait()
}

// startFeeds launches the websocket stream and the HTTP poller for whichever
// endpoints are configured. Both write to the shared snapshot cache; the
// poller acts as a fallback when the stream lags or drops.
func (a *App) startFeeds(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if a.cfg.Feed.WSURL != "" {
		stream := feed.NewStream(a.cfg.Feed.WSURL, a.cfg.Feed.Tickers, deps.Snapshots, a.logger)
		g.Go(func() error {
			defer stream.Close()
			return stream.Run(ctx)
		})
	}
	if a.cfg.Feed.HTTPURL != "" {
		poller := feed.NewPoller(
			a.cfg.Feed.HTTPURL,
			a.cfg.Feed.Tickers,
			a.cfg.Feed.PollInterval.Duration,
			deps.Snapshots,
			a.logger,
		)
		g.Go(func() error {
			return poller.Run(ctx)
		})
	}
	if a.cfg.Feed.WSURL == "" && a.cfg.Feed.HTTPURL == "" {
		a.logger.WarnContext(ctx, "no feed endpoints configured, snapshot cache will go stale")
	}
}

// manualCommand is the wire shape of operator commands on the command
// channel: {"action":"stop","ticker":"BTCUSDT"} or {"action":"stop_all"}.
type manualCommand struct {
	Action string `json:"action"`
	Ticker string `json:"ticker"`
}

// commandLoop subscribes to the command channel and dispatches manual stops
// to the manager. Malformed or unknown commands are logged and dropped.
func (a *App) commandLoop(ctx context.Context, deps *Dependencies, manager *engine.Manager) error {
	msgs, err := deps.Bus.Subscribe(ctx, a.cfg.Engine.CommandChannel)
	if err != nil {
		return fmt.Errorf("app: subscribe commands: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			var cmd manualCommand
			if err := json.Unmarshal(payload, &cmd); err != nil {
				a.logger.WarnContext(ctx, "malformed command dropped",
					slog.String("error", err.Error()))
				continue
			}
			switch cmd.Action {
			case "stop":
				if err := manager.StopTicker(cmd.Ticker); err != nil {
					a.logger.WarnContext(ctx, "manual stop failed",
						slog.String("ticker", cmd.Ticker),
						slog.String("error", err.Error()),
					)
					continue
				}
				a.logger.InfoContext(ctx, "manual stop issued",
					slog.String("ticker", cmd.Ticker))
			case "stop_all":
				manager.StopAll()
				a.logger.InfoContext(ctx, "manual stop issued for all positions")
			default:
				a.logger.WarnContext(ctx, "unknown command dropped",
					slog.String("action", cmd.Action))
			}
		}
	}
}

// exportLoop periodically exports recent trades to cold storage. Each cycle
// covers the window since the previous run.
func (a *App) exportLoop(ctx context.Context, archiver *s3blob.Archiver) error {
	interval := a.cfg.S3.ExportInterval.Duration
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now().UTC().Add(-interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			until := time.Now().UTC()
			n, err := archiver.ExportTrades(ctx, last, until)
			if err != nil {
				a.logger.ErrorContext(ctx, "trade export failed",
					slog.Time("since", last),
					slog.String("error", err.Error()),
				)
				continue
			}
			a.logger.InfoContext(ctx, "trade export complete",
				slog.Int64("trades", n),
				slog.Time("since", last),
				slog.Time("until", until),
			)
			last = until
		}
	}
}

// observeOpenBook evaluates every open position against its latest snapshot
// and logs the decision that live or paper mode would act on. Nothing is
// persisted and nothing is sold.
func (a *App) observeOpenBook(ctx context.Context, deps *Dependencies, trailing risk.Trailing, rules *risk.Rules) {
	positions, err := deps.PositionStore.GetOpen(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "open book query failed", slog.String("error", err.Error()))
		return
	}
	a.logger.InfoContext(ctx, "open book", slog.Int("positions", len(positions)))

	for _, pos := range positions {
		log := a.logger.With(
			slog.String("id", pos.ID),
			slog.String("ticker", pos.Ticker),
			slog.String("status", string(pos.Status)),
		)
		snap, err := deps.Snapshots.Get(ctx, pos.Ticker)
		if err != nil {
			log.WarnContext(ctx, "no snapshot for open position", slog.String("error", err.Error()))
			continue
		}
		if snap.StaleAt(time.Now().UTC(), a.cfg.Engine.SnapshotMaxAge.Duration) {
			log.WarnContext(ctx, "snapshot stale, would skip tick",
				slog.Time("snapshot_at", snap.Timestamp))
			continue
		}

		if !pos.TrailingActive && snap.Price <= pos.SLPrice {
			log.InfoContext(ctx, "would exit",
				slog.String("reason", string(domain.ReasonStopLoss)),
				slog.Float64("price", snap.Price),
				slog.Float64("sl_price", pos.SLPrice),
			)
			continue
		}

		stop, active, triggered := trailing.Advance(risk.TrailState{
			EntryPrice: pos.EntryPrice,
			Price:      snap.Price,
			ATRAbs:     snap.ATRAbs,
			Active:     pos.TrailingActive,
			Stop:       pos.StopPrice,
		})
		if triggered {
			log.InfoContext(ctx, "would exit",
				slog.String("reason", string(domain.ReasonTrailingStop)),
				slog.Float64("price", snap.Price),
				slog.Float64("stop_price", stop),
			)
			continue
		}
		if active && (!pos.TrailingActive || stop > pos.StopPrice) {
			log.InfoContext(ctx, "would advance trailing stop",
				slog.Float64("stop_price", stop))
		}

		if dec := rules.Evaluate(&pos, snap); dec != nil {
			log.InfoContext(ctx, "would exit",
				slog.String("reason", string(dec.Reason)),
				slog.Float64("quantity", dec.Quantity),
				slog.Bool("full", dec.Full),
				slog.Float64("price", snap.Price),
			)
			continue
		}

		log.InfoContext(ctx, "hold",
			slog.Float64("price", snap.Price),
			slog.Float64("unrealized_pnl_pct", pos.PnLPct(snap.Price)),
		)
	}
}
