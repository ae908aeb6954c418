package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptonita/exitbot/internal/domain"
	"github.com/cryptonita/exitbot/internal/risk"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockPositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	updates   int
	archived  []string
}

func newMockPositionStore() *mockPositionStore {
	return &mockPositionStore{positions: make(map[string]domain.Position)}
}

func (s *mockPositionStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.positions[pos.ID] = pos
	return nil
}

func (s *mockPositionStore) Update(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.ID]; !ok {
		return domain.ErrNotFound
	}
	s.positions[pos.ID] = pos
	s.updates++
	return nil
}

func (s *mockPositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (s *mockPositionStore) GetOpen(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if !p.Status.Terminal() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *mockPositionStore) ListHistory(context.Context, string, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func (s *mockPositionStore) Archive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = append(s.archived, id)
	return nil
}

func (s *mockPositionStore) get(id string) domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[id]
}

type mockTradeStore struct {
	mu     sync.Mutex
	trades []domain.Trade
}

func (s *mockTradeStore) Insert(_ context.Context, t domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, t)
	return nil
}

func (s *mockTradeStore) ListByPosition(_ context.Context, id string) ([]domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Trade
	for _, t := range s.trades {
		if t.PositionID == id {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *mockTradeStore) ListRecent(context.Context, domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}

type mockVenue struct {
	mu        sync.Mutex
	fillPrice float64
	fillQty   float64 // when > 0, fills confirm less than the requested quantity
	sellErrs  []error // consumed one per SubmitSell call
	buyErrs   []error
	sellCalls int
	buyCalls  int
	sells     []float64
}

func (v *mockVenue) SubmitSell(_ context.Context, _ string, qty float64) (domain.Fill, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sellCalls++
	if len(v.sellErrs) > 0 {
		err := v.sellErrs[0]
		v.sellErrs = v.sellErrs[1:]
		if err != nil {
			return domain.Fill{}, err
		}
	}
	v.sells = append(v.sells, qty)
	filled := qty
	if v.fillQty > 0 {
		filled = v.fillQty
	}
	return domain.Fill{OrderID: "order-1", Price: v.fillPrice, Quantity: filled, At: time.Now().UTC()}, nil
}

func (v *mockVenue) SubmitBuy(_ context.Context, _ string, qty float64) (domain.Fill, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.buyCalls++
	if len(v.buyErrs) > 0 {
		err := v.buyErrs[0]
		v.buyErrs = v.buyErrs[1:]
		if err != nil {
			return domain.Fill{}, err
		}
	}
	return domain.Fill{OrderID: "order-0", Price: v.fillPrice, Quantity: qty, At: time.Now().UTC()}, nil
}

type mockSnapshots struct {
	mu    sync.Mutex
	snaps map[string]domain.FeatureSnapshot
	panic bool
}

func newMockSnapshots() *mockSnapshots {
	return &mockSnapshots{snaps: make(map[string]domain.FeatureSnapshot)}
}

func (c *mockSnapshots) Set(_ context.Context, snap domain.FeatureSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[snap.Ticker] = snap
	return nil
}

func (c *mockSnapshots) Get(_ context.Context, ticker string) (domain.FeatureSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panic {
		panic("snapshot cache blew up")
	}
	snap, ok := c.snaps[ticker]
	if !ok {
		return domain.FeatureSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (c *mockSnapshots) GetAll(context.Context, []string) (map[string]domain.FeatureSnapshot, error) {
	return nil, nil
}

func (c *mockSnapshots) setPanic(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.panic = v
}

type mockSink struct {
	mu     sync.Mutex
	events []domain.PositionEvent
}

func (s *mockSink) Emit(_ context.Context, evt domain.PositionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *mockSink) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		MonitorInterval: 5 * time.Millisecond,
		SnapshotMaxAge:  15 * time.Minute,
		OrderTimeout:    100 * time.Millisecond,
		MaxAttempts:     3,
		InitialBackoff:  time.Millisecond,
		MaxPositions:    10,
		MinProbability:  0.95,
		EntryNotional:   1000,
		EntryChannel:    "entries",
	}
}

func testTrailing() risk.Trailing {
	return risk.Trailing{ActivationPct: 0.05, ATRMult: 1.5, MinLockPct: 0.01}
}

func testRules() *risk.Rules {
	return risk.NewRules(risk.RulesConfig{
		MomentumReversalMinProfit: 0.03,
		WeakeningRatio:            0.3,
		WeakeningMinProfit:        0.05,
		VolumeCollapseDrop:        0.70,
		BearishRedFraction:        0.80,
	})
}

// seedPosition is the scenario position: entered at 100, 10 units, default
// ladder, stop at 94.
func seedPosition() domain.Position {
	return domain.Position{
		ID:     "pos-1",
		Ticker: "BTCUSDT",
		EntryFeatures: domain.FeatureSnapshot{
			Ticker:           "BTCUSDT",
			Price:            100,
			Momentum3d:       0.06,
			MomentumStrength: 1.0,
			VolumeRatio20:    2.0,
		},
		EntryPrice:        100,
		QuantityTotal:     10,
		QuantityRemaining: 10,
		SLPrice:           94,
		TPLadder: []domain.TPLevel{
			{Price: 115.60, SizeFraction: 0.30},
			{Price: 131.20, SizeFraction: 0.40},
			{Price: 162.40, SizeFraction: 0.30},
		},
		Status:    domain.PositionStatusOpen,
		EntryTime: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

// quietSnap fires no rules at the given price.
func quietSnap(price float64) domain.FeatureSnapshot {
	return domain.FeatureSnapshot{
		Ticker:           "BTCUSDT",
		Price:            price,
		ATRAbs:           2,
		ATRPct:           0.02,
		Momentum3d:       0.04,
		MomentumStrength: 0.9,
		VolumeRatio20:    1.8,
		Timestamp:        time.Now().UTC(),
	}
}

type harness struct {
	store  *mockPositionStore
	trades *mockTradeStore
	venue  *mockVenue
	snaps  *mockSnapshots
	sink   *mockSink
	mon    *Monitor
}

func newHarness(t *testing.T, pos domain.Position) *harness {
	t.Helper()
	h := &harness{
		store:  newMockPositionStore(),
		trades: &mockTradeStore{},
		venue:  &mockVenue{fillPrice: 100},
		snaps:  newMockSnapshots(),
		sink:   &mockSink{},
	}
	require.NoError(t, h.store.Create(context.Background(), pos))
	h.mon = newMonitor(
		pos, testTrailing(), testRules(),
		h.store, h.trades, h.venue, h.snaps, h.sink,
		nil, testConfig(), testLogger(),
	)
	return h
}

// ---------------------------------------------------------------------------
// Monitor ticks
// ---------------------------------------------------------------------------

func TestTickQuietDoesNothing(t *testing.T) {
	h := newHarness(t, seedPosition())
	require.NoError(t, h.snaps.Set(context.Background(), quietSnap(104)))

	h.mon.tick(context.Background())

	assert.Zero(t, h.venue.sellCalls)
	assert.Empty(t, h.sink.types())
	assert.Equal(t, domain.PositionStatusOpen, h.store.get("pos-1").Status)
}

func TestTickSkipsMissingOrStaleSnapshot(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		h := newHarness(t, seedPosition())
		h.mon.tick(context.Background())
		assert.Zero(t, h.venue.sellCalls)
	})

	t.Run("stale", func(t *testing.T) {
		h := newHarness(t, seedPosition())
		s := quietSnap(120)
		s.Timestamp = time.Now().UTC().Add(-time.Hour)
		require.NoError(t, h.snaps.Set(context.Background(), s))
		h.mon.tick(context.Background())
		assert.Zero(t, h.venue.sellCalls)
	})
}

func TestTPLevelHitPartialClose(t *testing.T) {
	h := newHarness(t, seedPosition())
	h.venue.fillPrice = 115.60
	require.NoError(t, h.snaps.Set(context.Background(), quietSnap(115.60)))

	h.mon.tick(context.Background())

	pos := h.store.get("pos-1")
	assert.Equal(t, domain.PositionStatusPartiallyClosed, pos.Status)
	assert.InDelta(t, 7.0, pos.QuantityRemaining, 1e-9)
	assert.True(t, pos.TPLadder[0].Hit)
	assert.False(t, pos.TPLadder[1].Hit)
	assert.InDelta(t, 3*15.60, pos.RealizedPnL, 1e-9)
	assert.Contains(t, h.sink.types(), domain.EventTPHit)

	require.Len(t, h.trades.trades, 1)
	assert.Equal(t, domain.TradeSideSell, h.trades.trades[0].Side)
	assert.Equal(t, domain.ReasonTakeProfit, h.trades.trades[0].Reason)
}

func TestReversalAfterTPFullClose(t *testing.T) {
	pos := seedPosition()
	pos.Status = domain.PositionStatusPartiallyClosed
	pos.QuantityRemaining = 7
	pos.TPLadder[0].Hit = true

	h := newHarness(t, pos)
	h.mon.pos = pos
	h.venue.fillPrice = 145

	s := quietSnap(145) // +45%
	s.Momentum3d = -0.02
	require.NoError(t, h.snaps.Set(context.Background(), s))

	h.mon.tick(context.Background())

	got := h.store.get("pos-1")
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	assert.Equal(t, "momentum_reversal", got.ClosedReason)
	assert.Zero(t, got.QuantityRemaining)
	require.Len(t, h.venue.sells, 1)
	assert.InDelta(t, 7.0, h.venue.sells[0], 1e-9)
	assert.Contains(t, h.sink.types(), domain.EventClosed)
	require.NotNil(t, got.ClosedAt)
}

func TestExecutionFailureRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, seedPosition())
	h.venue.fillPrice = 115.60
	h.venue.sellErrs = []error{domain.ErrExecutionTimeout, domain.ErrExecutionFailed, nil}
	require.NoError(t, h.snaps.Set(context.Background(), quietSnap(115.60)))

	h.mon.tick(context.Background())

	assert.Equal(t, 3, h.venue.sellCalls)
	pos := h.store.get("pos-1")
	assert.Equal(t, domain.PositionStatusPartiallyClosed, pos.Status)
	assert.InDelta(t, 7.0, pos.QuantityRemaining, 1e-9)
	// Exactly one fill applied despite the retries.
	require.Len(t, h.trades.trades, 1)
}

func TestExecutionExhaustionFreezesWithoutMutation(t *testing.T) {
	h := newHarness(t, seedPosition())
	h.venue.sellErrs = []error{domain.ErrExecutionTimeout, domain.ErrExecutionTimeout, domain.ErrExecutionTimeout}
	require.NoError(t, h.snaps.Set(context.Background(), quietSnap(115.60)))

	h.mon.tick(context.Background())

	assert.Equal(t, 3, h.venue.sellCalls)
	pos := h.store.get("pos-1")
	assert.Equal(t, domain.PositionStatusFrozen, pos.Status)
	assert.NotEmpty(t, pos.FrozenReason)
	// No quantity was deducted and nothing was realized.
	assert.Equal(t, 10.0, pos.QuantityRemaining)
	assert.Zero(t, pos.RealizedPnL)
	assert.Empty(t, h.trades.trades)
	assert.Contains(t, h.sink.types(), domain.EventFrozen)
}

func TestTerminalPositionsIgnoreTicks(t *testing.T) {
	for _, status := range []domain.PositionStatus{domain.PositionStatusClosed, domain.PositionStatusFrozen} {
		t.Run(string(status), func(t *testing.T) {
			pos := seedPosition()
			pos.Status = status
			h := newHarness(t, pos)
			h.mon.pos = pos
			require.NoError(t, h.snaps.Set(context.Background(), quietSnap(200)))

			h.mon.tick(context.Background())
			h.mon.manualExit(context.Background())

			assert.Zero(t, h.venue.sellCalls)
			assert.Equal(t, status, h.store.get("pos-1").Status)
		})
	}
}

func TestHardStopLossFullExit(t *testing.T) {
	h := newHarness(t, seedPosition())
	h.venue.fillPrice = 93.5
	require.NoError(t, h.snaps.Set(context.Background(), quietSnap(93.5)))

	h.mon.tick(context.Background())

	pos := h.store.get("pos-1")
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Equal(t, "stop_loss", pos.ClosedReason)
	assert.InDelta(t, 10*(93.5-100), pos.RealizedPnL, 1e-9)
}

func TestTrailingActivationPersistsAndEmits(t *testing.T) {
	h := newHarness(t, seedPosition())
	require.NoError(t, h.snaps.Set(context.Background(), quietSnap(106)))

	h.mon.tick(context.Background())

	pos := h.store.get("pos-1")
	assert.True(t, pos.TrailingActive)
	assert.InDelta(t, 103.0, pos.StopPrice, 1e-9) // 106 - 1.5*2
	assert.Equal(t, []domain.EventType{domain.EventTrailingUpdate}, h.sink.types())
	assert.Zero(t, h.venue.sellCalls)
}

func TestTrailingStopTriggerClosesPosition(t *testing.T) {
	pos := seedPosition()
	pos.TrailingActive = true
	pos.StopPrice = 107

	h := newHarness(t, pos)
	h.mon.pos = pos
	h.venue.fillPrice = 106.5
	require.NoError(t, h.snaps.Set(context.Background(), quietSnap(106.5)))

	h.mon.tick(context.Background())

	got := h.store.get("pos-1")
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	assert.Equal(t, "trailing_stop_hit", got.ClosedReason)
	assert.Zero(t, got.UnrealizedPnL) // nothing left to mark
}

func TestTrailingStopNeverRegressesAcrossTicks(t *testing.T) {
	h := newHarness(t, seedPosition())

	require.NoError(t, h.snaps.Set(context.Background(), quietSnap(110)))
	h.mon.tick(context.Background())
	first := h.store.get("pos-1").StopPrice
	assert.InDelta(t, 107.0, first, 1e-9)

	require.NoError(t, h.snaps.Set(context.Background(), quietSnap(108)))
	h.mon.tick(context.Background())
	assert.Equal(t, first, h.store.get("pos-1").StopPrice)
}

func TestTickRefreshesUnrealizedPnL(t *testing.T) {
	h := newHarness(t, seedPosition())
	require.NoError(t, h.snaps.Set(context.Background(), quietSnap(106)))

	h.mon.tick(context.Background())

	// The trailing activation persists the refreshed mark-to-market value.
	pos := h.store.get("pos-1")
	assert.InDelta(t, 60.0, pos.UnrealizedPnL, 1e-9) // (106 - 100) * 10
}

func TestShortFillOnFullExitLeavesPositionOpen(t *testing.T) {
	h := newHarness(t, seedPosition())
	h.venue.fillPrice = 120
	h.venue.fillQty = 6 // venue confirms only part of the full-exit order

	h.mon.manualExit(context.Background())

	pos := h.store.get("pos-1")
	assert.Equal(t, domain.PositionStatusPartiallyClosed, pos.Status)
	assert.InDelta(t, 4.0, pos.QuantityRemaining, 1e-9)
	assert.InDelta(t, 6.0, pos.RuleExitQuantity, 1e-9)
	assert.InDelta(t, 120.0, pos.RealizedPnL, 1e-9)  // (120 - 100) * 6
	assert.InDelta(t, 80.0, pos.UnrealizedPnL, 1e-9) // (120 - 100) * 4
	assert.Empty(t, pos.ClosedReason)
	assert.Nil(t, pos.ClosedAt)
	assert.Equal(t, []domain.EventType{domain.EventPartialExit}, h.sink.types())
}

func TestManualStopBeatsEvaluation(t *testing.T) {
	h := newHarness(t, seedPosition())
	h.venue.fillPrice = 98 // at a loss; no rule would fire

	h.mon.manualExit(context.Background())

	pos := h.store.get("pos-1")
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Equal(t, "manual_stop", pos.ClosedReason)
	require.Len(t, h.venue.sells, 1)
	assert.Equal(t, 10.0, h.venue.sells[0])
}
