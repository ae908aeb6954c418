package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptonita/exitbot/internal/domain"
)

type recordingBus struct {
	published  [][]byte
	appended   [][]byte
	publishErr error
}

func (b *recordingBus) Publish(_ context.Context, _ string, payload []byte) error {
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}

func (b *recordingBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.appended = append(b.appended, payload)
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type recordingNotifier struct {
	events []string
	titles []string
}

func (n *recordingNotifier) Notify(_ context.Context, event, title, _ string) error {
	n.events = append(n.events, event)
	n.titles = append(n.titles, title)
	return nil
}

func testEvent(typ domain.EventType) domain.PositionEvent {
	return domain.PositionEvent{
		PositionID: "pos-1",
		Ticker:     "BTCUSDT",
		Type:       typ,
		Detail:     map[string]any{"reason": "take_profit", "fill_price": 115.6},
		At:         time.Now().UTC(),
	}
}

func TestEmitPublishesAndAppends(t *testing.T) {
	bus := &recordingBus{}
	notifier := &recordingNotifier{}
	sink := New(bus, notifier, slog.New(slog.NewTextHandler(io.Discard, nil)))

	sink.Emit(context.Background(), testEvent(domain.EventClosed))

	require.Len(t, bus.published, 1)
	require.Len(t, bus.appended, 1)

	var evt domain.PositionEvent
	require.NoError(t, json.Unmarshal(bus.published[0], &evt))
	assert.Equal(t, domain.EventClosed, evt.Type)
	assert.Equal(t, "pos-1", evt.PositionID)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, "closed", notifier.events[0])
	assert.Contains(t, notifier.titles[0], "BTCUSDT")
}

func TestEmitSurvivesBusFailure(t *testing.T) {
	bus := &recordingBus{publishErr: errors.New("redis down")}
	notifier := &recordingNotifier{}
	sink := New(bus, notifier, slog.New(slog.NewTextHandler(io.Discard, nil)))

	sink.Emit(context.Background(), testEvent(domain.EventFrozen))

	// Publish failed but the stream append and the notification still ran.
	assert.Empty(t, bus.published)
	require.Len(t, bus.appended, 1)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, "frozen", notifier.events[0])
}

func TestEmitWithoutNotifier(t *testing.T) {
	bus := &recordingBus{}
	sink := New(bus, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	sink.Emit(context.Background(), testEvent(domain.EventTPHit))

	require.Len(t, bus.published, 1)
}
