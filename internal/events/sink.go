// Package events fans confirmed position events out to the bus and to
// operator notifications.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cryptonita/exitbot/internal/domain"
	"github.com/cryptonita/exitbot/internal/notify"
)

// Notifier is the slice of the notify package the sink needs.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Sink publishes every event to the "positions" Pub/Sub channel and appends
// it to the durable "position_events" stream; events that warrant operator
// attention also go to the notifier. Delivery is best effort: the monitors
// have already committed the state change and must not be blocked or rolled
// back by a lost event.
type Sink struct {
	bus      domain.SignalBus
	notifier Notifier
	channel  string
	stream   string
	logger   *slog.Logger
}

// New creates a Sink. The notifier may be nil.
func New(bus domain.SignalBus, notifier Notifier, logger *slog.Logger) *Sink {
	return &Sink{
		bus:      bus,
		notifier: notifier,
		channel:  "positions",
		stream:   "position_events",
		logger:   logger.With(slog.String("component", "events")),
	}
}

// Emit delivers one event. Failures are logged, never returned.
func (s *Sink) Emit(ctx context.Context, evt domain.PositionEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal event failed",
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := s.bus.Publish(ctx, s.channel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, s.stream, payload); err != nil {
		s.logger.WarnContext(ctx, "stream append failed",
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}

	if s.notifier == nil {
		return
	}
	title, message := notify.FormatEvent(evt)
	if err := s.notifier.Notify(ctx, string(evt.Type), title, message); err != nil {
		s.logger.WarnContext(ctx, "notify failed",
			slog.String("type", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}
