// Package feed keeps the snapshot cache fresh. The Stream consumes the
// feature service's WebSocket; the Poller covers the same tickers over HTTP
// when the stream is down or quiet.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cryptonita/exitbot/internal/domain"
)

const (
	reconnectDelay = 2 * time.Second
	pingInterval   = 30 * time.Second
	readTimeout    = 90 * time.Second
	writeTimeout   = 10 * time.Second
)

// Stream subscribes to feature snapshot frames over WebSocket and writes each
// one into the snapshot cache. It reconnects on disconnect until the context
// is cancelled.
type Stream struct {
	wsURL     string
	tickers   []string
	cache     domain.SnapshotCache
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// subscribeFrame is the feature service's subscription request.
type subscribeFrame struct {
	Op      string   `json:"op"`
	Tickers []string `json:"tickers"`
}

// NewStream creates a stream for the given tickers.
func NewStream(wsURL string, tickers []string, cache domain.SnapshotCache, logger *slog.Logger) *Stream {
	return &Stream{
		wsURL:   wsURL,
		tickers: tickers,
		cache:   cache,
		logger:  logger.With(slog.String("component", "feed_stream")),
		done:    make(chan struct{}),
	}
}

// Run connects and consumes frames until ctx is cancelled. Disconnects
// trigger a reconnect after a short delay.
func (s *Stream) Run(ctx context.Context) error {
	if len(s.tickers) == 0 {
		s.logger.Info("no tickers to subscribe, exiting")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}
		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn("feature stream disconnected, reconnecting",
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *Stream) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", s.wsURL, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(subscribeFrame{Op: "subscribe", Tickers: s.tickers}); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	s.logger.Info("feature stream subscribed", slog.Int("tickers", len(s.tickers)))

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Reader owns the connection; the pinger and the context watcher only
	// write control frames or close it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		s.handleFrame(ctx, payload)
	}
}

// handleFrame decodes one snapshot frame and stores it. Malformed frames are
// logged and dropped; they never kill the connection.
func (s *Stream) handleFrame(ctx context.Context, payload []byte) {
	var snap domain.FeatureSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		s.logger.Warn("malformed snapshot frame", slog.String("error", err.Error()))
		return
	}
	if !snap.Valid() {
		s.logger.Warn("invalid snapshot frame",
			slog.String("ticker", snap.Ticker),
			slog.Float64("price", snap.Price),
		)
		return
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	if err := s.cache.Set(ctx, snap); err != nil {
		s.logger.Warn("cache snapshot failed",
			slog.String("ticker", snap.Ticker),
			slog.String("error", err.Error()),
		)
	}
}

// Close stops the stream.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
