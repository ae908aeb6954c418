package domain

import (
	"context"
	"time"
)

// SnapshotCache holds the latest feature snapshot per ticker, written by the
// market data feed and read by position monitors.
type SnapshotCache interface {
	Set(ctx context.Context, snap FeatureSnapshot) error
	Get(ctx context.Context, ticker string) (FeatureSnapshot, error)
	GetAll(ctx context.Context, tickers []string) (map[string]FeatureSnapshot, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams. Entry signals arrive via
// Subscribe; position events go out via Publish and StreamAppend.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter provides distributed rate limiting for venue API calls.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
