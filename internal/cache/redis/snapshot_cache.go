package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cryptonita/exitbot/internal/domain"
)

// SnapshotCache implements domain.SnapshotCache. Each ticker's latest
// snapshot is stored as JSON at "snapshot:{ticker}" with a TTL so that a dead
// feed surfaces as a missing key rather than an ancient price.
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client. The
// TTL should be at least the feed's slowest refresh interval.
func NewSnapshotCache(c *Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying(), ttl: ttl}
}

func snapshotKey(ticker string) string {
	return "snapshot:" + ticker
}

// Set stores the snapshot, replacing any previous one for the ticker.
func (sc *SnapshotCache) Set(ctx context.Context, snap domain.FeatureSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %s: %w", snap.Ticker, err)
	}
	if err := sc.rdb.Set(ctx, snapshotKey(snap.Ticker), payload, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.Ticker, err)
	}
	return nil
}

// Get retrieves the latest snapshot for a ticker. It returns
// domain.ErrNotFound when the key does not exist or has expired.
func (sc *SnapshotCache) Get(ctx context.Context, ticker string) (domain.FeatureSnapshot, error) {
	payload, err := sc.rdb.Get(ctx, snapshotKey(ticker)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.FeatureSnapshot{}, domain.ErrNotFound
		}
		return domain.FeatureSnapshot{}, fmt.Errorf("redis: get snapshot %s: %w", ticker, err)
	}
	var snap domain.FeatureSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return domain.FeatureSnapshot{}, fmt.Errorf("redis: decode snapshot %s: %w", ticker, err)
	}
	return snap, nil
}

// GetAll retrieves snapshots for multiple tickers using a pipeline. Tickers
// with no cached snapshot are silently omitted from the result map.
func (sc *SnapshotCache) GetAll(ctx context.Context, tickers []string) (map[string]domain.FeatureSnapshot, error) {
	if len(tickers) == 0 {
		return map[string]domain.FeatureSnapshot{}, nil
	}

	pipe := sc.rdb.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(tickers))
	for _, t := range tickers {
		cmds[t] = pipe.Get(ctx, snapshotKey(t))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get snapshots pipeline: %w", err)
	}

	result := make(map[string]domain.FeatureSnapshot, len(tickers))
	for t, cmd := range cmds {
		payload, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var snap domain.FeatureSnapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			continue
		}
		result[t] = snap
	}
	return result, nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
