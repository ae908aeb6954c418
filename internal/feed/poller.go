package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cryptonita/exitbot/internal/domain"
)

// Poller fetches feature snapshots over HTTP on a fixed interval. It backs up
// the stream: when the WebSocket is healthy the poller's writes are simply
// fresher duplicates, and when it is down the cache still advances.
type Poller struct {
	baseURL  string
	tickers  []string
	interval time.Duration
	cache    domain.SnapshotCache
	client   *http.Client
	logger   *slog.Logger
}

// NewPoller creates a poller hitting {baseURL}/features?ticker=X.
func NewPoller(baseURL string, tickers []string, interval time.Duration, cache domain.SnapshotCache, logger *slog.Logger) *Poller {
	return &Poller{
		baseURL:  baseURL,
		tickers:  tickers,
		interval: interval,
		cache:    cache,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With(slog.String("component", "feed_poller")),
	}
}

// Run polls until the context is cancelled. The first sweep happens
// immediately so a fresh start never waits a full interval for prices.
func (p *Poller) Run(ctx context.Context) error {
	if len(p.tickers) == 0 {
		p.logger.Info("no tickers to poll, exiting")
		return nil
	}
	p.sweep(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	for _, t := range p.tickers {
		if ctx.Err() != nil {
			return
		}
		snap, err := p.fetch(ctx, t)
		if err != nil {
			p.logger.Warn("poll snapshot failed",
				slog.String("ticker", t),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := p.cache.Set(ctx, snap); err != nil {
			p.logger.Warn("cache snapshot failed",
				slog.String("ticker", t),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (p *Poller) fetch(ctx context.Context, ticker string) (domain.FeatureSnapshot, error) {
	u := fmt.Sprintf("%s/features?ticker=%s", p.baseURL, url.QueryEscape(ticker))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.FeatureSnapshot{}, fmt.Errorf("feed: build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return domain.FeatureSnapshot{}, fmt.Errorf("feed: fetch %s: %w", ticker, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.FeatureSnapshot{}, fmt.Errorf("feed: fetch %s: status %d: %s", ticker, resp.StatusCode, string(body))
	}

	var snap domain.FeatureSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return domain.FeatureSnapshot{}, fmt.Errorf("feed: decode %s: %w", ticker, err)
	}
	if snap.Ticker == "" {
		snap.Ticker = ticker
	}
	if !snap.Valid() {
		return domain.FeatureSnapshot{}, fmt.Errorf("feed: %w: invalid snapshot for %s", domain.ErrMissingFeature, ticker)
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	return snap, nil
}
