// Package binance executes market orders on Binance spot through the
// official REST API. It is the live implementation of domain.OrderExecutor.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	api "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	"github.com/cryptonita/exitbot/internal/domain"
)

// Config holds venue credentials and limits.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // empty for production
	// QuantityDecimals truncates order quantities before submission. Binance
	// rejects quantities finer than the symbol's step size.
	QuantityDecimals int
	// Orders per RateWindow allowed through the shared limiter.
	RateLimit  int
	RateWindow time.Duration
}

// Client submits market orders and normalizes venue errors into the domain
// taxonomy.
type Client struct {
	api      *api.Client
	cfg      Config
	limiter  domain.RateLimiter
	logger   *slog.Logger
	rateKey  string
	decimals int
}

var _ domain.OrderExecutor = (*Client)(nil)

// New creates a venue client. The limiter is optional; without one every
// order goes straight to the API.
func New(cfg Config, limiter domain.RateLimiter, logger *slog.Logger) *Client {
	c := api.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	decimals := cfg.QuantityDecimals
	if decimals <= 0 {
		decimals = 6
	}
	return &Client{
		api:      c,
		cfg:      cfg,
		limiter:  limiter,
		logger:   logger.With(slog.String("component", "venue")),
		rateKey:  "venue:orders",
		decimals: decimals,
	}
}

// Ping verifies connectivity and credentials-independent reachability.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.api.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("venue: ping: %w", err)
	}
	return nil
}

// SubmitBuy places a market buy and returns the confirmed fill.
func (c *Client) SubmitBuy(ctx context.Context, ticker string, quantity float64) (domain.Fill, error) {
	return c.submit(ctx, ticker, api.SideTypeBuy, quantity)
}

// SubmitSell places a market sell and returns the confirmed fill.
func (c *Client) SubmitSell(ctx context.Context, ticker string, quantity float64) (domain.Fill, error) {
	return c.submit(ctx, ticker, api.SideTypeSell, quantity)
}

func (c *Client) submit(ctx context.Context, ticker string, side api.SideType, quantity float64) (domain.Fill, error) {
	if quantity <= 0 {
		return domain.Fill{}, fmt.Errorf("venue: %w: non-positive quantity %f", domain.ErrExecutionFailed, quantity)
	}
	if c.limiter != nil {
		allowed, err := c.limiter.Allow(ctx, c.rateKey, c.cfg.RateLimit, c.cfg.RateWindow)
		if err != nil {
			c.logger.WarnContext(ctx, "rate limiter unavailable, letting order through",
				slog.String("error", err.Error()),
			)
		} else if !allowed {
			return domain.Fill{}, fmt.Errorf("venue: %w: order rate limit exceeded", domain.ErrExecutionFailed)
		}
	}

	qty := strconv.FormatFloat(quantity, 'f', c.decimals, 64)
	res, err := c.api.NewCreateOrderService().
		Symbol(ticker).
		Side(side).
		Type(api.OrderTypeMarket).
		Quantity(qty).
		NewOrderRespType(api.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return domain.Fill{}, c.mapError(ticker, side, err)
	}

	fill, err := fillFromResponse(res)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("venue: %w: %v", domain.ErrExecutionFailed, err)
	}
	c.logger.InfoContext(ctx, "order filled",
		slog.String("ticker", ticker),
		slog.String("side", string(side)),
		slog.Float64("price", fill.Price),
		slog.Float64("quantity", fill.Quantity),
	)
	return fill, nil
}

// mapError folds venue failures into the domain error taxonomy so callers can
// distinguish retryable timeouts from hard rejections.
func (c *Client) mapError(ticker string, side api.SideType, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("venue: %s %s: %w: %v", side, ticker, domain.ErrExecutionTimeout, err)
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("venue: %s %s: %w: code=%d %s", side, ticker, domain.ErrExecutionFailed, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("venue: %s %s: %w: %v", side, ticker, domain.ErrExecutionFailed, err)
}

// fillFromResponse computes the volume-weighted average fill price. Market
// orders can fill across several book levels.
func fillFromResponse(res *api.CreateOrderResponse) (domain.Fill, error) {
	executed, err := strconv.ParseFloat(res.ExecutedQuantity, 64)
	if err != nil || executed <= 0 {
		return domain.Fill{}, fmt.Errorf("order %d executed quantity %q unusable", res.OrderID, res.ExecutedQuantity)
	}

	var notional float64
	for _, f := range res.Fills {
		p, perr := strconv.ParseFloat(f.Price, 64)
		q, qerr := strconv.ParseFloat(f.Quantity, 64)
		if perr != nil || qerr != nil {
			return domain.Fill{}, fmt.Errorf("order %d has malformed fill leg", res.OrderID)
		}
		notional += p * q
	}
	if notional <= 0 {
		// Some responses omit fills; fall back to the cumulative quote.
		quote, qerr := strconv.ParseFloat(res.CummulativeQuoteQuantity, 64)
		if qerr != nil || quote <= 0 {
			return domain.Fill{}, fmt.Errorf("order %d has no usable fill price", res.OrderID)
		}
		notional = quote
	}

	return domain.Fill{
		OrderID:  strconv.FormatInt(res.OrderID, 10),
		Price:    notional / executed,
		Quantity: executed,
		At:       time.UnixMilli(res.TransactTime).UTC(),
	}, nil
}
