package domain

import "context"

// OrderExecutor submits market orders to the trading venue and blocks until
// the venue confirms the fill. Implementations must map venue rejections to
// ErrExecutionFailed and deadline expiry to ErrExecutionTimeout so callers
// can distinguish retryable failures.
type OrderExecutor interface {
	SubmitBuy(ctx context.Context, ticker string, quantity float64) (Fill, error)
	SubmitSell(ctx context.Context, ticker string, quantity float64) (Fill, error)
}
