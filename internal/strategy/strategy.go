// Package strategy wraps external trading strategies with a lifecycle
// controller and coordinates bulk operations across them.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/your-org/regime-allocator/internal/marketdata"
	"github.com/your-org/regime-allocator/internal/portfolio"
)

// DefaultCallTimeout bounds every call into a strategy.
const DefaultCallTimeout = 5 * time.Second

// TradeResult is what a strategy reports for one bar.
type TradeResult struct {
	RealizedPnL   float64
	UnrealizedPnL float64
	ClosedTrades  int
	Wins          int
}

// RiskMetrics is the strategy's own view of its trailing risk. Zero or NaN
// means unknown.
type RiskMetrics struct {
	Drawdown   float64
	Volatility float64
}

// Strategy is the capability set a trading strategy must provide.
//
// Implementations must be safe for concurrent use. Calls run on their own
// goroutine and are abandoned, not stopped, when they exceed the call
// timeout, so a late ProcessBar or ClosePositions can overlap the next call
// into the same strategy. Parallel fan-out also calls different strategies
// at once.
type Strategy interface {
	ID() string
	ProcessBar(ctx context.Context, ev marketdata.Event) (*TradeResult, error)
	ClosePositions(ctx context.Context) error
	RiskMetrics() RiskMetrics
}

// WeightSetter is implemented by strategies that size orders by the allocated weight.
type WeightSetter interface {
	SetWeight(w float64)
}

// Checkpointer is implemented by strategies that carry internal state across restarts.
type Checkpointer interface {
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// callWithTimeout runs fn with a deadline. The deadline is enforced even if
// fn ignores its context, and a panic inside fn is returned as an error.
func callWithTimeout(ctx context.Context, timeout time.Duration, id, op string, fn func(context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(cctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return portfolio.NewExecutionError(id, op, err)
		}
		return nil
	case <-cctx.Done():
		if ctx.Err() != nil {
			return portfolio.NewExecutionError(id, op, ctx.Err())
		}
		return portfolio.NewExecutionError(id, op, portfolio.ErrTimeout)
	}
}
