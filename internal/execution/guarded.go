package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/your-org/regime-allocator/internal/portfolio"
)

// GuardConfig configures a GuardedExecutor.
type GuardConfig struct {
	Timeout         time.Duration
	MaxRetries      int
	Backoff         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// GuardedExecutor wraps an Executor with a per-call deadline, retries with
// exponential backoff on timeouts and a circuit breaker. Non-timeout errors
// are returned without retry.
type GuardedExecutor struct {
	next   Executor
	cfg    GuardConfig
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewGuardedExecutor wraps next.
func NewGuardedExecutor(name string, next Executor, cfg GuardConfig, logger *zap.Logger) *GuardedExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("executor")

	st := gobreaker.Settings{Name: name, Timeout: cfg.BreakerCooldown}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= cfg.BreakerFailures
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("circuit breaker state change",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
	return &GuardedExecutor{next: next, cfg: cfg, cb: gobreaker.NewCircuitBreaker(st), logger: logger}
}

// PlaceOrder forwards to the wrapped executor.
func (g *GuardedExecutor) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	res, err := g.do(ctx, req.StrategyID, "place_order", func(cctx context.Context) (interface{}, error) {
		return g.next.PlaceOrder(cctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*OrderResponse), nil
}

// CancelOrder forwards to the wrapped executor.
func (g *GuardedExecutor) CancelOrder(ctx context.Context, orderID string) error {
	_, err := g.do(ctx, "", "cancel_order", func(cctx context.Context) (interface{}, error) {
		return nil, g.next.CancelOrder(cctx, orderID)
	})
	return err
}

// GetBalance forwards to the wrapped executor.
func (g *GuardedExecutor) GetBalance(ctx context.Context) (Balance, error) {
	res, err := g.do(ctx, "", "get_balance", func(cctx context.Context) (interface{}, error) {
		return g.next.GetBalance(cctx)
	})
	if err != nil {
		return Balance{}, err
	}
	return res.(Balance), nil
}

// State returns the breaker state.
func (g *GuardedExecutor) State() gobreaker.State {
	return g.cb.State()
}

func (g *GuardedExecutor) do(ctx context.Context, strategyID, op string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := g.cfg.Backoff << (attempt - 1)
			g.logger.Debug("retrying after timeout",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, portfolio.NewExecutionError(strategyID, op, ctx.Err())
			}
		}

		res, err := g.cb.Execute(func() (interface{}, error) {
			return g.callWithTimeout(ctx, fn)
		})
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, portfolio.ErrTimeout) {
			break
		}
	}
	if errors.Is(lastErr, portfolio.ErrTimeout) {
		lastErr = fmt.Errorf("%w after %d retries", lastErr, g.cfg.MaxRetries)
	}
	return nil, portfolio.NewExecutionError(strategyID, op, lastErr)
}

type callResult struct {
	val interface{}
	err error
}

func (g *GuardedExecutor) callWithTimeout(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		v, err := fn(cctx)
		done <- callResult{v, err}
	}()

	select {
	case r := <-done:
		if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, portfolio.ErrTimeout
		}
		return r.val, r.err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, portfolio.ErrTimeout
	}
}
