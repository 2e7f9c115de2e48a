package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/your-org/regime-allocator/internal/marketdata"
	"github.com/your-org/regime-allocator/internal/portfolio"
	"github.com/your-org/regime-allocator/internal/regime"
)

type command struct {
	ctx  context.Context
	fn   func(ctx context.Context, e *PortfolioEngine) error
	done chan error
}

// Runner owns a PortfolioEngine in live mode. A single goroutine consumes
// market events in arrival order; control and query calls are queued as
// commands and run on that same goroutine between events.
type Runner struct {
	engine  *PortfolioEngine
	logger  *zap.Logger
	cmds    chan command
	stopped chan struct{}
}

// NewRunner wraps e. Call Run to start consuming.
func NewRunner(e *PortfolioEngine, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		engine:  e,
		logger:  logger.Named("runner"),
		cmds:    make(chan command),
		stopped: make(chan struct{}),
	}
}

// Run processes events until the channel closes, ctx is cancelled or the
// engine stops. It does not shut the engine down.
func (r *Runner) Run(ctx context.Context, events <-chan marketdata.Event) error {
	defer close(r.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-r.cmds:
			cmd.done <- cmd.fn(cmd.ctx, r.engine)
			if r.engine.Status() == StatusStopped {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.engine.ProcessEvent(ctx, ev); err != nil {
				if errors.Is(err, portfolio.ErrNotRunning) {
					r.logger.Info("engine no longer running, stopping consumer")
					return nil
				}
				r.logger.Error("failed to process event", zap.Time("timestamp", ev.Timestamp), zap.Error(err))
			}
		}
	}
}

// Do runs fn on the consumer goroutine with the caller's ctx and waits for it.
func (r *Runner) Do(ctx context.Context, fn func(ctx context.Context, e *PortfolioEngine) error) error {
	cmd := command{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case r.cmds <- cmd:
	case <-r.stopped:
		return portfolio.ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State queries the engine between events.
func (r *Runner) State(ctx context.Context) (PortfolioState, error) {
	var st PortfolioState
	err := r.Do(ctx, func(_ context.Context, e *PortfolioEngine) error {
		st = e.State()
		return nil
	})
	return st, err
}

// ForceRebalance runs a gate-bypassing rebalance between events.
func (r *Runner) ForceRebalance(ctx context.Context) (portfolio.AllocationSnapshot, error) {
	var snap portfolio.AllocationSnapshot
	err := r.Do(ctx, func(cctx context.Context, e *PortfolioEngine) error {
		var err error
		snap, err = e.ForceRebalance(cctx)
		return err
	})
	return snap, err
}

// ForceRegime pins the regime between events.
func (r *Runner) ForceRegime(ctx context.Context, reg regime.Regime) error {
	return r.Do(ctx, func(cctx context.Context, e *PortfolioEngine) error {
		return e.ForceRegime(cctx, reg)
	})
}

// ClearFault clears a strategy fault between events.
func (r *Runner) ClearFault(ctx context.Context, id string) error {
	return r.Do(ctx, func(_ context.Context, e *PortfolioEngine) error {
		return e.ClearFault(id)
	})
}

// Shutdown stops the engine on the consumer goroutine. If the consumer has
// already exited the engine is shut down directly.
func (r *Runner) Shutdown(ctx context.Context) error {
	err := r.Do(ctx, func(cctx context.Context, e *PortfolioEngine) error {
		return e.Shutdown(cctx)
	})
	if errors.Is(err, portfolio.ErrNotRunning) {
		return r.engine.Shutdown(ctx)
	}
	return err
}

// Done is closed when Run returns.
func (r *Runner) Done() <-chan struct{} {
	return r.stopped
}
