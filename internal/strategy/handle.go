package strategy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/your-org/regime-allocator/internal/audit"
	"github.com/your-org/regime-allocator/internal/marketdata"
	"github.com/your-org/regime-allocator/internal/portfolio"
)

const defaultCurveLimit = 1024

// HandleConfig configures a Handle.
type HandleConfig struct {
	CallTimeout       time.Duration
	MaxDisableRetries int
	// BaseEquity is the starting point of the strategy's equity curve.
	BaseEquity float64
	// CurveLimit caps the retained equity curve length.
	CurveLimit int
}

// Handle is the lifecycle controller for one strategy. All state mutation
// goes through its methods; State returns copies.
type Handle struct {
	strat Strategy
	cfg   HandleConfig
	sink  audit.Sink

	mu    sync.Mutex
	state portfolio.StrategyState
}

// NewHandle wraps s. The handle starts DISABLED.
func NewHandle(s Strategy, cfg HandleConfig, sink audit.Sink) *Handle {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MaxDisableRetries <= 0 {
		cfg.MaxDisableRetries = 3
	}
	if cfg.CurveLimit <= 0 {
		cfg.CurveLimit = defaultCurveLimit
	}
	return &Handle{
		strat: s,
		cfg:   cfg,
		sink:  sink,
		state: portfolio.StrategyState{ID: s.ID(), Lifecycle: portfolio.LifecycleDisabled},
	}
}

// ID returns the strategy id.
func (h *Handle) ID() string { return h.state.ID }

// Strategy returns the wrapped collaborator.
func (h *Handle) Strategy() Strategy { return h.strat }

// State returns a deep copy of the current state.
func (h *Handle) State() portfolio.StrategyState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Clone()
}

// Lifecycle returns the current lifecycle state.
func (h *Handle) Lifecycle() portfolio.Lifecycle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Lifecycle
}

// PnL returns cumulative realized plus current unrealized PnL.
func (h *Handle) PnL() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.CumulativePnL + h.state.UnrealizedPnL
}

// Enable moves DISABLED or PENDING_DISABLE to ACTIVE. Enabling a pending
// handle cancels the pending disable. The last synced weight is restored.
// Faulted handles stay disabled until ClearFault. Returns whether the
// lifecycle changed.
func (h *Handle) Enable() bool {
	h.mu.Lock()
	from := h.state.Lifecycle
	if from == portfolio.LifecycleActive || h.state.Faulted {
		h.mu.Unlock()
		return false
	}
	h.state.Lifecycle = portfolio.LifecycleActive
	h.state.DisableFailures = 0
	w := h.state.Weight
	h.mu.Unlock()

	h.forwardWeight(w)
	h.sink.Emit(audit.Event{
		Kind:       audit.KindEnable,
		StrategyID: h.ID(),
		From:       from,
		To:         portfolio.LifecycleActive,
		Weight:     w,
	})
	return true
}

// Disable moves ACTIVE to PENDING_DISABLE and immediately tries to close
// positions. Returns true once the handle is DISABLED.
func (h *Handle) Disable(ctx context.Context) bool {
	h.mu.Lock()
	switch h.state.Lifecycle {
	case portfolio.LifecycleDisabled:
		h.mu.Unlock()
		return true
	case portfolio.LifecyclePendingDisable:
		h.mu.Unlock()
		return false
	}
	h.state.Lifecycle = portfolio.LifecyclePendingDisable
	h.mu.Unlock()

	h.sink.Emit(audit.Event{
		Kind:       audit.KindDisable,
		StrategyID: h.ID(),
		From:       portfolio.LifecycleActive,
		To:         portfolio.LifecyclePendingDisable,
	})
	return h.tryClose(ctx)
}

// ClosePositions asks the strategy to flatten. On a pending handle a
// successful close completes the disable.
func (h *Handle) ClosePositions(ctx context.Context) bool {
	switch h.Lifecycle() {
	case portfolio.LifecycleDisabled:
		return true
	case portfolio.LifecyclePendingDisable:
		return h.tryClose(ctx)
	default:
		return callWithTimeout(ctx, h.cfg.CallTimeout, h.ID(), "close_positions", h.strat.ClosePositions) == nil
	}
}

// RetryClose retries a pending disable. It is a no-op for other states.
func (h *Handle) RetryClose(ctx context.Context) bool {
	if h.Lifecycle() != portfolio.LifecyclePendingDisable {
		return h.Lifecycle() == portfolio.LifecycleDisabled
	}
	return h.tryClose(ctx)
}

func (h *Handle) tryClose(ctx context.Context) bool {
	err := callWithTimeout(ctx, h.cfg.CallTimeout, h.ID(), "close_positions", h.strat.ClosePositions)

	h.mu.Lock()
	if h.state.Lifecycle != portfolio.LifecyclePendingDisable {
		h.mu.Unlock()
		return h.state.Lifecycle == portfolio.LifecycleDisabled
	}
	if err == nil {
		h.state.Lifecycle = portfolio.LifecycleDisabled
		h.state.DisableFailures = 0
		// Flattened at the last mark.
		h.state.CumulativePnL += h.state.UnrealizedPnL
		h.state.UnrealizedPnL = 0
		h.mu.Unlock()
		h.sink.Emit(audit.Event{
			Kind:       audit.KindDisable,
			StrategyID: h.ID(),
			From:       portfolio.LifecyclePendingDisable,
			To:         portfolio.LifecycleDisabled,
		})
		return true
	}
	h.state.DisableFailures++
	failures := h.state.DisableFailures
	h.mu.Unlock()

	if failures%h.cfg.MaxDisableRetries == 0 {
		h.sink.Emit(audit.Event{
			Kind:       audit.KindCritical,
			StrategyID: h.ID(),
			Message:    fmt.Sprintf("close_positions failed %d consecutive times: %v", failures, err),
		})
	}
	return false
}

// Sync sets the sizing multiplier for subsequent orders. Open positions are
// not resized. Returns false when w equals the current weight.
func (h *Handle) Sync(ts time.Time, w float64) bool {
	h.mu.Lock()
	if h.state.Weight == w && !h.state.LastSync.IsZero() {
		h.mu.Unlock()
		return false
	}
	h.state.Weight = w
	h.state.LastSync = ts
	h.mu.Unlock()

	h.forwardWeight(w)
	h.sink.Emit(audit.Event{Kind: audit.KindSync, StrategyID: h.ID(), Weight: w})
	return true
}

// ResetWeight drops the last synced weight so the next enable starts from zero.
func (h *Handle) ResetWeight() {
	h.mu.Lock()
	h.state.Weight = 0
	h.mu.Unlock()
	h.forwardWeight(0)
}

func (h *Handle) forwardWeight(w float64) {
	if ws, ok := h.strat.(WeightSetter); ok {
		ws.SetWeight(w)
	}
}

// Process runs the strategy on one event. It does not touch handle state and
// may run concurrently with other handles; the caller applies the result.
func (h *Handle) Process(ctx context.Context, ev marketdata.Event) (*TradeResult, error) {
	var res *TradeResult
	err := callWithTimeout(ctx, h.cfg.CallTimeout, h.ID(), "process_bar", func(cctx context.Context) error {
		r, err := h.strat.ProcessBar(cctx, ev)
		res = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Apply folds a processed result into the state and appends an equity point.
func (h *Handle) Apply(ts time.Time, res *TradeResult) {
	rm := h.riskMetrics()

	h.mu.Lock()
	defer h.mu.Unlock()
	if res != nil {
		h.state.CumulativePnL += res.RealizedPnL
		h.state.TradeCount += res.ClosedTrades
		h.state.Wins += res.Wins
		h.state.UnrealizedPnL = res.UnrealizedPnL
		if h.state.TradeCount > 0 {
			h.state.WinRate = float64(h.state.Wins) / float64(h.state.TradeCount)
		}
	}
	h.state.TrailingDrawdown = sanitize(rm.Drawdown)
	h.state.TrailingVolatility = sanitize(rm.Volatility)
	h.state.EquityCurve = append(h.state.EquityCurve, portfolio.EquityPoint{
		Timestamp: ts,
		Equity:    h.cfg.BaseEquity + h.state.CumulativePnL + h.state.UnrealizedPnL,
	})
	if n := len(h.state.EquityCurve); n > h.cfg.CurveLimit {
		h.state.EquityCurve = append([]portfolio.EquityPoint(nil), h.state.EquityCurve[n-h.cfg.CurveLimit:]...)
	}
}

func (h *Handle) riskMetrics() (rm RiskMetrics) {
	defer func() {
		if r := recover(); r != nil {
			rm = RiskMetrics{}
		}
	}()
	return h.strat.RiskMetrics()
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// ForceDisable marks the handle faulted after a processing error, raises a
// CRITICAL event and starts a disable.
func (h *Handle) ForceDisable(ctx context.Context, cause error) {
	h.mu.Lock()
	h.state.Faulted = true
	h.mu.Unlock()

	h.sink.Emit(audit.Event{
		Kind:       audit.KindCritical,
		StrategyID: h.ID(),
		Message:    fmt.Sprintf("strategy force-disabled: %v", cause),
	})
	h.Disable(ctx)
}

// ForceMarkDisabled sets DISABLED without confirmation from the strategy.
// Used when shutdown runs out of time.
func (h *Handle) ForceMarkDisabled(reason string) {
	h.mu.Lock()
	from := h.state.Lifecycle
	if from == portfolio.LifecycleDisabled {
		h.mu.Unlock()
		return
	}
	h.state.Lifecycle = portfolio.LifecycleDisabled
	h.mu.Unlock()

	h.sink.Emit(audit.Event{
		Kind:       audit.KindCritical,
		StrategyID: h.ID(),
		Message:    fmt.Sprintf("force-marked DISABLED without confirmed close: %s", reason),
	})
	h.sink.Emit(audit.Event{
		Kind:       audit.KindDisable,
		StrategyID: h.ID(),
		From:       from,
		To:         portfolio.LifecycleDisabled,
		Message:    reason,
	})
}

// ClearFault allows a force-disabled handle to be enabled again.
func (h *Handle) ClearFault() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.Faulted {
		return false
	}
	h.state.Faulted = false
	return true
}

// Restore replaces the state from a checkpoint and pushes the weight and
// any saved blob back into the strategy.
func (h *Handle) Restore(s portfolio.StrategyState, blob []byte) error {
	if s.ID != h.ID() {
		return fmt.Errorf("checkpoint state for %q applied to handle %q", s.ID, h.ID())
	}
	if cp, ok := h.strat.(Checkpointer); ok && len(blob) > 0 {
		if err := cp.Restore(blob); err != nil {
			return portfolio.NewExecutionError(h.ID(), "restore", err)
		}
	}
	h.mu.Lock()
	h.state = s.Clone()
	h.mu.Unlock()
	h.forwardWeight(s.Weight)
	return nil
}

// SnapshotBlob returns the strategy's own checkpoint data, if it has any.
func (h *Handle) SnapshotBlob() ([]byte, error) {
	cp, ok := h.strat.(Checkpointer)
	if !ok {
		return nil, nil
	}
	return cp.Snapshot()
}
