package strategy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/regime-allocator/internal/audit"
	"github.com/your-org/regime-allocator/internal/marketdata"
	"github.com/your-org/regime-allocator/internal/portfolio"
)

type fakeStrategy struct {
	id string

	mu         sync.Mutex
	weight     float64
	closeErr   error
	closeCalls int
	pnl        float64
	panicOnBar bool
	blockBar   bool
	blockClose bool
	inFlight   int32
	maxFlight  int32
}

func (f *fakeStrategy) ID() string { return f.id }

func (f *fakeStrategy) ProcessBar(ctx context.Context, ev marketdata.Event) (*TradeResult, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		m := atomic.LoadInt32(&f.maxFlight)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxFlight, m, n) {
			break
		}
	}
	if f.panicOnBar {
		panic("boom")
	}
	if f.blockBar {
		<-make(chan struct{})
	}
	time.Sleep(5 * time.Millisecond)
	return &TradeResult{RealizedPnL: f.pnl, ClosedTrades: 1, Wins: boolToInt(f.pnl > 0)}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (f *fakeStrategy) ClosePositions(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.closeCalls++
	err := f.closeErr
	block := f.blockClose
	f.mu.Unlock()
	if block {
		<-make(chan struct{})
	}
	return err
}

func (f *fakeStrategy) RiskMetrics() RiskMetrics { return RiskMetrics{Drawdown: 0.1} }

func (f *fakeStrategy) SetWeight(w float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.weight = w
}

func (f *fakeStrategy) Weight() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.weight
}

func (f *fakeStrategy) setCloseErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeErr = err
}

func newTestHandle(f *fakeStrategy, mem *audit.MemorySink) *Handle {
	return NewHandle(f, HandleConfig{CallTimeout: 200 * time.Millisecond, MaxDisableRetries: 3, BaseEquity: 1000}, audit.NewRecorder(mem))
}

func TestHandle_EnableDisableLifecycle(t *testing.T) {
	mem := audit.NewMemorySink()
	f := &fakeStrategy{id: "a"}
	h := newTestHandle(f, mem)
	ctx := context.Background()

	assert.Equal(t, portfolio.LifecycleDisabled, h.Lifecycle())
	assert.True(t, h.Enable())
	assert.False(t, h.Enable(), "enable on ACTIVE is a no-op")
	assert.Len(t, mem.ByKind(audit.KindEnable), 1)

	assert.True(t, h.Disable(ctx))
	assert.Equal(t, portfolio.LifecycleDisabled, h.Lifecycle())

	disables := mem.ByKind(audit.KindDisable)
	require.Len(t, disables, 2)
	assert.Equal(t, portfolio.LifecyclePendingDisable, disables[0].To)
	assert.Equal(t, portfolio.LifecycleDisabled, disables[1].To)

	assert.True(t, h.Disable(ctx), "disable on DISABLED is a no-op")
	assert.Len(t, mem.ByKind(audit.KindDisable), 2)
}

func TestHandle_ReEnableRestoresLastSyncedWeight(t *testing.T) {
	mem := audit.NewMemorySink()
	f := &fakeStrategy{id: "a"}
	h := newTestHandle(f, mem)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	h.Enable()
	assert.True(t, h.Sync(ts, 0.3))
	assert.False(t, h.Sync(ts, 0.3), "unchanged weight is not re-synced")
	assert.Equal(t, ts, h.State().LastSync)
	h.Disable(context.Background())

	f.SetWeight(0)
	h.Enable()
	assert.Equal(t, 0.3, h.State().Weight)
	assert.Equal(t, 0.3, f.Weight())

	h.ResetWeight()
	assert.Equal(t, 0.0, h.State().Weight)
}

func TestHandle_PendingDisableAndCancel(t *testing.T) {
	mem := audit.NewMemorySink()
	f := &fakeStrategy{id: "a", closeErr: errors.New("exchange down")}
	h := newTestHandle(f, mem)
	ctx := context.Background()

	h.Enable()
	assert.False(t, h.Disable(ctx))
	assert.Equal(t, portfolio.LifecyclePendingDisable, h.Lifecycle())
	assert.Equal(t, 1, h.State().DisableFailures)

	assert.True(t, h.Enable(), "enable cancels a pending disable")
	assert.Equal(t, portfolio.LifecycleActive, h.Lifecycle())
	assert.Equal(t, 0, h.State().DisableFailures)
}

func TestHandle_RetryCloseEscalatesEveryMaxRetries(t *testing.T) {
	mem := audit.NewMemorySink()
	f := &fakeStrategy{id: "a", closeErr: errors.New("rejected")}
	h := newTestHandle(f, mem)
	ctx := context.Background()

	h.Enable()
	h.Disable(ctx) // failure 1
	for i := 0; i < 5; i++ {
		assert.False(t, h.RetryClose(ctx))
	}
	// 6 consecutive failures with max 3 -> two CRITICAL events.
	assert.Len(t, mem.ByKind(audit.KindCritical), 2)
	assert.Equal(t, portfolio.LifecyclePendingDisable, h.Lifecycle())

	f.setCloseErr(nil)
	assert.True(t, h.RetryClose(ctx))
	assert.Equal(t, portfolio.LifecycleDisabled, h.Lifecycle())
	assert.True(t, h.RetryClose(ctx))
}

func TestHandle_ProcessRecoversPanic(t *testing.T) {
	h := newTestHandle(&fakeStrategy{id: "a", panicOnBar: true}, audit.NewMemorySink())
	_, err := h.Process(context.Background(), marketdata.Event{})
	require.Error(t, err)

	var execErr *portfolio.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "a", execErr.StrategyID)
	assert.Contains(t, err.Error(), "panic")
}

func TestHandle_ProcessTimesOut(t *testing.T) {
	f := &fakeStrategy{id: "slow", blockBar: true}
	h := NewHandle(f, HandleConfig{CallTimeout: 20 * time.Millisecond}, audit.NewRecorder())
	start := time.Now()
	_, err := h.Process(context.Background(), marketdata.Event{})
	assert.ErrorIs(t, err, portfolio.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHandle_TimedOutCallOverlapsNextCall(t *testing.T) {
	f := &fakeStrategy{id: "slow", blockBar: true}
	h := NewHandle(f, HandleConfig{CallTimeout: 20 * time.Millisecond}, audit.NewRecorder())
	for i := 0; i < 2; i++ {
		_, err := h.Process(context.Background(), marketdata.Event{})
		require.ErrorIs(t, err, portfolio.ErrTimeout)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.maxFlight), "abandoned calls keep running")
}

func TestHandle_ApplyBuildsEquityCurve(t *testing.T) {
	h := NewHandle(&fakeStrategy{id: "a"}, HandleConfig{BaseEquity: 1000, CurveLimit: 3}, audit.NewRecorder())
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	h.Apply(ts, &TradeResult{RealizedPnL: 10, ClosedTrades: 1, Wins: 1})
	h.Apply(ts.Add(time.Minute), &TradeResult{RealizedPnL: -5, ClosedTrades: 1, UnrealizedPnL: 2})
	h.Apply(ts.Add(2*time.Minute), nil)
	h.Apply(ts.Add(3*time.Minute), nil)

	s := h.State()
	assert.Equal(t, 5.0, s.CumulativePnL)
	assert.Equal(t, 2, s.TradeCount)
	assert.Equal(t, 0.5, s.WinRate)
	assert.Equal(t, 0.1, s.TrailingDrawdown)
	require.Len(t, s.EquityCurve, 3)
	assert.Equal(t, 1007.0, s.EquityCurve[0].Equity)
	assert.Equal(t, 7.0, h.PnL())

	s.EquityCurve[0].Equity = -1
	assert.Equal(t, 1007.0, h.State().EquityCurve[0].Equity, "state is a copy")
}

func TestHandle_ForceDisableFaultsUntilCleared(t *testing.T) {
	mem := audit.NewMemorySink()
	h := newTestHandle(&fakeStrategy{id: "a"}, mem)
	ctx := context.Background()

	h.Enable()
	h.ForceDisable(ctx, errors.New("panic: boom"))
	assert.Equal(t, portfolio.LifecycleDisabled, h.Lifecycle())
	assert.True(t, h.State().Faulted)
	assert.Len(t, mem.ByKind(audit.KindCritical), 1)

	assert.False(t, h.Enable())
	assert.True(t, h.ClearFault())
	assert.False(t, h.ClearFault())
	assert.True(t, h.Enable())
}

func TestHandle_RestoreRejectsForeignState(t *testing.T) {
	h := newTestHandle(&fakeStrategy{id: "a"}, audit.NewMemorySink())
	err := h.Restore(portfolio.StrategyState{ID: "b"}, nil)
	assert.Error(t, err)

	require.NoError(t, h.Restore(portfolio.StrategyState{ID: "a", Lifecycle: portfolio.LifecycleActive, Weight: 0.25}, nil))
	assert.Equal(t, portfolio.LifecycleActive, h.Lifecycle())
	assert.Equal(t, 0.25, h.Strategy().(*fakeStrategy).Weight())
}

func newManager(t *testing.T, mem *audit.MemorySink, fakes ...*fakeStrategy) *Manager {
	t.Helper()
	var hs []*Handle
	for _, f := range fakes {
		hs = append(hs, newTestHandle(f, mem))
	}
	m, err := NewManager(hs...)
	require.NoError(t, err)
	return m
}

func TestNewManager_RejectsDuplicates(t *testing.T) {
	rec := audit.NewRecorder()
	_, err := NewManager(
		NewHandle(&fakeStrategy{id: "a"}, HandleConfig{}, rec),
		NewHandle(&fakeStrategy{id: "a"}, HandleConfig{}, rec),
	)
	assert.ErrorIs(t, err, portfolio.ErrConfiguration)
}

func TestManager_BulkOperationsInIDOrder(t *testing.T) {
	mem := audit.NewMemorySink()
	m := newManager(t, mem, &fakeStrategy{id: "c"}, &fakeStrategy{id: "a"}, &fakeStrategy{id: "b"})

	changed := m.EnableAll([]string{"c", "a", "b", "a", "zzz"})
	assert.Equal(t, []string{"a", "b", "c"}, changed)
	assert.Equal(t, []string{"a", "b", "c"}, m.Active())

	var order []string
	for _, ev := range mem.ByKind(audit.KindEnable) {
		order = append(order, ev.StrategyID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)

	ts := time.Now()
	m.SyncAll(ts, map[string]float64{"b": 0.5, "a": 0.5})
	assert.Equal(t, 0.5, m.AggregateState()["a"].Weight)
	assert.Len(t, m.ActiveStates(), 3)

	done := m.DisableAll(context.Background(), []string{"c"})
	assert.Equal(t, []string{"c"}, done)
	assert.Equal(t, []string{"a", "b"}, m.Active())
}

func TestManager_FanOutParallelRespectsWorkerLimit(t *testing.T) {
	fakes := []*fakeStrategy{{id: "d", pnl: 1}, {id: "b", pnl: 1}, {id: "a", pnl: 1}, {id: "c", pnl: 1}}
	m := newManager(t, audit.NewMemorySink(), fakes...)
	m.EnableAll(m.IDs())

	out := m.FanOut(context.Background(), marketdata.Event{}, true, 2)
	require.Len(t, out, 4)
	for i, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, id, out[i].ID)
		assert.NoError(t, out[i].Err)
		assert.Equal(t, 1.0, out[i].Result.RealizedPnL)
	}
}

func TestManager_FanOutIsolatesFailures(t *testing.T) {
	m := newManager(t, audit.NewMemorySink(), &fakeStrategy{id: "ok", pnl: 2}, &fakeStrategy{id: "bad", panicOnBar: true})
	m.EnableAll(m.IDs())

	out := m.FanOut(context.Background(), marketdata.Event{}, false, 0)
	require.Len(t, out, 2)
	assert.Equal(t, "bad", out[0].ID)
	assert.Error(t, out[0].Err)
	assert.NoError(t, out[1].Err)
}

func TestManager_ShutdownAllBounded(t *testing.T) {
	mem := audit.NewMemorySink()
	stuck := &fakeStrategy{id: "stuck", blockClose: true}
	m := newManager(t, mem, &fakeStrategy{id: "fine"}, stuck)
	m.EnableAll(m.IDs())

	start := time.Now()
	stragglers := m.ShutdownAll(context.Background(), 300*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"stuck"}, stragglers)
	assert.Empty(t, m.Active())
	assert.Empty(t, m.Pending())
	assert.NotEmpty(t, mem.ByKind(audit.KindCritical))
}

func TestManager_ShutdownAllOutlivesCancelledContext(t *testing.T) {
	mem := audit.NewMemorySink()
	a, b := &fakeStrategy{id: "a"}, &fakeStrategy{id: "b"}
	m := newManager(t, mem, a, b)
	m.EnableAll(m.IDs())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stragglers := m.ShutdownAll(ctx, 300*time.Millisecond)
	assert.Empty(t, stragglers)
	assert.Empty(t, m.Active())
	assert.Empty(t, mem.ByKind(audit.KindCritical))
	for _, f := range []*fakeStrategy{a, b} {
		f.mu.Lock()
		assert.Equal(t, 1, f.closeCalls, f.id)
		f.mu.Unlock()
	}
}

func TestManager_TotalPnL(t *testing.T) {
	m := newManager(t, audit.NewMemorySink(), &fakeStrategy{id: "a"}, &fakeStrategy{id: "b"})
	ha, _ := m.Handle("a")
	hb, _ := m.Handle("b")
	ha.Apply(time.Now(), &TradeResult{RealizedPnL: 3})
	hb.Apply(time.Now(), &TradeResult{RealizedPnL: -1, UnrealizedPnL: 0.5})
	assert.InDelta(t, 2.5, m.TotalPnL(), 1e-12)
	assert.True(t, m.Known("a"))
	assert.False(t, m.Known("z"))
}
