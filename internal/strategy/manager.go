package strategy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/your-org/regime-allocator/internal/marketdata"
	"github.com/your-org/regime-allocator/internal/portfolio"
)

const shutdownRetryInterval = 50 * time.Millisecond

// Outcome is the result of running one strategy on one event.
type Outcome struct {
	ID     string
	Result *TradeResult
	Err    error
}

// Manager owns the handles and runs bulk operations over them in ascending
// id order.
type Manager struct {
	handles map[string]*Handle
	ids     []string
}

// NewManager indexes handles by id. Duplicate ids are a configuration error.
func NewManager(handles ...*Handle) (*Manager, error) {
	m := &Manager{handles: make(map[string]*Handle, len(handles))}
	for _, h := range handles {
		if h.ID() == "" {
			return nil, portfolio.ConfigErrorf("strategy with empty id")
		}
		if _, dup := m.handles[h.ID()]; dup {
			return nil, portfolio.ConfigErrorf("duplicate strategy id %q", h.ID())
		}
		m.handles[h.ID()] = h
	}
	m.ids = portfolio.SortedIDs(m.handles)
	return m, nil
}

// IDs returns all known strategy ids, sorted.
func (m *Manager) IDs() []string {
	return append([]string(nil), m.ids...)
}

// Handle looks up a handle by id.
func (m *Manager) Handle(id string) (*Handle, bool) {
	h, ok := m.handles[id]
	return h, ok
}

// Known reports whether id is registered.
func (m *Manager) Known(id string) bool {
	_, ok := m.handles[id]
	return ok
}

func (m *Manager) sorted(ids []string) []*Handle {
	uniq := make(map[string]*Handle, len(ids))
	for _, id := range ids {
		if h, ok := m.handles[id]; ok {
			uniq[id] = h
		}
	}
	out := make([]*Handle, 0, len(uniq))
	for _, id := range portfolio.SortedIDs(uniq) {
		out = append(out, uniq[id])
	}
	return out
}

// EnableAll enables the given strategies and returns the ids that changed state.
func (m *Manager) EnableAll(ids []string) []string {
	var changed []string
	for _, h := range m.sorted(ids) {
		if h.Enable() {
			changed = append(changed, h.ID())
		}
	}
	return changed
}

// DisableAll starts a disable on each given strategy and returns the ids
// that reached DISABLED.
func (m *Manager) DisableAll(ctx context.Context, ids []string) []string {
	var done []string
	for _, h := range m.sorted(ids) {
		if h.Lifecycle() != portfolio.LifecycleActive {
			continue
		}
		if h.Disable(ctx) {
			done = append(done, h.ID())
		}
	}
	return done
}

// SyncAll pushes weights to the named strategies. Ids missing from weights
// are left alone.
func (m *Manager) SyncAll(ts time.Time, weights map[string]float64) {
	for _, id := range portfolio.SortedIDs(weights) {
		if h, ok := m.handles[id]; ok {
			h.Sync(ts, weights[id])
		}
	}
}

// Active returns the ids currently ACTIVE.
func (m *Manager) Active() []string {
	return m.withLifecycle(portfolio.LifecycleActive)
}

// Pending returns the ids waiting on a confirmed close.
func (m *Manager) Pending() []string {
	return m.withLifecycle(portfolio.LifecyclePendingDisable)
}

func (m *Manager) withLifecycle(l portfolio.Lifecycle) []string {
	var out []string
	for _, id := range m.ids {
		if m.handles[id].Lifecycle() == l {
			out = append(out, id)
		}
	}
	return out
}

// ActiveStates returns copies of the ACTIVE strategies' states in id order.
func (m *Manager) ActiveStates() []portfolio.StrategyState {
	var out []portfolio.StrategyState
	for _, id := range m.ids {
		s := m.handles[id].State()
		if s.Lifecycle == portfolio.LifecycleActive {
			out = append(out, s)
		}
	}
	return out
}

// AggregateState returns copies of every strategy's state.
func (m *Manager) AggregateState() map[string]portfolio.StrategyState {
	out := make(map[string]portfolio.StrategyState, len(m.handles))
	for id, h := range m.handles {
		out[id] = h.State()
	}
	return out
}

// TotalPnL sums realized and unrealized PnL over all strategies.
func (m *Manager) TotalPnL() float64 {
	var sum float64
	for _, id := range m.ids {
		sum += m.handles[id].PnL()
	}
	return sum
}

// RetryPending retries the close on every pending handle and returns the
// ids that completed.
func (m *Manager) RetryPending(ctx context.Context) []string {
	var done []string
	for _, id := range m.Pending() {
		if m.handles[id].RetryClose(ctx) {
			done = append(done, id)
		}
	}
	return done
}

// FanOut delivers ev to every ACTIVE strategy. With parallel set the calls
// run concurrently, at most workers at a time; outcomes are always returned
// in id order so the caller can apply them deterministically.
func (m *Manager) FanOut(ctx context.Context, ev marketdata.Event, parallel bool, workers int) []Outcome {
	active := m.Active()
	outcomes := make([]Outcome, len(active))
	if !parallel || len(active) < 2 {
		for i, id := range active {
			res, err := m.handles[id].Process(ctx, ev)
			outcomes[i] = Outcome{ID: id, Result: res, Err: err}
		}
		return outcomes
	}

	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, id := range active {
		i, h := i, m.handles[id]
		g.Go(func() error {
			res, err := h.Process(ctx, ev)
			outcomes[i] = Outcome{ID: h.ID(), Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// ShutdownAll disables every strategy within timeout. Strategies whose close
// is still unconfirmed at the deadline are force-marked DISABLED and
// returned. Cancellation of ctx does not cut the shutdown short; only the
// timeout bounds it.
func (m *Manager) ShutdownAll(ctx context.Context, timeout time.Duration) []string {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	m.DisableAll(dctx, m.ids)

	ticker := time.NewTicker(shutdownRetryInterval)
	defer ticker.Stop()
	for len(m.Pending()) > 0 {
		select {
		case <-dctx.Done():
			var stragglers []string
			for _, id := range m.Pending() {
				m.handles[id].ForceMarkDisabled(fmt.Sprintf("shutdown timeout after %s", timeout))
				stragglers = append(stragglers, id)
			}
			sort.Strings(stragglers)
			return stragglers
		case <-ticker.C:
			m.RetryPending(dctx)
		}
	}
	return nil
}
