// Package engine drives the per-event portfolio loop: classify the regime,
// adjust the active strategy set, fan events out, rebalance and report.
package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/regime-allocator/internal/allocator"
	"github.com/your-org/regime-allocator/internal/audit"
	"github.com/your-org/regime-allocator/internal/marketdata"
	"github.com/your-org/regime-allocator/internal/portfolio"
	"github.com/your-org/regime-allocator/internal/regime"
	"github.com/your-org/regime-allocator/internal/strategy"
	"github.com/your-org/regime-allocator/pkg/ringbuf"
)

// Status is the session state of the engine.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusRunning      Status = "RUNNING"
	StatusShuttingDown Status = "SHUTTING_DOWN"
	StatusStopped      Status = "STOPPED"
)

// Rebalance triggers.
const (
	TriggerInitial          = "initial"
	TriggerActiveSetChanged = "active_set_changed"
	TriggerCadence          = "cadence"
	TriggerForced           = "forced"
)

// CheckpointStore persists checkpoints.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp portfolio.Checkpoint) error
}

// PortfolioState is the answer to a state query.
type PortfolioState struct {
	Status           Status                         `json:"status"`
	Tick             int64                          `json:"tick"`
	Timestamp        time.Time                      `json:"timestamp"`
	Equity           float64                        `json:"equity"`
	PeakEquity       float64                        `json:"peak_equity"`
	Drawdown         float64                        `json:"drawdown"`
	ActiveStrategies []string                       `json:"active_strategies"`
	CurrentRegime    string                         `json:"current_regime"`
	Weights          map[string]float64             `json:"weights"`
	Lifecycle        map[string]portfolio.Lifecycle `json:"lifecycle"`
	CriticalCount    int                            `json:"critical_count"`
}

// Option configures a PortfolioEngine.
type Option func(*PortfolioEngine)

// WithLogger sets the logger. The default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *PortfolioEngine) { e.logger = l }
}

// WithCheckpointStore enables periodic checkpoints.
func WithCheckpointStore(s CheckpointStore) Option {
	return func(e *PortfolioEngine) { e.store = s }
}

// PortfolioEngine owns all mutable portfolio state. Every method is
// serialized by mu; in live mode a Runner additionally funnels all calls
// through one goroutine.
type PortfolioEngine struct {
	cfg        Config
	logger     *zap.Logger
	recorder   *audit.Recorder
	manager    *strategy.Manager
	classifier *regime.Classifier
	debouncer  *regime.Debouncer
	allocator  *allocator.Allocator
	lists      whitelists
	window     *ringbuf.RingBuffer[regime.Observation]
	store      CheckpointStore

	mu          sync.Mutex
	status      Status
	tick        int64
	equity      float64
	peak        float64
	drawdown    float64
	lastApplied map[string]float64
	whitelist   []string
	lastEvent   time.Time
	resumeAt    time.Time
	skipped     int64
}

// New validates cfg and wraps every strategy in a handle. The engine starts
// in INITIALIZING; call Start or Restore before processing events.
func New(cfg Config, strategies []strategy.Strategy, rec *audit.Recorder, opts ...Option) (*PortfolioEngine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	byID := make(map[string]strategy.Strategy, len(strategies))
	for _, s := range strategies {
		if _, dup := byID[s.ID()]; dup {
			return nil, portfolio.ConfigErrorf("duplicate strategy id %q", s.ID())
		}
		byID[s.ID()] = s
	}
	curveLimit := 0
	if cfg.RiskLookback > 0 {
		curveLimit = cfg.RiskLookback
	}
	handles := make([]*strategy.Handle, 0, len(cfg.StrategyPool))
	for _, id := range cfg.StrategyPool {
		s, ok := byID[id]
		if !ok {
			return nil, portfolio.ConfigErrorf("strategy_pool id %q has no implementation", id)
		}
		handles = append(handles, strategy.NewHandle(s, strategy.HandleConfig{
			CallTimeout:       cfg.CallTimeout,
			MaxDisableRetries: cfg.MaxDisableRetries,
			BaseEquity:        cfg.InitialCapital,
			CurveLimit:        curveLimit,
		}, rec))
	}
	manager, err := strategy.NewManager(handles...)
	if err != nil {
		return nil, err
	}

	e := &PortfolioEngine{
		cfg:      cfg,
		logger:   zap.NewNop(),
		recorder: rec,
		manager:  manager,
		classifier: regime.NewClassifier(regime.Config{
			Lookback:             cfg.RegimeLookback,
			TrendThreshold:       cfg.TrendThreshold,
			TrendSmoothing:       cfg.TrendSmoothing,
			VolatilityThreshold:  cfg.VolatilityThreshold,
			VolatilityPercentile: cfg.VolatilityPercentile,
			VolatilityWindow:     cfg.VolatilityWindow,
		}),
		debouncer: regime.NewDebouncer(cfg.DebounceCount, regime.Unknown),
		allocator: allocator.New(allocator.Config{
			Mode:               cfg.AllocatorMode,
			Bounds:             allocator.ClipBounds{Min: cfg.MinWeight, Max: cfg.MaxWeight},
			Lookback:           cfg.RiskLookback,
			RebalanceThreshold: cfg.RebalanceThreshold,
			Defaults:           cfg.DefaultWhitelist,
		}),
		lists:       newWhitelists(cfg),
		window:      ringbuf.New[regime.Observation](cfg.RegimeLookback),
		status:      StatusInitializing,
		equity:      cfg.InitialCapital,
		peak:        cfg.InitialCapital,
		lastApplied: map[string]float64{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("engine")
	return e, nil
}

// Manager exposes the strategy handles for inspection.
func (e *PortfolioEngine) Manager() *strategy.Manager { return e.manager }

// Status returns the session state.
func (e *PortfolioEngine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// CriticalCount is the number of CRITICAL events raised so far.
func (e *PortfolioEngine) CriticalCount() int {
	return e.recorder.CriticalCount()
}

// Start enables the whitelist for the UNKNOWN regime, applies initial
// weights and enters RUNNING.
func (e *PortfolioEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusInitializing {
		return fmt.Errorf("start: engine is %s", e.status)
	}
	e.whitelist = e.lists.For(e.debouncer.Current())
	e.manager.EnableAll(e.whitelist)
	e.rebalance(e.recorder.Now(), TriggerInitial, true)
	e.status = StatusRunning
	e.logger.Info("engine started",
		zap.String("regime", e.debouncer.Current().Label()),
		zap.Strings("active", e.manager.Active()))
	return nil
}

// Restore resumes from a checkpoint instead of Start. No events are emitted,
// so the audit sequence continues exactly where the checkpoint left it.
func (e *PortfolioEngine) Restore(ctx context.Context, cp portfolio.Checkpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusInitializing {
		return fmt.Errorf("restore: engine is %s", e.status)
	}
	for _, id := range portfolio.SortedIDs(cp.Snapshot.PerStrategy) {
		h, ok := e.manager.Handle(id)
		if !ok {
			return fmt.Errorf("%w: checkpoint strategy %q", portfolio.ErrUnknownStrategy, id)
		}
		if err := h.Restore(cp.Snapshot.PerStrategy[id], cp.StrategyBlobs[id]); err != nil {
			return err
		}
	}
	if err := e.debouncer.Restore(cp.Debounce); err != nil {
		return fmt.Errorf("restore debouncer: %w", err)
	}
	e.window.Reset(cp.Window)
	e.tick = cp.Snapshot.Tick
	e.equity = cp.Snapshot.AggregateEquity
	e.drawdown = cp.Snapshot.AggregateDrawdown
	e.peak = cp.PeakEquity
	e.lastApplied = copyWeights(cp.LastApplied)
	e.whitelist = e.lists.For(e.debouncer.Current())
	e.recorder.SetSeq(cp.AuditSeq)
	e.recorder.SetCriticalCount(cp.CriticalCount)
	e.recorder.Advance(cp.Snapshot.Timestamp)
	e.lastEvent = cp.Snapshot.Timestamp
	e.resumeAt = cp.Snapshot.Timestamp
	e.status = StatusRunning
	e.logger.Info("engine restored from checkpoint",
		zap.String("run_id", cp.RunID),
		zap.Int64("tick", e.tick),
		zap.String("regime", e.debouncer.Current().Label()))
	return nil
}

// ProcessEvent runs one tick. Strategy and collaborator failures never
// escape; they become state transitions and CRITICAL events. The only error
// returned is ErrNotRunning.
//
// Events older than the last processed one, events at or before a restored
// checkpoint and events with a non-finite price are dropped without a tick.
func (e *PortfolioEngine) ProcessEvent(ctx context.Context, ev marketdata.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning {
		return portfolio.ErrNotRunning
	}
	ts := ev.Timestamp
	if reason := e.rejectReason(ev); reason != "" {
		e.skipped++
		e.logger.Debug("dropping event",
			zap.String("reason", reason),
			zap.String("symbol", ev.Symbol),
			zap.Time("timestamp", ts))
		return nil
	}
	e.lastEvent = ts
	e.tick++
	e.recorder.Advance(ts)

	if e.cfg.RegimeSymbol == "" || ev.Symbol == e.cfg.RegimeSymbol {
		e.observe(ts, ev)
	}

	changed := e.reconcile(ctx)

	for _, o := range e.manager.FanOut(ctx, ev, e.cfg.ParallelFanOut, e.cfg.FanOutWorkers) {
		h, _ := e.manager.Handle(o.ID)
		if o.Err != nil {
			e.logger.Warn("strategy failed, force-disabling", zap.String("strategy", o.ID), zap.Error(o.Err))
			h.ForceDisable(ctx, o.Err)
			changed = true
			continue
		}
		h.Apply(ts, o.Result)
	}
	if changed {
		e.ensureActive()
	}

	switch {
	case changed:
		e.rebalance(ts, TriggerActiveSetChanged, false)
	case e.cfg.RebalanceCadence > 0 && e.tick%int64(e.cfg.RebalanceCadence) == 0:
		e.rebalance(ts, TriggerCadence, false)
	}

	e.updateEquity()
	snap := e.snapshot(ts)
	e.recorder.Emit(audit.Event{Kind: audit.KindSnapshot, Snapshot: &snap})

	if e.store != nil && e.cfg.CheckpointInterval > 0 && e.tick%int64(e.cfg.CheckpointInterval) == 0 {
		e.saveCheckpoint(ctx, snap)
	}
	return nil
}

func (e *PortfolioEngine) rejectReason(ev marketdata.Event) string {
	switch {
	case !e.resumeAt.IsZero() && !ev.Timestamp.After(e.resumeAt):
		return "covered by checkpoint"
	case ev.Timestamp.Before(e.lastEvent):
		return "out of order"
	case math.IsNaN(ev.Price()) || math.IsInf(ev.Price(), 0):
		return "non-finite price"
	}
	return ""
}

// Skipped returns how many events ProcessEvent dropped.
func (e *PortfolioEngine) Skipped() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.skipped
}

func (e *PortfolioEngine) observe(ts time.Time, ev marketdata.Event) {
	if ev.Price() <= 0 {
		return
	}
	obs := regime.Observation{Timestamp: ts, Price: ev.Price()}
	if v, ok := ev.Indicator(marketdata.IndicatorVolatility); ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
		obs.Volatility = v
		obs.HasVolatility = true
	}
	e.window.Add(obs)

	prev := e.debouncer.Current()
	raw := e.classifier.Classify(e.window.Chronological())
	if cur, changed := e.debouncer.Observe(raw); changed {
		e.transition(ts, prev, cur)
	}
}

func (e *PortfolioEngine) transition(ts time.Time, from, to regime.Regime) {
	e.recorder.Emit(audit.Event{
		Kind: audit.KindRegimeChange,
		Transition: &portfolio.RegimeTransition{
			Timestamp: ts,
			Old:       from.Label(),
			New:       to.Label(),
		},
	})
	e.whitelist = e.lists.For(to)
}

// reconcile moves the active set to the current whitelist. Pending disables
// for whitelisted strategies are cancelled; other pending disables are
// retried once. Returns whether the ACTIVE set changed.
func (e *PortfolioEngine) reconcile(ctx context.Context) bool {
	before := e.manager.Active()
	target := make(map[string]bool, len(e.whitelist))
	for _, id := range e.whitelist {
		target[id] = true
	}

	var toEnable, toDisable []string
	for _, id := range e.manager.IDs() {
		h, _ := e.manager.Handle(id)
		switch lc := h.Lifecycle(); {
		case target[id] && lc != portfolio.LifecycleActive:
			toEnable = append(toEnable, id)
		case !target[id] && lc == portfolio.LifecycleActive:
			toDisable = append(toDisable, id)
		}
	}

	e.manager.EnableAll(toEnable)
	e.manager.RetryPending(ctx)
	e.manager.DisableAll(ctx, toDisable)
	e.ensureActive()

	return !equalIDs(before, e.manager.Active())
}

// ensureActive keeps at least one strategy running while the default
// whitelist is non-empty, e.g. after every whitelisted strategy faulted.
func (e *PortfolioEngine) ensureActive() {
	if len(e.manager.Active()) > 0 || len(e.lists.defaults) == 0 {
		return
	}
	if enabled := e.manager.EnableAll(e.lists.defaults); len(enabled) > 0 {
		e.logger.Warn("no active strategies left, falling back to default whitelist", zap.Strings("enabled", enabled))
	}
}

func (e *PortfolioEngine) rebalance(ts time.Time, trigger string, force bool) portfolio.AllocationSnapshot {
	snap := e.allocator.Rebalance(ts, e.manager.ActiveStates(), e.lastApplied, trigger, force)
	if snap.Applied {
		e.manager.SyncAll(ts, snap.Weights)
		e.lastApplied = copyWeights(snap.Weights)
	}
	e.recorder.Emit(audit.Event{Kind: audit.KindRebalance, Allocation: &snap})
	return snap
}

func (e *PortfolioEngine) updateEquity() {
	e.equity = e.cfg.InitialCapital + e.manager.TotalPnL()
	if e.equity > e.peak {
		e.peak = e.equity
	}
	e.drawdown = 0
	if e.peak > 0 {
		e.drawdown = (e.peak - e.equity) / e.peak
	}
}

func (e *PortfolioEngine) snapshot(ts time.Time) portfolio.PortfolioSnapshot {
	return portfolio.PortfolioSnapshot{
		Timestamp:         ts,
		Tick:              e.tick,
		Regime:            e.debouncer.Current().Label(),
		PerStrategy:       e.manager.AggregateState(),
		AggregateEquity:   e.equity,
		AggregateDrawdown: e.drawdown,
	}
}

func (e *PortfolioEngine) checkpoint(snap portfolio.PortfolioSnapshot) portfolio.Checkpoint {
	blobs := make(map[string][]byte)
	for _, id := range e.manager.IDs() {
		h, _ := e.manager.Handle(id)
		blob, err := h.SnapshotBlob()
		if err != nil {
			e.logger.Warn("strategy snapshot failed", zap.String("strategy", id), zap.Error(err))
			continue
		}
		if blob != nil {
			blobs[id] = blob
		}
	}
	return portfolio.Checkpoint{
		RunID:         e.cfg.RunID,
		Snapshot:      snap,
		PeakEquity:    e.peak,
		LastApplied:   copyWeights(e.lastApplied),
		Debounce:      e.debouncer.State(),
		Window:        e.window.Chronological(),
		StrategyBlobs: blobs,
		AuditSeq:      e.recorder.Seq(),
		CriticalCount: e.recorder.CriticalCount(),
	}
}

func (e *PortfolioEngine) saveCheckpoint(ctx context.Context, snap portfolio.PortfolioSnapshot) {
	if err := e.store.SaveCheckpoint(ctx, e.checkpoint(snap)); err != nil {
		e.logger.Error("failed to save checkpoint", zap.Int64("tick", e.tick), zap.Error(err))
	}
}

// Checkpoint returns the current resumable state.
func (e *PortfolioEngine) Checkpoint() portfolio.Checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkpoint(e.snapshot(e.recorder.Now()))
}

// State answers a portfolio query.
func (e *PortfolioEngine) State() PortfolioState {
	e.mu.Lock()
	defer e.mu.Unlock()

	agg := e.manager.AggregateState()
	active := e.manager.Active()
	weights := make(map[string]float64, len(active))
	for _, id := range active {
		weights[id] = agg[id].Weight
	}
	lifecycle := make(map[string]portfolio.Lifecycle, len(agg))
	for id, s := range agg {
		lifecycle[id] = s.Lifecycle
	}
	if active == nil {
		active = []string{}
	}
	return PortfolioState{
		Status:           e.status,
		Tick:             e.tick,
		Timestamp:        e.recorder.Now(),
		Equity:           e.equity,
		PeakEquity:       e.peak,
		Drawdown:         e.drawdown,
		ActiveStrategies: active,
		CurrentRegime:    e.debouncer.Current().Label(),
		Weights:          weights,
		Lifecycle:        lifecycle,
		CriticalCount:    e.recorder.CriticalCount(),
	}
}

// ForceRebalance runs the allocator with the gate bypassed.
func (e *PortfolioEngine) ForceRebalance(ctx context.Context) (portfolio.AllocationSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning {
		return portfolio.AllocationSnapshot{}, portfolio.ErrNotRunning
	}
	return e.rebalance(e.recorder.Now(), TriggerForced, true), nil
}

// ForceRegime applies r immediately and pins the debouncer to it.
func (e *PortfolioEngine) ForceRegime(ctx context.Context, r regime.Regime) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning {
		return portfolio.ErrNotRunning
	}
	prev := e.debouncer.Current()
	e.debouncer.Pin(r)
	if prev == r {
		return nil
	}
	ts := e.recorder.Now()
	e.transition(ts, prev, r)
	if e.reconcile(ctx) {
		e.rebalance(ts, TriggerActiveSetChanged, false)
	}
	return nil
}

// ClearFault lets a force-disabled strategy be enabled again on the next tick
// if its regime whitelist includes it.
func (e *PortfolioEngine) ClearFault(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.manager.Handle(id)
	if !ok {
		return fmt.Errorf("%w: %q", portfolio.ErrUnknownStrategy, id)
	}
	h.ClearFault()
	return nil
}

// Shutdown disables every strategy within the shutdown timeout, emits a final
// snapshot and checkpoint and enters STOPPED. It is safe to call twice.
func (e *PortfolioEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.status {
	case StatusStopped:
		return nil
	case StatusInitializing:
		e.status = StatusStopped
		return nil
	}
	e.status = StatusShuttingDown
	e.logger.Info("shutting down", zap.Duration("timeout", e.cfg.ShutdownTimeout))
	// Closing positions and the final checkpoint outlive the caller's context.
	ctx = context.WithoutCancel(ctx)

	stragglers := e.manager.ShutdownAll(ctx, e.cfg.ShutdownTimeout)
	if len(stragglers) > 0 {
		sort.Strings(stragglers)
		e.logger.Error("strategies did not confirm close before shutdown timeout", zap.Strings("strategies", stragglers))
	}

	ts := e.recorder.Now()
	e.updateEquity()
	snap := e.snapshot(ts)
	e.recorder.Emit(audit.Event{Kind: audit.KindSnapshot, Snapshot: &snap})
	if e.store != nil {
		sctx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		e.saveCheckpoint(sctx, snap)
		cancel()
	}
	e.status = StatusStopped
	e.logger.Info("engine stopped",
		zap.Float64("equity", e.equity),
		zap.Int("critical_events", e.recorder.CriticalCount()))
	return nil
}

func copyWeights(w map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
