// Package portfolio holds the value types shared by the allocator, the
// strategy handles and the engine.
package portfolio

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/your-org/regime-allocator/internal/regime"
)

// Lifecycle is the state of a strategy handle.
type Lifecycle string

const (
	LifecycleDisabled       Lifecycle = "DISABLED"
	LifecycleActive         Lifecycle = "ACTIVE"
	LifecyclePendingDisable Lifecycle = "PENDING_DISABLE"
)

// EquityPoint is one sample of a strategy's equity curve.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Equity    float64   `json:"equity" msgpack:"equity"`
}

// StrategyState is the observable state of one strategy. Values handed out by
// a handle are deep copies.
type StrategyState struct {
	ID                 string        `json:"id" msgpack:"id"`
	Lifecycle          Lifecycle     `json:"lifecycle" msgpack:"lifecycle"`
	Weight             float64       `json:"weight" msgpack:"weight"`
	EquityCurve        []EquityPoint `json:"equity_curve" msgpack:"equity_curve"`
	TradeCount         int           `json:"trade_count" msgpack:"trade_count"`
	Wins               int           `json:"wins" msgpack:"wins"`
	WinRate            float64       `json:"win_rate" msgpack:"win_rate"`
	CumulativePnL      float64       `json:"cumulative_pnl" msgpack:"cumulative_pnl"`
	UnrealizedPnL      float64       `json:"unrealized_pnl" msgpack:"unrealized_pnl"`
	TrailingDrawdown   float64       `json:"trailing_drawdown" msgpack:"trailing_drawdown"`
	TrailingVolatility float64       `json:"trailing_volatility" msgpack:"trailing_volatility"`
	LastSync           time.Time     `json:"last_sync" msgpack:"last_sync"`
	DisableFailures    int           `json:"disable_failures" msgpack:"disable_failures"`
	Faulted            bool          `json:"faulted" msgpack:"faulted"`
}

// Clone returns a deep copy.
func (s StrategyState) Clone() StrategyState {
	c := s
	if s.EquityCurve != nil {
		c.EquityCurve = make([]EquityPoint, len(s.EquityCurve))
		copy(c.EquityCurve, s.EquityCurve)
	}
	return c
}

// AllocationMode selects the risk metric used by the allocator.
type AllocationMode string

const (
	ModeMaxDD      AllocationMode = "MAX_DD"
	ModeVolatility AllocationMode = "VOLATILITY"
)

// ParseAllocationMode accepts the configuration spelling (max_dd, volatility)
// as well as the upper-case form.
func ParseAllocationMode(s string) (AllocationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "max_dd", "maxdd":
		return ModeMaxDD, nil
	case "volatility", "vol":
		return ModeVolatility, nil
	default:
		return "", fmt.Errorf("%w: unknown allocator_mode %q", ErrConfiguration, s)
	}
}

// AllocationSnapshot records one allocator run. It is never mutated after creation.
type AllocationSnapshot struct {
	Timestamp     time.Time          `json:"timestamp" msgpack:"timestamp"`
	Mode          AllocationMode     `json:"mode" msgpack:"mode"`
	Weights       map[string]float64 `json:"weights" msgpack:"weights"`
	TriggerReason string             `json:"trigger_reason" msgpack:"trigger_reason"`
	Applied       bool               `json:"applied" msgpack:"applied"`
	MaxDeviation  float64            `json:"max_deviation" msgpack:"max_deviation"`
}

// RegimeTransition records a debounced regime change.
type RegimeTransition struct {
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Old       string    `json:"old_regime" msgpack:"old_regime"`
	New       string    `json:"new_regime" msgpack:"new_regime"`
}

// PortfolioSnapshot is emitted once per processed event.
type PortfolioSnapshot struct {
	Timestamp         time.Time                `json:"timestamp" msgpack:"timestamp"`
	Tick              int64                    `json:"tick" msgpack:"tick"`
	Regime            string                   `json:"regime" msgpack:"regime"`
	PerStrategy       map[string]StrategyState `json:"per_strategy" msgpack:"per_strategy"`
	AggregateEquity   float64                  `json:"aggregate_equity" msgpack:"aggregate_equity"`
	AggregateDrawdown float64                  `json:"aggregate_drawdown" msgpack:"aggregate_drawdown"`
}

// Checkpoint is everything needed to resume an engine without replaying history.
type Checkpoint struct {
	RunID         string               `json:"run_id" msgpack:"run_id"`
	Snapshot      PortfolioSnapshot    `json:"snapshot" msgpack:"snapshot"`
	PeakEquity    float64              `json:"peak_equity" msgpack:"peak_equity"`
	LastApplied   map[string]float64   `json:"last_applied" msgpack:"last_applied"`
	Debounce      regime.DebounceState `json:"debounce" msgpack:"debounce"`
	Window        []regime.Observation `json:"window" msgpack:"window"`
	StrategyBlobs map[string][]byte    `json:"strategy_blobs" msgpack:"strategy_blobs"`
	AuditSeq      int64                `json:"audit_seq" msgpack:"audit_seq"`
	CriticalCount int                  `json:"critical_count" msgpack:"critical_count"`
}

// SortedIDs returns the keys of m in ascending order.
func SortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
