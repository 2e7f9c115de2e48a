// Package allocator computes risk-parity weight vectors and decides whether a
// candidate vector is worth applying.
package allocator

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/your-org/regime-allocator/internal/indicator"
	"github.com/your-org/regime-allocator/internal/portfolio"
)

// Epsilon is the tolerance used for sum and bound checks.
const Epsilon = 1e-9

// Reasons attached to a Result.
const (
	ReasonRiskParity       = "risk_parity"
	ReasonDefaultEqual     = "fallback_default_equal"
	ReasonActiveEqual      = "fallback_no_risk_metrics"
	ReasonInfeasibleBounds = "infeasible_bounds_equal"
)

// ClipBounds are the per-strategy weight limits.
type ClipBounds struct {
	Min float64
	Max float64
}

// Feasible reports whether n weights can satisfy the bounds and sum to one.
func (b ClipBounds) Feasible(n int) bool {
	if n <= 0 {
		return false
	}
	return float64(n)*b.Min <= 1+Epsilon && float64(n)*b.Max >= 1-Epsilon
}

// Result is the output of Compute.
type Result struct {
	Weights map[string]float64
	Reason  string
	// MinWeighted lists strategies that had no usable risk metric and were
	// pinned to the minimum weight.
	MinWeighted []string
	Fallback    bool
}

// RiskMetric returns the trailing risk of a strategy for mode. The equity
// curve over the last lookback points is preferred; the trailing fields
// reported by the strategy itself are used when the curve is too short.
// NaN means undefined.
func RiskMetric(s portfolio.StrategyState, mode portfolio.AllocationMode, lookback int) float64 {
	curve := s.EquityCurve
	if lookback > 0 && len(curve) > lookback {
		curve = curve[len(curve)-lookback:]
	}
	values := make([]float64, len(curve))
	for i, p := range curve {
		values[i] = p.Equity
	}

	var v float64
	switch mode {
	case portfolio.ModeVolatility:
		v = indicator.ReturnVolatility(values)
		if math.IsNaN(v) {
			v = s.TrailingVolatility
		}
	default:
		v = indicator.MaxDrawdown(values)
		if math.IsNaN(v) {
			v = s.TrailingDrawdown
		}
	}
	return v
}

// Compute returns the risk-parity weights for active. Strategies are
// processed in ascending id order so equal inputs always give equal outputs.
func Compute(active []portfolio.StrategyState, mode portfolio.AllocationMode, bounds ClipBounds, lookback int, defaults []string) Result {
	if len(active) == 0 {
		return equalResult(uniqueSorted(defaults), ReasonDefaultEqual)
	}

	states := make([]portfolio.StrategyState, len(active))
	copy(states, active)
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })

	ids := make([]string, len(states))
	for i, s := range states {
		ids[i] = s.ID
	}

	if !bounds.Feasible(len(states)) {
		return equalResult(ids, ReasonInfeasibleBounds)
	}

	risks := make([]float64, len(states))
	usable := 0
	for i, s := range states {
		risks[i] = RiskMetric(s, mode, lookback)
		if indicator.IsUsable(risks[i]) {
			usable++
		}
	}
	if usable == 0 {
		return equalResult(ids, ReasonActiveEqual)
	}

	// Strategies without a usable metric are pinned to the minimum; the rest
	// share the remaining budget by inverse risk.
	var minWeighted []string
	poolIdx := make([]int, 0, usable)
	poolRaw := make([]float64, 0, usable)
	for i := range states {
		if indicator.IsUsable(risks[i]) {
			poolIdx = append(poolIdx, i)
			poolRaw = append(poolRaw, 1/risks[i])
			continue
		}
		minWeighted = append(minWeighted, ids[i])
	}

	final := make([]float64, len(states))
	budget := 1 - float64(len(minWeighted))*bounds.Min
	if float64(len(poolIdx))*bounds.Max >= budget-Epsilon {
		for i := range final {
			final[i] = bounds.Min
		}
		for j, w := range waterFill(poolRaw, bounds.Min, bounds.Max, budget) {
			final[poolIdx[j]] = w
		}
	} else {
		// The pool cannot absorb its budget even at the cap; the excess is
		// shared by the unweighted strategies.
		leftover := (1 - float64(len(poolIdx))*bounds.Max) / float64(len(minWeighted))
		for i := range final {
			final[i] = leftover
		}
		for _, i := range poolIdx {
			final[i] = bounds.Max
		}
	}

	weights := make(map[string]float64, len(ids))
	for i, id := range ids {
		weights[id] = final[i]
	}
	return Result{Weights: weights, Reason: ReasonRiskParity, MinWeighted: minWeighted}
}

// waterFill finds s such that sum(clamp(raw[i]*s, lo, hi)) == total and returns the
// clamped vector. Entries that hit a bound are frozen and the residual goes to
// the free entries in proportion to their raw weight.
func waterFill(raw []float64, lo, hi, total float64) []float64 {
	f := func(s float64) float64 {
		sum := 0.0
		for _, r := range raw {
			sum += clamp(r*s, lo, hi)
		}
		return sum
	}

	points := []float64{0}
	for _, r := range raw {
		if r > 0 {
			points = append(points, lo/r, hi/r)
		}
	}
	sort.Float64s(points)

	prev, fPrev := points[0], f(points[0])
	s := points[len(points)-1]
	for _, p := range points[1:] {
		fp := f(p)
		if fp >= total {
			if fp == fPrev {
				s = p
			} else {
				s = prev + (total-fPrev)*(p-prev)/(fp-fPrev)
			}
			break
		}
		prev, fPrev = p, fp
	}

	out := make([]float64, len(raw))
	for i, r := range raw {
		out[i] = clamp(r*s, lo, hi)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func equalResult(ids []string, reason string) Result {
	weights := make(map[string]float64, len(ids))
	for _, id := range ids {
		weights[id] = 1 / float64(len(ids))
	}
	return Result{Weights: weights, Reason: reason, Fallback: true}
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Gate decides whether a candidate vector replaces the last applied one.
type Gate struct {
	Threshold float64
}

// Decide returns true when the max per-id deviation exceeds the threshold or
// when the two vectors cover different ids.
func (g Gate) Decide(candidate, lastApplied map[string]float64) (bool, float64) {
	maxDev := 0.0
	sameSet := len(candidate) == len(lastApplied)
	for id, w := range candidate {
		old, ok := lastApplied[id]
		if !ok {
			sameSet = false
		}
		maxDev = math.Max(maxDev, math.Abs(w-old))
	}
	for id, old := range lastApplied {
		if _, ok := candidate[id]; !ok {
			sameSet = false
			maxDev = math.Max(maxDev, math.Abs(old))
		}
	}
	return !sameSet || maxDev > g.Threshold, maxDev
}

// Config configures an Allocator.
type Config struct {
	Mode               portfolio.AllocationMode
	Bounds             ClipBounds
	Lookback           int
	RebalanceThreshold float64
	Defaults           []string
}

// Allocator bundles the weight computation with the rebalance gate.
type Allocator struct {
	cfg  Config
	gate Gate
}

// New creates an Allocator.
func New(cfg Config) *Allocator {
	if cfg.Mode == "" {
		cfg.Mode = portfolio.ModeMaxDD
	}
	return &Allocator{cfg: cfg, gate: Gate{Threshold: cfg.RebalanceThreshold}}
}

// Mode returns the configured risk metric.
func (a *Allocator) Mode() portfolio.AllocationMode {
	return a.cfg.Mode
}

// Rebalance computes a candidate vector for active and runs it through the
// gate. force bypasses the gate. The snapshot always carries the candidate
// weights; Applied tells the caller whether to sync them.
func (a *Allocator) Rebalance(ts time.Time, active []portfolio.StrategyState, lastApplied map[string]float64, trigger string, force bool) portfolio.AllocationSnapshot {
	res := Compute(active, a.cfg.Mode, a.cfg.Bounds, a.cfg.Lookback, a.cfg.Defaults)
	applied, dev := a.gate.Decide(res.Weights, lastApplied)
	if force {
		applied = true
	}

	reason := []string{trigger}
	if res.Reason != ReasonRiskParity {
		reason = append(reason, res.Reason)
	}
	if len(res.MinWeighted) > 0 {
		reason = append(reason, "min_weight:"+strings.Join(res.MinWeighted, ","))
	}

	return portfolio.AllocationSnapshot{
		Timestamp:     ts,
		Mode:          a.cfg.Mode,
		Weights:       res.Weights,
		TriggerReason: strings.Join(reason, ";"),
		Applied:       applied,
		MaxDeviation:  dev,
	}
}
