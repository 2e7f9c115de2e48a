package allocator

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/regime-allocator/internal/portfolio"
)

var ts0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func withDrawdown(id string, dd float64) portfolio.StrategyState {
	return portfolio.StrategyState{ID: id, Lifecycle: portfolio.LifecycleActive, TrailingDrawdown: dd}
}

func withCurve(id string, equity ...float64) portfolio.StrategyState {
	s := portfolio.StrategyState{ID: id, Lifecycle: portfolio.LifecycleActive}
	for i, e := range equity {
		s.EquityCurve = append(s.EquityCurve, portfolio.EquityPoint{Timestamp: ts0.Add(time.Duration(i) * time.Minute), Equity: e})
	}
	return s
}

func assertInvariants(t *testing.T, weights map[string]float64, b ClipBounds) {
	t.Helper()
	sum := 0.0
	for id, w := range weights {
		sum += w
		assert.GreaterOrEqual(t, w, b.Min-Epsilon, "weight of %s below min", id)
		assert.LessOrEqual(t, w, b.Max+Epsilon, "weight of %s above max", id)
	}
	assert.InDelta(t, 1.0, sum, Epsilon)
}

func TestCompute_ScenarioA(t *testing.T) {
	bounds := ClipBounds{Min: 0.10, Max: 0.50}
	states := []portfolio.StrategyState{
		withDrawdown("s1", 0.02),
		withDrawdown("s2", 0.04),
		withDrawdown("s3", 0.08),
	}

	unclipped := Compute(states, portfolio.ModeMaxDD, ClipBounds{Min: 0, Max: 1}, 0, nil)
	assert.InDelta(t, 4.0/7, unclipped.Weights["s1"], 1e-12)
	assert.InDelta(t, 2.0/7, unclipped.Weights["s2"], 1e-12)
	assert.InDelta(t, 1.0/7, unclipped.Weights["s3"], 1e-12)

	res := Compute(states, portfolio.ModeMaxDD, bounds, 0, nil)
	require.Equal(t, ReasonRiskParity, res.Reason)
	assert.InDelta(t, 0.5, res.Weights["s1"], 1e-12)
	assert.InDelta(t, 1.0/3, res.Weights["s2"], 1e-12)
	assert.InDelta(t, 1.0/6, res.Weights["s3"], 1e-12)
	assertInvariants(t, res.Weights, bounds)
}

func TestCompute_MinClipLiftsSmallWeight(t *testing.T) {
	bounds := ClipBounds{Min: 0.10, Max: 0.60}
	states := []portfolio.StrategyState{
		withDrawdown("a", 0.01),
		withDrawdown("b", 0.02),
		withDrawdown("c", 0.20),
	}
	res := Compute(states, portfolio.ModeMaxDD, bounds, 0, nil)
	assert.InDelta(t, 0.10, res.Weights["c"], 1e-12)
	assert.InDelta(t, 0.60, res.Weights["a"], 1e-12)
	assert.InDelta(t, 0.30, res.Weights["b"], 1e-12)
	assertInvariants(t, res.Weights, bounds)
}

func TestCompute_UndefinedMetricGetsMinWeight(t *testing.T) {
	bounds := ClipBounds{Min: 0.10, Max: 0.80}
	states := []portfolio.StrategyState{
		withDrawdown("a", 0.02),
		withDrawdown("b", 0.04),
		withDrawdown("fresh", math.NaN()),
		withDrawdown("flat", 0),
	}
	res := Compute(states, portfolio.ModeMaxDD, bounds, 0, nil)
	assert.Equal(t, []string{"flat", "fresh"}, res.MinWeighted)
	assert.InDelta(t, 0.10, res.Weights["fresh"], 1e-12)
	assert.InDelta(t, 0.10, res.Weights["flat"], 1e-12)
	assert.InDelta(t, 0.8*2/3, res.Weights["a"], 1e-12)
	assert.InDelta(t, 0.8*1/3, res.Weights["b"], 1e-12)
	assertInvariants(t, res.Weights, bounds)
}

func TestCompute_PoolAtCapSpillsToUnweighted(t *testing.T) {
	bounds := ClipBounds{Min: 0.10, Max: 0.50}
	states := []portfolio.StrategyState{
		withDrawdown("a", 0.02),
		withDrawdown("b", math.NaN()),
		withDrawdown("c", math.NaN()),
	}
	res := Compute(states, portfolio.ModeMaxDD, bounds, 0, nil)
	assert.InDelta(t, 0.5, res.Weights["a"], 1e-12)
	assert.InDelta(t, 0.25, res.Weights["b"], 1e-12)
	assert.InDelta(t, 0.25, res.Weights["c"], 1e-12)
	assertInvariants(t, res.Weights, bounds)
}

func TestCompute_Fallbacks(t *testing.T) {
	bounds := ClipBounds{Min: 0.05, Max: 0.9}

	empty := Compute(nil, portfolio.ModeMaxDD, bounds, 0, []string{"z", "x", "x"})
	assert.True(t, empty.Fallback)
	assert.Equal(t, ReasonDefaultEqual, empty.Reason)
	assert.Equal(t, map[string]float64{"x": 0.5, "z": 0.5}, empty.Weights)

	noMetrics := Compute([]portfolio.StrategyState{withDrawdown("a", 0), withDrawdown("b", math.NaN())}, portfolio.ModeMaxDD, bounds, 0, nil)
	assert.True(t, noMetrics.Fallback)
	assert.Equal(t, ReasonActiveEqual, noMetrics.Reason)
	assert.Equal(t, map[string]float64{"a": 0.5, "b": 0.5}, noMetrics.Weights)

	infeasible := Compute([]portfolio.StrategyState{withDrawdown("a", 0.1), withDrawdown("b", 0.2)}, portfolio.ModeMaxDD, ClipBounds{Min: 0.1, Max: 0.4}, 0, nil)
	assert.Equal(t, ReasonInfeasibleBounds, infeasible.Reason)
	assert.Equal(t, map[string]float64{"a": 0.5, "b": 0.5}, infeasible.Weights)
}

func TestCompute_TieBreakAndDeterminism(t *testing.T) {
	bounds := ClipBounds{Min: 0.0, Max: 1.0}
	forward := []portfolio.StrategyState{withDrawdown("b", 0.05), withDrawdown("a", 0.05), withDrawdown("c", 0.10)}
	reversed := []portfolio.StrategyState{forward[2], forward[1], forward[0]}

	r1 := Compute(forward, portfolio.ModeMaxDD, bounds, 0, nil)
	r2 := Compute(reversed, portfolio.ModeMaxDD, bounds, 0, nil)
	assert.Equal(t, r1, r2)
	assert.Equal(t, r1.Weights["a"], r1.Weights["b"])
}

func TestCompute_EquityCurveMetrics(t *testing.T) {
	bounds := ClipBounds{Min: 0, Max: 1}
	states := []portfolio.StrategyState{
		withCurve("calm", 100, 99, 100, 101),   // 1% drawdown
		withCurve("rough", 100, 96, 100, 101),  // 4% drawdown
		withCurve("short", 100),                // falls back to trailing field
	}
	states[2].TrailingDrawdown = 0.02

	res := Compute(states, portfolio.ModeMaxDD, bounds, 0, nil)
	inv := 1/0.01 + 1/0.04 + 1/0.02
	assert.InDelta(t, (1/0.01)/inv, res.Weights["calm"], 1e-9)
	assert.InDelta(t, (1/0.04)/inv, res.Weights["rough"], 1e-9)
	assert.InDelta(t, (1/0.02)/inv, res.Weights["short"], 1e-9)

	vol := Compute(states[:2], portfolio.ModeVolatility, bounds, 0, nil)
	assert.Greater(t, vol.Weights["calm"], vol.Weights["rough"])
}

func TestRiskMetric_Lookback(t *testing.T) {
	s := withCurve("a", 100, 50, 100, 101, 102, 103)
	assert.InDelta(t, 0.5, RiskMetric(s, portfolio.ModeMaxDD, 0), 1e-12)
	assert.InDelta(t, 0.0, RiskMetric(s, portfolio.ModeMaxDD, 3), 1e-12)
}

func TestCompute_PropertyBounds(t *testing.T) {
	bounds := ClipBounds{Min: 0.05, Max: 0.35}
	for n := 3; n <= 12; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			states := make([]portfolio.StrategyState, n)
			for i := range states {
				dd := 0.005 * float64((i*7)%11+1)
				if i%5 == 4 {
					dd = math.NaN()
				}
				states[i] = withDrawdown(fmt.Sprintf("s%02d", i), dd)
			}
			res := Compute(states, portfolio.ModeMaxDD, bounds, 0, nil)
			if !bounds.Feasible(n) {
				assert.Equal(t, ReasonInfeasibleBounds, res.Reason)
				return
			}
			assertInvariants(t, res.Weights, bounds)
		})
	}
}

func TestGate_Decide(t *testing.T) {
	g := Gate{Threshold: 0.05}
	last := map[string]float64{"a": 0.5, "b": 0.5}

	applied, dev := g.Decide(map[string]float64{"a": 0.52, "b": 0.48}, last)
	assert.False(t, applied)
	assert.InDelta(t, 0.02, dev, 1e-12)

	applied, dev = g.Decide(map[string]float64{"a": 0.6, "b": 0.4}, last)
	assert.True(t, applied)
	assert.InDelta(t, 0.1, dev, 1e-12)

	applied, _ = g.Decide(map[string]float64{"a": 0.5, "c": 0.5}, last)
	assert.True(t, applied, "different id sets always apply")

	applied, _ = g.Decide(map[string]float64{"a": 1}, nil)
	assert.True(t, applied, "first allocation always applies")
}

func TestAllocator_Rebalance(t *testing.T) {
	a := New(Config{Bounds: ClipBounds{Min: 0.1, Max: 0.5}, RebalanceThreshold: 0.05})
	assert.Equal(t, portfolio.ModeMaxDD, a.Mode())

	states := []portfolio.StrategyState{withDrawdown("s1", 0.02), withDrawdown("s2", 0.04), withDrawdown("s3", 0.08)}
	first := a.Rebalance(ts0, states, nil, "cadence", false)
	assert.True(t, first.Applied)
	assert.Equal(t, "cadence", first.TriggerReason)
	assert.Equal(t, portfolio.ModeMaxDD, first.Mode)

	// Noise-level change keeps the previous vector.
	states[2].TrailingDrawdown = 0.081
	second := a.Rebalance(ts0.Add(time.Hour), states, first.Weights, "cadence", false)
	assert.False(t, second.Applied)
	assert.Less(t, second.MaxDeviation, 0.05)

	forced := a.Rebalance(ts0.Add(2*time.Hour), states, first.Weights, "forced", true)
	assert.True(t, forced.Applied)

	states[1].TrailingDrawdown = math.NaN()
	withMin := a.Rebalance(ts0, states, first.Weights, "cadence", false)
	assert.Equal(t, "cadence;min_weight:s2", withMin.TriggerReason)

	fallback := a.Rebalance(ts0, nil, nil, "active_set_changed", false)
	assert.Equal(t, "active_set_changed;fallback_default_equal", fallback.TriggerReason)
}
