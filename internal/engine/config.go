package engine

import (
	"sort"
	"time"

	"go.uber.org/multierr"

	"github.com/your-org/regime-allocator/internal/allocator"
	"github.com/your-org/regime-allocator/internal/portfolio"
	"github.com/your-org/regime-allocator/internal/regime"
)

// Config is the engine's view of the configuration.
type Config struct {
	RunID string

	RegimeSymbol         string
	RegimeLookback       int
	TrendThreshold       float64
	TrendSmoothing       float64
	VolatilityThreshold  float64
	VolatilityPercentile float64
	VolatilityWindow     int
	DebounceCount        int

	AllocatorMode      portfolio.AllocationMode
	MinWeight          float64
	MaxWeight          float64
	RebalanceThreshold float64
	RebalanceCadence   int
	RiskLookback       int

	StrategyPool          []string
	RegimeWhitelists      map[string][]string
	DefaultWhitelist      []string
	ConservativeWhitelist []string

	MaxDisableRetries int
	ShutdownTimeout   time.Duration
	CallTimeout       time.Duration

	InitialCapital     float64
	ParallelFanOut     bool
	FanOutWorkers      int
	CheckpointInterval int
}

func (c *Config) applyDefaults() {
	if c.DebounceCount < 1 {
		c.DebounceCount = 1
	}
	if c.AllocatorMode == "" {
		c.AllocatorMode = portfolio.ModeMaxDD
	}
	if c.MaxDisableRetries < 1 {
		c.MaxDisableRetries = 3
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.InitialCapital <= 0 {
		c.InitialCapital = 1
	}
	if len(c.DefaultWhitelist) == 0 {
		c.DefaultWhitelist = append([]string(nil), c.StrategyPool...)
	}
}

// Validate reports every configuration problem at once. Each error satisfies
// errors.Is(err, portfolio.ErrConfiguration).
func (c Config) Validate() error {
	var err error
	if c.MinWeight < 0 || c.MaxWeight > 1 {
		err = multierr.Append(err, portfolio.ConfigErrorf("clip bounds [%g, %g] must lie within [0, 1]", c.MinWeight, c.MaxWeight))
	}
	if c.MinWeight > c.MaxWeight {
		err = multierr.Append(err, portfolio.ConfigErrorf("min_weight %g > max_weight %g", c.MinWeight, c.MaxWeight))
	}
	if c.RegimeLookback < 2 {
		err = multierr.Append(err, portfolio.ConfigErrorf("regime_lookback must be at least 2, got %d", c.RegimeLookback))
	}
	if c.RebalanceThreshold < 0 {
		err = multierr.Append(err, portfolio.ConfigErrorf("rebalance_threshold must not be negative"))
	}
	if c.RebalanceCadence < 0 {
		err = multierr.Append(err, portfolio.ConfigErrorf("rebalance_cadence must not be negative"))
	}
	if c.AllocatorMode != "" && c.AllocatorMode != portfolio.ModeMaxDD && c.AllocatorMode != portfolio.ModeVolatility {
		err = multierr.Append(err, portfolio.ConfigErrorf("unknown allocator_mode %q", c.AllocatorMode))
	}
	if len(c.StrategyPool) == 0 {
		err = multierr.Append(err, portfolio.ConfigErrorf("strategy_pool is empty"))
	}

	pool := make(map[string]bool, len(c.StrategyPool))
	for _, id := range c.StrategyPool {
		switch {
		case id == "":
			err = multierr.Append(err, portfolio.ConfigErrorf("strategy_pool contains an empty id"))
		case pool[id]:
			err = multierr.Append(err, portfolio.ConfigErrorf("duplicate strategy id %q", id))
		}
		pool[id] = true
	}

	bounds := allocator.ClipBounds{Min: c.MinWeight, Max: c.MaxWeight}
	boundsOK := c.MinWeight >= 0 && c.MaxWeight <= 1 && c.MinWeight <= c.MaxWeight
	checkIDs := func(name string, ids []string) {
		for _, id := range ids {
			if !pool[id] {
				err = multierr.Append(err, portfolio.ConfigErrorf("%s references unknown strategy %q", name, id))
			}
		}
		// A list of n strategies can only sum to 1 when n*min <= 1 <= n*max.
		if n := len(uniqueSorted(ids)); n > 0 && boundsOK && !bounds.Feasible(n) {
			err = multierr.Append(err, portfolio.ConfigErrorf("%s has %d strategies, which cannot sum to 1 within clip bounds [%g, %g]",
				name, n, c.MinWeight, c.MaxWeight))
		}
	}
	labels := make([]string, 0, len(c.RegimeWhitelists))
	for label := range c.RegimeWhitelists {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		if _, perr := regime.Parse(label); perr != nil {
			err = multierr.Append(err, portfolio.ConfigErrorf("regime_whitelists: %v", perr))
		}
		checkIDs("regime_whitelists["+label+"]", c.RegimeWhitelists[label])
	}
	checkIDs("default_whitelist", c.DefaultWhitelist)
	checkIDs("conservative_whitelist", c.ConservativeWhitelist)
	return err
}

// whitelists resolves which strategies may run in each regime.
type whitelists struct {
	byRegime     map[regime.Regime][]string
	defaults     []string
	conservative []string
}

func newWhitelists(c Config) whitelists {
	w := whitelists{
		byRegime: make(map[regime.Regime][]string, len(c.RegimeWhitelists)),
		defaults: uniqueSorted(c.DefaultWhitelist),
	}
	for label, ids := range c.RegimeWhitelists {
		r, err := regime.Parse(label)
		if err != nil {
			continue
		}
		w.byRegime[r] = uniqueSorted(ids)
	}

	// UNKNOWN maps to the most conservative set: an explicit UNKNOWN entry,
	// then conservative_whitelist, then the smallest non-empty regime list.
	switch {
	case len(w.byRegime[regime.Unknown]) > 0:
		w.conservative = w.byRegime[regime.Unknown]
	case len(c.ConservativeWhitelist) > 0:
		w.conservative = uniqueSorted(c.ConservativeWhitelist)
	default:
		for _, r := range regime.All() {
			ids := w.byRegime[r]
			if len(ids) > 0 && (w.conservative == nil || len(ids) < len(w.conservative)) {
				w.conservative = ids
			}
		}
		if w.conservative == nil {
			w.conservative = w.defaults
		}
	}
	return w
}

// For returns the whitelist for r. Missing or empty entries fall back to the
// default whitelist so the portfolio is never left without strategies.
func (w whitelists) For(r regime.Regime) []string {
	if r.IsUnknown() {
		return w.conservative
	}
	if ids := w.byRegime[r]; len(ids) > 0 {
		return ids
	}
	return w.defaults
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
