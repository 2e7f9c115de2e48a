package regime

import (
	"time"

	"github.com/your-org/regime-allocator/internal/indicator"
)

// Observation is one point of the classifier's lookback window.
type Observation struct {
	Timestamp     time.Time `json:"timestamp" msgpack:"timestamp"`
	Price         float64   `json:"price" msgpack:"price"`
	Volatility    float64   `json:"volatility" msgpack:"volatility"`
	HasVolatility bool      `json:"has_volatility" msgpack:"has_volatility"`
}

// Config holds the classifier thresholds.
type Config struct {
	Lookback             int
	TrendThreshold       float64
	TrendSmoothing       float64
	VolatilityThreshold  float64
	VolatilityPercentile float64 // used instead of VolatilityThreshold when in (0, 1)
	VolatilityWindow     int
}

const defaultTrendSmoothing = 0.1

// Classifier maps a window of observations to a Regime. It holds no state
// between calls.
type Classifier struct {
	cfg Config
}

// NewClassifier creates a Classifier, filling unset optional fields.
func NewClassifier(cfg Config) *Classifier {
	if cfg.TrendSmoothing <= 0 || cfg.TrendSmoothing > 1 {
		cfg.TrendSmoothing = defaultTrendSmoothing
	}
	if cfg.VolatilityWindow < 3 {
		cfg.VolatilityWindow = cfg.Lookback / 4
		if cfg.VolatilityWindow < 3 {
			cfg.VolatilityWindow = 3
		}
	}
	return &Classifier{cfg: cfg}
}

// Lookback returns the number of observations Classify needs.
func (c *Classifier) Lookback() int {
	return c.cfg.Lookback
}

// Classify labels the newest Lookback observations of window. Shorter windows
// yield Unknown.
func (c *Classifier) Classify(window []Observation) Regime {
	if c.cfg.Lookback < 2 || len(window) < c.cfg.Lookback {
		return Unknown
	}
	window = window[len(window)-c.cfg.Lookback:]

	prices := make([]float64, len(window))
	for i, o := range window {
		prices[i] = o.Price
	}

	return Regime{
		Trend:      c.trend(prices),
		Volatility: c.volatility(window, prices),
	}
}

func (c *Classifier) trend(prices []float64) Trend {
	momentum := indicator.EWMAMomentum(prices, c.cfg.TrendSmoothing)
	switch {
	case momentum > c.cfg.TrendThreshold:
		return TrendUp
	case momentum < -c.cfg.TrendThreshold:
		return TrendDown
	default:
		return TrendSideways
	}
}

func (c *Classifier) volatility(window []Observation, prices []float64) Volatility {
	series := indicatorSeries(window)
	usePercentile := c.cfg.VolatilityPercentile > 0 && c.cfg.VolatilityPercentile < 1

	if series == nil {
		if usePercentile {
			series = indicator.RollingRealizedVolatility(prices, c.cfg.VolatilityWindow)
		} else {
			series = []float64{indicator.CalculateRealizedVolatility(prices)}
		}
	}
	if len(series) == 0 {
		series = []float64{indicator.CalculateRealizedVolatility(prices)}
	}

	current := series[len(series)-1]
	threshold := c.cfg.VolatilityThreshold
	if usePercentile && len(series) > 1 {
		threshold = indicator.Percentile(series, c.cfg.VolatilityPercentile)
	}
	if current > threshold {
		return VolatilityHigh
	}
	return VolatilityLow
}

// indicatorSeries returns the externally supplied volatility values when every
// observation carries one.
func indicatorSeries(window []Observation) []float64 {
	series := make([]float64, 0, len(window))
	for _, o := range window {
		if !o.HasVolatility {
			return nil
		}
		series = append(series, o.Volatility)
	}
	return series
}
