// Package regime classifies market conditions into discrete trend and
// volatility labels.
package regime

import (
	"fmt"
	"strings"
)

// Trend is the direction component of a regime.
type Trend int

const (
	TrendUnknown Trend = iota
	TrendUp
	TrendDown
	TrendSideways
)

// String returns the string representation of Trend.
func (t Trend) String() string {
	switch t {
	case TrendUp:
		return "UP"
	case TrendDown:
		return "DOWN"
	case TrendSideways:
		return "SIDEWAYS"
	default:
		return "UNKNOWN"
	}
}

// Volatility is the dispersion component of a regime.
type Volatility int

const (
	VolatilityUnknown Volatility = iota
	VolatilityLow
	VolatilityHigh
)

// String returns the string representation of Volatility.
func (v Volatility) String() string {
	switch v {
	case VolatilityLow:
		return "LOW"
	case VolatilityHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// Regime is an immutable (trend, volatility) pair. The zero value is Unknown.
type Regime struct {
	Trend      Trend
	Volatility Volatility
}

// Unknown is returned when there is not enough data to classify.
var Unknown = Regime{}

const unknownLabel = "UNKNOWN"

// IsUnknown reports whether either component is undetermined.
func (r Regime) IsUnknown() bool {
	return r.Trend == TrendUnknown || r.Volatility == VolatilityUnknown
}

// Label returns the composite label, e.g. BEAR_TREND_HIGH_VOL.
func (r Regime) Label() string {
	if r.IsUnknown() {
		return unknownLabel
	}
	var trend string
	switch r.Trend {
	case TrendUp:
		trend = "BULL_TREND"
	case TrendDown:
		trend = "BEAR_TREND"
	default:
		trend = "SIDEWAYS"
	}
	return trend + "_" + r.Volatility.String() + "_VOL"
}

func (r Regime) String() string {
	return r.Label()
}

// Parse is the inverse of Label.
func Parse(label string) (Regime, error) {
	label = strings.ToUpper(strings.TrimSpace(label))
	if label == unknownLabel {
		return Unknown, nil
	}
	for _, r := range All() {
		if r.Label() == label {
			return r, nil
		}
	}
	return Unknown, fmt.Errorf("unknown regime label %q", label)
}

// All returns every classifiable regime in a fixed order.
func All() []Regime {
	return []Regime{
		{TrendUp, VolatilityLow},
		{TrendUp, VolatilityHigh},
		{TrendDown, VolatilityLow},
		{TrendDown, VolatilityHigh},
		{TrendSideways, VolatilityLow},
		{TrendSideways, VolatilityHigh},
	}
}
