// Package marketdata defines the normalized market event consumed by the engine.
package marketdata

import (
	"math"
	"time"
)

// IndicatorVolatility is the indicator key the regime classifier reads when present.
const IndicatorVolatility = "volatility"

// Event is one bar of market data. One event drives one engine tick.
type Event struct {
	Timestamp  time.Time          `json:"timestamp"`
	Symbol     string             `json:"symbol"`
	Open       float64            `json:"open"`
	High       float64            `json:"high"`
	Low        float64            `json:"low"`
	Close      float64            `json:"close"`
	Volume     float64            `json:"volume"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// GetTime returns the event timestamp.
func (e Event) GetTime() time.Time { return e.Timestamp }

// Price returns the close, falling back to the open for partial bars.
func (e Event) Price() float64 {
	if e.Close > 0 {
		return e.Close
	}
	return e.Open
}

// Indicator returns a named indicator value.
func (e Event) Indicator(name string) (float64, bool) {
	v, ok := e.Indicators[name]
	return v, ok
}

// Finite reports whether every price, the volume and every indicator is a
// finite number.
func (e Event) Finite() bool {
	for _, v := range [...]float64{e.Open, e.High, e.Low, e.Close, e.Volume} {
		if !isFinite(v) {
			return false
		}
	}
	for _, v := range e.Indicators {
		if !isFinite(v) {
			return false
		}
	}
	return true
}

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
