// Package signal provides the reference strategies: signal generation with
// hold confirmation, and position management on top of an executor.
package signal

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/your-org/regime-allocator/internal/indicator"
	"github.com/your-org/regime-allocator/pkg/ringbuf"
)

// SignalType represents the type of trading signal.
type SignalType int

const (
	// SignalNone indicates no signal.
	SignalNone SignalType = iota
	// SignalLong indicates a long signal.
	SignalLong
	// SignalShort indicates a short signal.
	SignalShort
)

// String returns the string representation of SignalType.
func (s SignalType) String() string {
	switch s {
	case SignalLong:
		return "LONG"
	case SignalShort:
		return "SHORT"
	case SignalNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// Kind selects how the signal value is computed.
type Kind string

const (
	// KindMomentum follows the EWMA return normalized by its EWM deviation.
	KindMomentum Kind = "momentum"
	// KindMeanReversion fades the z-score of price against its rolling mean.
	KindMeanReversion Kind = "mean_reversion"
	// KindContrarian fades the log return over the lookback.
	KindContrarian Kind = "contrarian"
)

// ParseKind validates a configured strategy kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindMomentum, KindMeanReversion, KindContrarian:
		return k, nil
	default:
		return "", fmt.Errorf("unknown strategy kind %q", s)
	}
}

// TradingSignal holds a confirmed signal with its TP/SL levels.
type TradingSignal struct {
	Type         SignalType
	EntryPrice   float64
	TakeProfit   float64
	StopLoss     float64
	TriggerValue float64
	TriggerTime  time.Time
}

// EngineConfig configures a SignalEngine.
type EngineConfig struct {
	Kind      Kind
	Lookback  int
	Threshold float64
	// HoldBars is how many consecutive bars a raw signal must persist.
	HoldBars   int
	TakeProfit float64 // relative to entry, e.g. 0.02
	StopLoss   float64 // relative to entry, e.g. 0.01
	EWMALambda float64
}

// EngineState is the serializable part of a SignalEngine.
type EngineState struct {
	Prices        []float64  `json:"prices" msgpack:"prices"`
	CurrentSignal SignalType `json:"current_signal" msgpack:"current_signal"`
	HeldBars      int        `json:"held_bars" msgpack:"held_bars"`
	LastSignal    SignalType `json:"last_signal" msgpack:"last_signal"`
}

// SignalEngine evaluates a price series and confirms signals after they have
// been held for HoldBars bars.
type SignalEngine struct {
	cfg    EngineConfig
	prices *ringbuf.RingBuffer[float64]

	currentSignal SignalType
	heldBars      int
	lastSignal    SignalType
	lastValue     float64
}

// NewSignalEngine creates a SignalEngine.
func NewSignalEngine(cfg EngineConfig) *SignalEngine {
	if cfg.Lookback < 3 {
		cfg.Lookback = 3
	}
	if cfg.HoldBars < 1 {
		cfg.HoldBars = 1
	}
	if cfg.EWMALambda <= 0 || cfg.EWMALambda > 1 {
		cfg.EWMALambda = 0.2
	}
	return &SignalEngine{cfg: cfg, prices: ringbuf.New[float64](cfg.Lookback + 1)}
}

// Update appends a price.
func (e *SignalEngine) Update(price float64) {
	if price > 0 {
		e.prices.Add(price)
	}
}

// Value returns the raw signal value for the current window, or NaN while
// the window is filling.
func (e *SignalEngine) Value() float64 {
	if !e.prices.Full() {
		return math.NaN()
	}
	prices := e.prices.Chronological()
	last := prices[len(prices)-1]

	switch e.cfg.Kind {
	case KindMomentum:
		vc := indicator.NewVolatilityCalculator(e.cfg.EWMALambda)
		for _, p := range prices {
			vc.Update(p)
		}
		sd := vc.GetEWMStandardDeviation()
		if sd == 0 {
			return 0
		}
		return vc.GetEWMAReturn() / sd
	case KindMeanReversion:
		mean, sd := stat.MeanStdDev(prices[:len(prices)-1], nil)
		if sd == 0 || math.IsNaN(sd) {
			return 0
		}
		return -(last - mean) / sd
	case KindContrarian:
		return -math.Log(last / prices[0])
	default:
		return 0
	}
}

// Evaluate updates the hold state for the current window and returns a
// signal when one is newly confirmed.
func (e *SignalEngine) Evaluate(now time.Time) *TradingSignal {
	v := e.Value()
	e.lastValue = v

	raw := SignalNone
	switch {
	case math.IsNaN(v):
	case v >= e.cfg.Threshold:
		raw = SignalLong
	case v <= -e.cfg.Threshold:
		raw = SignalShort
	}

	if raw != e.currentSignal {
		e.currentSignal = raw
		e.heldBars = 0
	}
	if raw == SignalNone {
		e.lastSignal = SignalNone
		return nil
	}
	e.heldBars++
	if e.heldBars < e.cfg.HoldBars || e.lastSignal == raw {
		return nil
	}
	e.lastSignal = raw

	entry, _ := e.prices.Last()
	sig := &TradingSignal{Type: raw, EntryPrice: entry, TriggerValue: v, TriggerTime: now}
	if raw == SignalLong {
		sig.TakeProfit = entry * (1 + e.cfg.TakeProfit)
		sig.StopLoss = entry * (1 - e.cfg.StopLoss)
	} else {
		sig.TakeProfit = entry * (1 - e.cfg.TakeProfit)
		sig.StopLoss = entry * (1 + e.cfg.StopLoss)
	}
	return sig
}

// CurrentSignal returns the raw signal currently being held.
func (e *SignalEngine) CurrentSignal() SignalType {
	return e.currentSignal
}

// State exports the engine.
func (e *SignalEngine) State() EngineState {
	return EngineState{
		Prices:        e.prices.Chronological(),
		CurrentSignal: e.currentSignal,
		HeldBars:      e.heldBars,
		LastSignal:    e.lastSignal,
	}
}

// Restore loads an exported state.
func (e *SignalEngine) Restore(s EngineState) {
	e.prices.Reset(s.Prices)
	e.currentSignal = s.CurrentSignal
	e.heldBars = s.HeldBars
	e.lastSignal = s.LastSignal
}
