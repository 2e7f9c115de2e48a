// Package position tracks a single-instrument position and its realized PnL.
package position

import (
	"fmt"
	"math"
	"sync"
)

// Snapshot is the serializable form of a Position.
type Snapshot struct {
	Size          float64 `json:"size" msgpack:"size"`
	AvgEntryPrice float64 `json:"avg_entry_price" msgpack:"avg_entry_price"`
	RealizedPnL   float64 `json:"realized_pnl" msgpack:"realized_pnl"`
}

// Position holds a signed size (negative is short), the average entry price
// and the PnL realized so far.
type Position struct {
	mu       sync.RWMutex
	size     float64
	avgEntry float64
	realized float64
}

// New creates a flat Position.
func New() *Position {
	return &Position{}
}

// Apply books a fill of tradeSize (signed) at tradePrice and returns the PnL
// realized by it. A fill that crosses zero closes the old side and opens the
// remainder at tradePrice.
func (p *Position) Apply(tradeSize, tradePrice float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tradeSize == 0 {
		return 0
	}
	if p.size == 0 {
		p.size = tradeSize
		p.avgEntry = tradePrice
		return 0
	}

	// Adding to the same side.
	if (p.size > 0) == (tradeSize > 0) {
		newSize := p.size + tradeSize
		p.avgEntry = (p.size*p.avgEntry + tradeSize*tradePrice) / newSize
		p.size = newSize
		return 0
	}

	closed := math.Min(math.Abs(tradeSize), math.Abs(p.size))
	pnl := (tradePrice - p.avgEntry) * closed
	if p.size < 0 {
		pnl = -pnl
	}
	p.realized += pnl

	newSize := p.size + tradeSize
	switch {
	case math.Abs(newSize) < 1e-12:
		p.size, p.avgEntry = 0, 0
	case (newSize > 0) != (p.size > 0):
		p.size, p.avgEntry = newSize, tradePrice
	default:
		p.size = newSize
	}
	return pnl
}

// Get returns the size and average entry price.
func (p *Position) Get() (float64, float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size, p.avgEntry
}

// IsFlat reports whether there is no open size.
func (p *Position) IsFlat() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size == 0
}

// Unrealized marks the open size to mark.
func (p *Position) Unrealized(mark float64) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.size == 0 {
		return 0
	}
	return (mark - p.avgEntry) * p.size
}

// Realized returns the PnL realized since creation.
func (p *Position) Realized() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realized
}

// Snapshot exports the position.
func (p *Position) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{Size: p.size, AvgEntryPrice: p.avgEntry, RealizedPnL: p.realized}
}

// Restore replaces the position with s.
func (p *Position) Restore(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.size, p.avgEntry, p.realized = s.Size, s.AvgEntryPrice, s.RealizedPnL
}

func (p *Position) String() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fmt.Sprintf("Position{Size: %.4f, AvgEntryPrice: %.2f, Realized: %.2f}", p.size, p.avgEntry, p.realized)
}
