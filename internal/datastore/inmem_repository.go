package datastore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/your-org/regime-allocator/internal/marketdata"
)

// InMemRepository is an in-memory BarSource for tests and CSV-seeded replays.
type InMemRepository struct {
	mu   sync.RWMutex
	bars map[string][]marketdata.Event
}

// NewInMemRepository creates a new InMemRepository.
func NewInMemRepository() *InMemRepository {
	return &InMemRepository{bars: make(map[string][]marketdata.Event)}
}

// SeedBars allows adding bars for test setup.
func (r *InMemRepository) SeedBars(bars []marketdata.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range bars {
		r.bars[b.Symbol] = append(r.bars[b.Symbol], b)
	}
	for sym := range r.bars {
		s := r.bars[sym]
		sort.SliceStable(s, func(i, j int) bool { return s[i].Timestamp.Before(s[j].Timestamp) })
	}
}

// FetchBars returns the seeded bars for symbol in [start, end).
func (r *InMemRepository) FetchBars(_ context.Context, symbol string, start, end time.Time) ([]marketdata.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []marketdata.Event
	for _, b := range r.bars[symbol] {
		if b.Timestamp.Before(start) || !b.Timestamp.Before(end) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

var (
	_ BarSource = (*Repository)(nil)
	_ BarSource = (*InMemRepository)(nil)
)
