package dbwriter

import (
	"context"
	"sync"

	"github.com/your-org/regime-allocator/internal/audit"
	"github.com/your-org/regime-allocator/internal/portfolio"
)

// InMemWriter is an in-memory implementation of the Repository interface for testing.
type InMemWriter struct {
	mu                sync.RWMutex
	RunID             string
	AuditEvents       []audit.Event
	Allocations       []portfolio.AllocationSnapshot
	RegimeTransitions []portfolio.RegimeTransition
	Snapshots         []portfolio.PortfolioSnapshot
	Checkpoints       []portfolio.Checkpoint
	IsClosed          bool
}

// NewInMemWriter creates a new InMemWriter.
func NewInMemWriter() *InMemWriter {
	w := &InMemWriter{}
	w.Clear()
	return w
}

// SetRunID records the run id.
func (w *InMemWriter) SetRunID(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.RunID = runID
}

// Emit appends the event and its payload to the in-memory tables.
func (w *InMemWriter) Emit(ev audit.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.AuditEvents = append(w.AuditEvents, ev)
	if ev.Allocation != nil {
		w.Allocations = append(w.Allocations, *ev.Allocation)
	}
	if ev.Transition != nil {
		w.RegimeTransitions = append(w.RegimeTransitions, *ev.Transition)
	}
	if ev.Snapshot != nil {
		w.Snapshots = append(w.Snapshots, *ev.Snapshot)
	}
}

// SaveCheckpoint appends a checkpoint to the in-memory slice.
func (w *InMemWriter) SaveCheckpoint(_ context.Context, cp portfolio.Checkpoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Checkpoints = append(w.Checkpoints, cp)
	return nil
}

// LoadLatestCheckpoint returns the last saved checkpoint.
func (w *InMemWriter) LoadLatestCheckpoint(context.Context) (*portfolio.Checkpoint, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.Checkpoints) == 0 {
		return nil, ErrNoCheckpoint
	}
	cp := w.Checkpoints[len(w.Checkpoints)-1]
	return &cp, nil
}

// Flush does nothing; writes are immediate.
func (w *InMemWriter) Flush() {}

// Close marks the writer as closed.
func (w *InMemWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.IsClosed = true
}

// Clear resets all the in-memory slices.
func (w *InMemWriter) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.AuditEvents = make([]audit.Event, 0)
	w.Allocations = make([]portfolio.AllocationSnapshot, 0)
	w.RegimeTransitions = make([]portfolio.RegimeTransition, 0)
	w.Snapshots = make([]portfolio.PortfolioSnapshot, 0)
	w.Checkpoints = make([]portfolio.Checkpoint, 0)
	w.IsClosed = false
}

var (
	_ Repository = (*TimescaleWriter)(nil)
	_ Repository = (*InMemWriter)(nil)
	_ Repository = (*dummyWriter)(nil)
)
