// Package audit defines the structured events emitted by the engine and the
// sinks that consume them.
package audit

import (
	"sync"
	"time"

	"github.com/your-org/regime-allocator/internal/portfolio"
)

// Kind is the type of an audit event.
type Kind string

const (
	KindEnable       Kind = "ENABLE"
	KindDisable      Kind = "DISABLE"
	KindSync         Kind = "SYNC"
	KindRebalance    Kind = "REBALANCE"
	KindRegimeChange Kind = "REGIME_CHANGE"
	KindSnapshot     Kind = "SNAPSHOT"
	KindCritical     Kind = "CRITICAL"
)

// Event is an immutable audit record. Only the fields relevant to Kind are set.
type Event struct {
	Seq        int64                         `json:"seq"`
	Timestamp  time.Time                     `json:"timestamp"`
	Kind       Kind                          `json:"kind"`
	StrategyID string                        `json:"strategy_id,omitempty"`
	From       portfolio.Lifecycle           `json:"from,omitempty"`
	To         portfolio.Lifecycle           `json:"to,omitempty"`
	Weight     float64                       `json:"weight,omitempty"`
	Message    string                        `json:"message,omitempty"`
	Allocation *portfolio.AllocationSnapshot `json:"allocation,omitempty"`
	Transition *portfolio.RegimeTransition   `json:"transition,omitempty"`
	Snapshot   *portfolio.PortfolioSnapshot  `json:"snapshot,omitempty"`
}

// Sink consumes audit events. Implementations must not block for long; the
// engine calls Emit from its event loop.
type Sink interface {
	Emit(ev Event)
}

// Recorder sequences events, stamps them with the current event time and fans
// them out to its sinks. It is the only Sink the engine talks to.
type Recorder struct {
	mu        sync.Mutex
	sinks     []Sink
	seq       int64
	now       time.Time
	criticals int
}

// NewRecorder creates a Recorder forwarding to sinks in order.
func NewRecorder(sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks}
}

// AddSink appends a sink.
func (r *Recorder) AddSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Advance sets the event time used for events emitted without a timestamp.
func (r *Recorder) Advance(ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = ts
}

// Now returns the current event time.
func (r *Recorder) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

// Emit stamps ev and forwards it.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.seq++
	ev.Seq = r.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now
	}
	if ev.Kind == KindCritical {
		r.criticals++
	}
	sinks := r.sinks
	r.mu.Unlock()

	for _, s := range sinks {
		s.Emit(ev)
	}
}

// Seq returns the sequence number of the last emitted event.
func (r *Recorder) Seq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// SetSeq restores the sequence counter after a checkpoint load.
func (r *Recorder) SetSeq(seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq = seq
}

// SetCriticalCount restores the CRITICAL counter after a checkpoint load.
func (r *Recorder) SetCriticalCount(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.criticals = n
}

// CriticalCount returns how many CRITICAL events went through this recorder.
func (r *Recorder) CriticalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.criticals
}
