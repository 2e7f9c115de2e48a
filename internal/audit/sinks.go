package audit

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/your-org/regime-allocator/internal/alert"
)

// ZapSink writes every event as a structured log line.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a ZapSink.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

// Emit logs ev. CRITICAL events are logged at error level and snapshots at debug.
func (s *ZapSink) Emit(ev Event) {
	fields := []zap.Field{
		zap.Int64("seq", ev.Seq),
		zap.Time("event_time", ev.Timestamp),
		zap.String("kind", string(ev.Kind)),
	}
	if ev.StrategyID != "" {
		fields = append(fields, zap.String("strategy_id", ev.StrategyID))
	}
	if ev.From != "" || ev.To != "" {
		fields = append(fields, zap.String("from", string(ev.From)), zap.String("to", string(ev.To)))
	}

	switch ev.Kind {
	case KindCritical:
		s.logger.Error(ev.Message, fields...)
	case KindSnapshot:
		if ev.Snapshot != nil {
			fields = append(fields,
				zap.String("regime", ev.Snapshot.Regime),
				zap.Float64("equity", ev.Snapshot.AggregateEquity),
				zap.Float64("drawdown", ev.Snapshot.AggregateDrawdown),
			)
		}
		s.logger.Debug("portfolio snapshot", fields...)
	case KindRebalance:
		if ev.Allocation != nil {
			fields = append(fields,
				zap.Bool("applied", ev.Allocation.Applied),
				zap.String("trigger", ev.Allocation.TriggerReason),
				zap.Any("weights", ev.Allocation.Weights),
				zap.Float64("max_deviation", ev.Allocation.MaxDeviation),
			)
		}
		s.logger.Info("rebalance", fields...)
	case KindRegimeChange:
		if ev.Transition != nil {
			fields = append(fields, zap.String("old", ev.Transition.Old), zap.String("new", ev.Transition.New))
		}
		s.logger.Info("regime change", fields...)
	case KindSync:
		s.logger.Info("weight synced", append(fields, zap.Float64("weight", ev.Weight))...)
	default:
		s.logger.Info(string(ev.Kind), append(fields, zap.String("message", ev.Message))...)
	}
}

// MemorySink keeps every event in memory. Used by tests and the replay report.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemorySink creates a MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{events: make([]Event, 0)}
}

// Emit appends ev.
func (s *MemorySink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of every recorded event.
func (s *MemorySink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByKind returns the recorded events of kind k.
func (s *MemorySink) ByKind(k Kind) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// Clear drops every recorded event.
func (s *MemorySink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make([]Event, 0)
}

// AlertSink forwards CRITICAL events to a Notifier.
type AlertSink struct {
	notifier alert.Notifier
	logger   *zap.Logger
}

// NewAlertSink creates an AlertSink.
func NewAlertSink(n alert.Notifier, logger *zap.Logger) *AlertSink {
	return &AlertSink{notifier: n, logger: logger}
}

// Emit sends CRITICAL events and ignores everything else.
func (s *AlertSink) Emit(ev Event) {
	if ev.Kind != KindCritical {
		return
	}
	msg := fmt.Sprintf("[CRITICAL] %s", ev.Message)
	if ev.StrategyID != "" {
		msg = fmt.Sprintf("[CRITICAL] %s: %s", ev.StrategyID, ev.Message)
	}
	if err := s.notifier.Send(msg); err != nil {
		s.logger.Error("Failed to send alert", zap.Error(err), zap.Int64("seq", ev.Seq))
	}
}
