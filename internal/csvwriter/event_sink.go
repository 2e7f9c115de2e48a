package csvwriter

import (
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/regime-allocator/internal/audit"
)

// EventHeader is the column layout written by EventSink.
var EventHeader = []string{"seq", "timestamp", "kind", "strategy_id", "from", "to", "weight", "message", "detail"}

// EventSink writes every audit event as one CSV row. The detail column holds
// the JSON payload of allocation, transition and snapshot events.
type EventSink struct {
	w      *Writer
	logger *zap.Logger
}

// NewEventSink creates filePath and writes the header.
func NewEventSink(filePath string, logger *zap.Logger) (*EventSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := NewWriter(filePath, EventHeader, logger)
	if err != nil {
		return nil, err
	}
	return &EventSink{w: w, logger: logger}, nil
}

// Emit implements audit.Sink.
func (s *EventSink) Emit(ev audit.Event) {
	var payload interface{}
	switch {
	case ev.Allocation != nil:
		payload = ev.Allocation
	case ev.Transition != nil:
		payload = ev.Transition
	case ev.Snapshot != nil:
		payload = ev.Snapshot
	}
	detail := ""
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("Failed to encode event detail", zap.Int64("seq", ev.Seq), zap.Error(err))
		} else {
			detail = string(b)
		}
	}

	record := []string{
		strconv.FormatInt(ev.Seq, 10),
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		string(ev.Kind),
		ev.StrategyID,
		string(ev.From),
		string(ev.To),
		strconv.FormatFloat(ev.Weight, 'g', -1, 64),
		ev.Message,
		detail,
	}
	if err := s.w.Write(record); err != nil {
		s.logger.Error("Failed to write event", zap.Int64("seq", ev.Seq), zap.Error(err))
	}
}

// Close flushes and closes the file.
func (s *EventSink) Close() error {
	return s.w.Close()
}

var _ audit.Sink = (*EventSink)(nil)
