// Package alert handles sending notifications.
package alert

import (
	"sync"

	"go.uber.org/zap"
)

// Notifier is the interface for sending alert messages.
type Notifier interface {
	Send(message string) error
	Close() error
}

// NoOpNotifier is a notifier that does nothing. It is used when alerting is disabled.
type NoOpNotifier struct{}

// NewNoOpNotifier creates a new NoOpNotifier.
func NewNoOpNotifier() *NoOpNotifier {
	return &NoOpNotifier{}
}

// Send does nothing and returns nil.
func (n *NoOpNotifier) Send(message string) error {
	return nil
}

// Close does nothing and returns nil.
func (n *NoOpNotifier) Close() error {
	return nil
}

// LogNotifier writes alerts to a dedicated zap logger, keeping the last few
// messages for the HTTP status endpoint.
type LogNotifier struct {
	logger *zap.Logger
	mu     sync.Mutex
	recent []string
	limit  int
}

// NewLogNotifier creates a LogNotifier that remembers up to limit messages.
func NewLogNotifier(logger *zap.Logger, limit int) *LogNotifier {
	if limit <= 0 {
		limit = 20
	}
	return &LogNotifier{logger: logger.Named("alert"), limit: limit}
}

// Send logs the message at error level.
func (n *LogNotifier) Send(message string) error {
	n.logger.Error(message)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recent = append(n.recent, message)
	if len(n.recent) > n.limit {
		n.recent = n.recent[len(n.recent)-n.limit:]
	}
	return nil
}

// Recent returns the most recent messages, oldest first.
func (n *LogNotifier) Recent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.recent))
	copy(out, n.recent)
	return out
}

// Close flushes the logger.
func (n *LogNotifier) Close() error {
	_ = n.logger.Sync()
	return nil
}
