package dbwriter

import (
	"context"

	"go.uber.org/zap"

	"github.com/your-org/regime-allocator/internal/audit"
	"github.com/your-org/regime-allocator/internal/portfolio"
)

// dummyWriter is a no-op implementation of the Repository interface.
// It is used when the database connection is not available.
type dummyWriter struct {
	logger *zap.Logger
}

// NewDummyWriter creates a new dummy writer.
func NewDummyWriter(l *zap.Logger) Repository {
	if l == nil {
		l = zap.NewNop()
	}
	l.Info("Creating dummy DB writer because no database connection is available.")
	return &dummyWriter{logger: l}
}

// SetRunID does nothing.
func (d *dummyWriter) SetRunID(runID string) {
	d.logger.Debug("Dummy writer: SetRunID called", zap.String("runID", runID))
}

// Emit does nothing.
func (d *dummyWriter) Emit(audit.Event) {}

// SaveCheckpoint does nothing and returns nil.
func (d *dummyWriter) SaveCheckpoint(_ context.Context, cp portfolio.Checkpoint) error {
	d.logger.Debug("Dummy writer: SaveCheckpoint called", zap.Int64("tick", cp.Snapshot.Tick))
	return nil
}

// LoadLatestCheckpoint always reports that nothing is stored.
func (d *dummyWriter) LoadLatestCheckpoint(context.Context) (*portfolio.Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

// Flush does nothing.
func (d *dummyWriter) Flush() {}

// Close does nothing.
func (d *dummyWriter) Close() {
	d.logger.Debug("Dummy writer: Close called")
}
