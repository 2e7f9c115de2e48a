package dbwriter

import (
	"context"

	"github.com/your-org/regime-allocator/internal/audit"
	"github.com/your-org/regime-allocator/internal/checkpoint"
	"github.com/your-org/regime-allocator/internal/portfolio"
)

// ErrNoCheckpoint is returned when the checkpoints table is empty. It is the
// same sentinel the file store uses so callers check one error.
var ErrNoCheckpoint = checkpoint.ErrNotFound

// Repository persists the audit trail and engine checkpoints.
// This allows for mocking in tests and running without a database.
type Repository interface {
	audit.Sink

	// SetRunID tags every subsequently written row.
	SetRunID(runID string)

	// SaveCheckpoint flushes buffered audit rows and stores cp.
	SaveCheckpoint(ctx context.Context, cp portfolio.Checkpoint) error

	// LoadLatestCheckpoint returns the most recent checkpoint of any run.
	LoadLatestCheckpoint(ctx context.Context) (*portfolio.Checkpoint, error)

	// Flush writes buffered rows now.
	Flush()

	// Close flushes any buffered data and closes the database connection.
	Close()
}
