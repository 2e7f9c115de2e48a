// Package checkpoint persists engine checkpoints without a database.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/your-org/regime-allocator/internal/portfolio"
)

// ErrNotFound is returned when no checkpoint has been saved yet.
var ErrNotFound = errors.New("checkpoint not found")

// FileStore keeps the latest checkpoint in a single msgpack file. Writes go to
// a temporary file in the same directory which is then renamed over the
// target, so a crash mid-write leaves the previous checkpoint intact.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the checkpoint file path.
func (s *FileStore) Path() string { return s.path }

// SaveCheckpoint encodes cp and atomically replaces the file.
func (s *FileStore) SaveCheckpoint(ctx context.Context, cp portfolio.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msgpack.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// LoadLatestCheckpoint reads the file. A missing file returns ErrNotFound.
func (s *FileStore) LoadLatestCheckpoint(ctx context.Context) (*portfolio.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp portfolio.Checkpoint
	if err := msgpack.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", s.path, err)
	}
	return &cp, nil
}

// InMemStore keeps every saved checkpoint in memory. Used by tests and by
// replay runs that only need crash-resume inside one process.
type InMemStore struct {
	mu    sync.Mutex
	saved []portfolio.Checkpoint
}

// NewInMemStore creates an empty store.
func NewInMemStore() *InMemStore {
	return &InMemStore{}
}

// SaveCheckpoint stores a round-tripped copy so later engine mutations
// cannot leak into it.
func (s *InMemStore) SaveCheckpoint(_ context.Context, cp portfolio.Checkpoint) error {
	data, err := msgpack.Marshal(&cp)
	if err != nil {
		return err
	}
	var c portfolio.Checkpoint
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, c)
	return nil
}

// LoadLatestCheckpoint returns the most recent checkpoint.
func (s *InMemStore) LoadLatestCheckpoint(_ context.Context) (*portfolio.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return nil, ErrNotFound
	}
	cp := s.saved[len(s.saved)-1]
	return &cp, nil
}

// Len returns how many checkpoints were saved.
func (s *InMemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}
