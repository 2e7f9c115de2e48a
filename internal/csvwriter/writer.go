// Package csvwriter writes replay output as CSV so two runs can be diffed.
package csvwriter

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Writer is a simple CSV writer.
type Writer struct {
	file   *os.File
	writer *csv.Writer
	logger *zap.Logger
	mu     sync.Mutex
}

// NewWriter creates a new CSV writer and writes header when it is non-empty.
func NewWriter(filePath string, header []string, logger *zap.Logger) (*Writer, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSV file: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Writer{
		file:   file,
		writer: csv.NewWriter(file),
		logger: logger,
	}
	if len(header) > 0 {
		if err := w.Write(header); err != nil {
			file.Close()
			return nil, err
		}
	}
	return w, nil
}

// Write writes a record to the CSV file.
func (w *Writer) Write(record []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write record to CSV: %w", err)
	}
	return nil
}

// Flush flushes any buffered data to the underlying file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writer.Flush()
	return w.writer.Error()
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
