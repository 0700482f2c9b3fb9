package storage

import (
	"log/slog"
	"sync"
)

// WriterRegistry manages one JSONLWriter per subdirectory, so each streaming
// server variant gets its own frame log.
type WriterRegistry struct {
	baseDir    string
	maxSizeMB  int
	bufferSize int
	name       string

	writers map[string]*JSONLWriter
	mu      sync.RWMutex
}

// NewWriterRegistry creates a registry. name is the file base name shared
// by every writer; empty means timestamped files.
func NewWriterRegistry(baseDir string, bufferSize int, maxSizeMB int, name string) *WriterRegistry {
	return &WriterRegistry{
		baseDir:    baseDir,
		maxSizeMB:  maxSizeMB,
		bufferSize: bufferSize,
		name:       name,
		writers:    make(map[string]*JSONLWriter),
	}
}

// GetWriter returns (or creates) the writer for subDir.
func (r *WriterRegistry) GetWriter(subDir string) *JSONLWriter {
	r.mu.RLock()
	if writer, ok := r.writers[subDir]; ok {
		r.mu.RUnlock()
		return writer
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if writer, ok := r.writers[subDir]; ok {
		return writer
	}

	writer := NewJSONLWriterNamed(r.baseDir, subDir, r.bufferSize, r.maxSizeMB, r.name)
	r.writers[subDir] = writer

	slog.Info("Created new JSONL writer", "subdir", subDir, "name", r.name)
	return writer
}

// Close closes all managed writers.
func (r *WriterRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for subDir, writer := range r.writers {
		if err := writer.Close(); err != nil {
			slog.Error("Failed to close writer", "subdir", subDir, "error", err)
			lastErr = err
		}
	}
	r.writers = make(map[string]*JSONLWriter)
	return lastErr
}
