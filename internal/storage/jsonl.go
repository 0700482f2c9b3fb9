package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	errClosed     = errors.New("jsonl writer closed")
	errBufferFull = errors.New("jsonl buffer full")
)

// JSONLWriter appends JSON lines to baseDir/<UTC date>/subDir/<name>.jsonl
// from a single goroutine. Files roll over at midnight UTC and, within a
// day, at maxSizeMB through lumberjack. Write never blocks the caller: when
// the buffer is full the record is dropped and counted.
type JSONLWriter struct {
	baseDir   string
	subDir    string
	name      string
	maxSizeMB int
	now       func() time.Time

	queue   chan any
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	dropped atomic.Int64

	// owned by the loop goroutine
	day  string
	file *lumberjack.Logger
}

// NewJSONLWriter creates a writer whose file is named after its start time.
func NewJSONLWriter(baseDir, subDir string, bufferSize int, maxSizeMB int) *JSONLWriter {
	return NewJSONLWriterNamed(baseDir, subDir, bufferSize, maxSizeMB, "")
}

// NewJSONLWriterNamed creates a writer whose files are named name.jsonl.
func NewJSONLWriterNamed(baseDir, subDir string, bufferSize int, maxSizeMB int, name string) *JSONLWriter {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	w := &JSONLWriter{
		baseDir:   baseDir,
		subDir:    subDir,
		name:      name,
		maxSizeMB: maxSizeMB,
		now:       time.Now,
		queue:     make(chan any, bufferSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Write queues record.
func (w *JSONLWriter) Write(record any) error {
	select {
	case <-w.done:
		return errClosed
	default:
	}
	select {
	case w.queue <- record:
		return nil
	default:
		if n := w.dropped.Add(1); n == 1 || n%1000 == 0 {
			slog.Warn("jsonl buffer full, dropping records", "subdir", w.subDir, "dropped", n)
		}
		return errBufferFull
	}
}

// Dropped reports how many records were discarded because the buffer was full.
func (w *JSONLWriter) Dropped() int64 { return w.dropped.Load() }

// Close stops the writer after flushing queued records. Later calls are no-ops.
func (w *JSONLWriter) Close() error {
	first := false
	w.once.Do(func() {
		first = true
		close(w.done)
	})
	if !first {
		return nil
	}
	<-w.stopped
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

func (w *JSONLWriter) loop() {
	defer close(w.stopped)
	for {
		select {
		case rec := <-w.queue:
			w.append(rec)
		case <-w.done:
			for {
				select {
				case rec := <-w.queue:
					w.append(rec)
				default:
					if n := w.dropped.Load(); n > 0 {
						slog.Info("jsonl writer closed with drops", "subdir", w.subDir, "dropped", n)
					}
					return
				}
			}
		}
	}
}

func (w *JSONLWriter) append(record any) {
	line, err := json.Marshal(record)
	if err != nil {
		slog.Error("jsonl marshal failed", "subdir", w.subDir, "error", err)
		return
	}
	now := w.now().UTC()
	if day := now.Format("2006-01-02"); day != w.day || w.file == nil {
		if err := w.open(day, now); err != nil {
			slog.Error("jsonl open failed", "subdir", w.subDir, "error", err)
			return
		}
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		slog.Error("jsonl write failed", "subdir", w.subDir, "error", err)
	}
}

func (w *JSONLWriter) open(day string, now time.Time) error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			slog.Debug("jsonl close on rollover failed", "subdir", w.subDir, "error", err)
		}
		w.file = nil
	}
	dir := filepath.Join(w.baseDir, day, w.subDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	base := w.name
	if base == "" {
		base = fmt.Sprintf("%d", now.Unix())
	}
	w.file = &lumberjack.Logger{
		Filename:   filepath.Join(dir, base+".jsonl"),
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
	}
	w.day = day
	slog.Info("jsonl file opened", "file", w.file.Filename)
	return nil
}
