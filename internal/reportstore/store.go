package reportstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/google/uuid"
)

// Meta describes a stored report.
type Meta struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Symbol     string    `json:"symbol"`
	Timeframe  string    `json:"timeframe"`
	Script     string    `json:"script,omitempty"`
	Mode       string    `json:"mode,omitempty"`
	TradeCount int       `json:"trade_count"`
	Currency   string    `json:"currency,omitempty"`
	SizeBytes  int       `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store keeps reports as JSON files with a metadata sidecar.
type Store struct {
	dir string
	now func() time.Time
	mu  sync.RWMutex
}

// NewStore creates a Store and ensures the directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("report store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

func validateID(id string) error {
	if err := uuid.Validate(id); err != nil {
		return apperr.Newf(apperr.CodeValidation, "invalid report id: %q", id)
	}
	return nil
}

func (s *Store) metaPath(id string) string   { return filepath.Join(s.dir, id+".json") }
func (s *Store) reportPath(id string) string { return filepath.Join(s.dir, id+".report.json") }

// Save assigns an id and writes report plus metadata.
func (s *Store) Save(meta Meta, report any) (Meta, error) {
	body, err := json.Marshal(report)
	if err != nil {
		return Meta{}, fmt.Errorf("report store: marshal report: %w", err)
	}
	meta.ID = uuid.NewString()
	meta.SizeBytes = len(body)
	meta.CreatedAt = s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.reportPath(meta.ID), body, 0o644); err != nil {
		return Meta{}, fmt.Errorf("report store: write report: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.Remove(s.reportPath(meta.ID))
		return Meta{}, fmt.Errorf("report store: marshal meta: %w", err)
	}
	if err := os.WriteFile(s.metaPath(meta.ID), data, 0o644); err != nil {
		_ = os.Remove(s.reportPath(meta.ID))
		return Meta{}, fmt.Errorf("report store: write meta: %w", err)
	}
	slog.Debug("report stored", "id", meta.ID, "symbol", meta.Symbol, "bytes", meta.SizeBytes)
	return meta, nil
}

// Get reads report metadata by id.
func (s *Store) Get(id string) (Meta, error) {
	if err := validateID(id); err != nil {
		return Meta{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readMeta(s.metaPath(id), id)
}

func (s *Store) readMeta(path, id string) (Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Meta{}, apperr.Newf(apperr.CodeNotFound, "report not found: %s", id)
		}
		return Meta{}, fmt.Errorf("report store: read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("report store: unmarshal meta: %w", err)
	}
	return meta, nil
}

// List returns stored reports, newest first.
func (s *Store) List() ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("report store: list: %w", err)
	}
	metas := make([]Meta, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		id := name[:len(name)-len(filepath.Ext(name))]
		if e.IsDir() || filepath.Ext(name) != ".json" || validateID(id) != nil {
			continue
		}
		meta, err := s.readMeta(filepath.Join(s.dir, name), id)
		if err != nil {
			slog.Debug("skipping unreadable report meta", "file", name, "error", err)
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

// ReadReport returns the stored report document.
func (s *Store) ReadReport(id string) (json.RawMessage, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.reportPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.Newf(apperr.CodeNotFound, "report body not found: %s", id)
		}
		return nil, fmt.Errorf("report store: read report: %w", err)
	}
	return data, nil
}

// Delete removes a report and its metadata.
func (s *Store) Delete(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.reportPath(id)); err != nil {
		slog.Debug("report body cleanup failed", "id", id, "error", err)
	}
	if err := os.Remove(s.metaPath(id)); err != nil {
		return fmt.Errorf("report store: delete meta: %w", err)
	}
	return nil
}
