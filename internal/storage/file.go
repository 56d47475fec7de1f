package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

const fileFormatVersion = 1

type fileDocument struct {
	Version   int        `json:"version"`
	Snapshots []Snapshot `json:"snapshots"`
}

// FileStore keeps the history in a single JSON document.
type FileStore struct {
	path      string
	retention int
	logger    zerolog.Logger

	mu sync.Mutex
}

// NewFileStore prepares a store backed by path. The file is created on the
// first append.
func NewFileStore(path string, retention int, logger zerolog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("storage.path is required for the file backend")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	return &FileStore{
		path:      path,
		retention: retention,
		logger:    logger.With().Str("component", "history_file").Logger(),
	}, nil
}

// Append implements History.
func (s *FileStore) Append(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshots, err := s.read()
	if err != nil {
		return err
	}
	snapshots = trim(append(snapshots, snap), s.retention)

	if err := s.write(snapshots); err != nil {
		return err
	}
	s.logger.Debug().Str("id", snap.ID).Int("retained", len(snapshots)).Msg("snapshot appended")
	return nil
}

// Latest implements History.
func (s *FileStore) Latest(ctx context.Context) (*Snapshot, error) {
	cur, _, err := s.LatestTwo(ctx)
	return cur, err
}

// LatestTwo implements History.
func (s *FileStore) LatestTwo(ctx context.Context) (*Snapshot, *Snapshot, error) {
	snapshots, err := s.All(ctx)
	if err != nil {
		return nil, nil, err
	}
	cur, prev := lastTwo(snapshots)
	return cur, prev, nil
}

// All implements History.
func (s *FileStore) All(ctx context.Context) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read()
}

// Close implements History.
func (s *FileStore) Close() error { return nil }

// read loads the document. A missing file is empty history; so is content
// that does not parse, since a crash mid-write may leave it truncated.
func (s *FileStore) read() ([]Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history file: %w", err)
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	// Releases before the versioned layout wrote a bare array.
	if data[0] == '[' {
		var legacy []Snapshot
		if err := json.Unmarshal(data, &legacy); err != nil {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("history file corrupt; treating as empty")
			return nil, nil
		}
		return legacy, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("history file corrupt; treating as empty")
		return nil, nil
	}
	return doc.Snapshots, nil
}

// write replaces the file atomically and syncs both file and directory so
// the rename survives a power loss.
func (s *FileStore) write(snapshots []Snapshot) error {
	if snapshots == nil {
		snapshots = []Snapshot{}
	}
	data, err := json.MarshalIndent(fileDocument{Version: fileFormatVersion, Snapshots: snapshots}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp history file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp history file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp history file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp history file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace history file: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			s.logger.Debug().Err(err).Msg("directory sync not supported")
		}
		_ = d.Close()
	}
	return nil
}

var _ History = (*FileStore)(nil)
