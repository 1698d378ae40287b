// Package checkpoint persists sync forwarder progress as one JSON file
// per asset. Persist writes to a temp file and renames it into place,
// so a crash leaves either the old or the new checkpoint, never a torn
// one.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

// FileStore is a ports.CheckpointStore backed by a directory of
// per-asset JSON files.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates dir if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(assetID string) string {
	return filepath.Join(s.dir, url.PathEscape(assetID)+".checkpoint")
}

// Load returns the asset's checkpoint, or a zero-value checkpoint when
// none has been persisted yet.
func (s *FileStore) Load(assetID string) (*domain.SyncCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(assetID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &domain.SyncCheckpoint{AssetID: assetID}, nil
		}
		return nil, err
	}

	var cp domain.SyncCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint parse %s: %w", assetID, err)
	}
	return &cp, nil
}

// Persist atomically replaces the asset's checkpoint. A checkpoint
// never moves backwards: stale writes are ignored.
func (s *FileStore) Persist(cp *domain.SyncCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.loadLocked(cp.AssetID)
	if err != nil {
		return err
	}
	if prev != nil && cp.LastAckedSeq <= prev.LastAckedSeq {
		return nil
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}

	path := s.path(cp.AssetID)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) loadLocked(assetID string) (*domain.SyncCheckpoint, error) {
	data, err := os.ReadFile(s.path(assetID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cp domain.SyncCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint parse %s: %w", assetID, err)
	}
	return &cp, nil
}

var _ ports.CheckpointStore = (*FileStore)(nil)
