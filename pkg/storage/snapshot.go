package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/tree"
)

// Snapshot is the persisted state of a pipeline.
type Snapshot struct {
	PipelineID string        `json:"pipeline_id"`
	Generation int64         `json:"generation"`
	Status     domain.Status `json:"status"`
	Tree       tree.State    `json:"tree"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// SnapshotStore persists pipeline snapshots. Load returns an error matching
// ErrNotFound for unknown pipelines.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, pipelineID string) (*Snapshot, error)
	Delete(ctx context.Context, pipelineID string) error
}

// MemorySnapshotStore keeps snapshots in memory.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string][]byte
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string][]byte)}
}

// Save stores an encoded copy so later changes to snap are not visible.
func (s *MemorySnapshotStore) Save(_ context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.PipelineID] = data
	return nil
}

func (s *MemorySnapshotStore) Load(_ context.Context, pipelineID string) (*Snapshot, error) {
	s.mu.RLock()
	data, ok := s.snaps[pipelineID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", pipelineID, ErrNotFound)
	}
	return decodeSnapshot(data)
}

func (s *MemorySnapshotStore) Delete(_ context.Context, pipelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, pipelineID)
	return nil
}

// FileSnapshotStore writes one JSON file per pipeline into a directory.
// Writes go to a temporary file renamed into place, so a reader never sees a
// partial snapshot.
type FileSnapshotStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileSnapshotStore creates dir if needed.
func NewFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileSnapshotStore{dir: dir}, nil
}

func (s *FileSnapshotStore) path(pipelineID string) (string, error) {
	if pipelineID == "" || filepath.Base(pipelineID) != pipelineID {
		return "", fmt.Errorf("invalid pipeline id %q", pipelineID)
	}
	return filepath.Join(s.dir, pipelineID+".json"), nil
}

func (s *FileSnapshotStore) Save(_ context.Context, snap *Snapshot) error {
	target, err := s.path(snap.PipelineID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.dir, "."+snap.PipelineID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (s *FileSnapshotStore) Load(_ context.Context, pipelineID string) (*Snapshot, error) {
	target, err := s.path(pipelineID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("snapshot %s: %w", pipelineID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return decodeSnapshot(data)
}

func (s *FileSnapshotStore) Delete(_ context.Context, pipelineID string) error {
	target, err := s.path(pipelineID)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

var (
	_ SnapshotStore = (*MemorySnapshotStore)(nil)
	_ SnapshotStore = (*FileSnapshotStore)(nil)
)
