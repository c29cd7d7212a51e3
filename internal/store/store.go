package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/forecastra/abrouter/internal/api"
)

// Store is the persistence boundary for the experiment registry. The
// lifecycle manager reads and writes through it; it is the only operation in
// the router that performs I/O, so callers bound it with a context and treat
// failures as recoverable (in-memory mutations roll back on error).
type Store interface {
	// LoadAll retrieves every persisted experiment keyed by experiment id.
	// Returns an empty map when nothing has been persisted yet.
	LoadAll(ctx context.Context) (map[string]*api.Experiment, error)

	// SaveAll persists the full experiment registry. The write replaces the
	// previous registry; every field, including nested variants, must
	// round-trip without loss.
	SaveAll(ctx context.Context, experiments map[string]*api.Experiment) error

	// Close releases resources.
	Close() error
}

// MemoryStore keeps experiments in memory with an optional JSON snapshot
// file, for single-node deployments and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	experiments  map[string]*api.Experiment
	snapshotPath string // optional file path for persistence
}

// NewMemoryStore creates an in-memory experiment store. If snapshotPath is
// non-empty, the snapshot is loaded on startup and rewritten on SaveAll.
func NewMemoryStore(snapshotPath string) (*MemoryStore, error) {
	ms := &MemoryStore{
		experiments:  make(map[string]*api.Experiment),
		snapshotPath: snapshotPath,
	}

	if snapshotPath != "" {
		if err := ms.loadSnapshot(); err != nil {
			return nil, err
		}
	}

	return ms, nil
}

func (m *MemoryStore) LoadAll(ctx context.Context) (map[string]*api.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*api.Experiment, len(m.experiments))
	for id, exp := range m.experiments {
		out[id] = exp.Clone()
	}
	return out, nil
}

func (m *MemoryStore) SaveAll(ctx context.Context, experiments map[string]*api.Experiment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	next := make(map[string]*api.Experiment, len(experiments))
	for id, exp := range experiments {
		next[id] = exp.Clone()
	}

	m.mu.Lock()
	m.experiments = next
	m.mu.Unlock()

	if m.snapshotPath != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Close() error {
	if m.snapshotPath != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snapshot map[string]*api.Experiment
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	m.mu.Lock()
	m.experiments = snapshot
	m.mu.Unlock()

	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(m.experiments, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	if dir := filepath.Dir(m.snapshotPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	// Write-then-rename so a crash mid-write never corrupts the snapshot.
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return os.Rename(tmp, m.snapshotPath)
}
