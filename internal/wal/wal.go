package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/forecastra/abrouter/internal/api"
)

// ObservationWAL provides write-ahead logging for recorded observations.
// Each observation is appended and fsynced before it is folded into the
// in-memory aggregator, so running statistics can be rebuilt after a
// restart by replaying the log. Files roll daily.
type ObservationWAL struct {
	mu   sync.Mutex
	file *os.File
	path string
	dir  string
}

// NewObservationWAL creates or opens the current daily WAL file.
func NewObservationWAL(dirPath string) (*ObservationWAL, error) {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	walPath := filepath.Join(dirPath, fmt.Sprintf("observations-%s.wal", time.Now().Format("20060102")))

	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &ObservationWAL{
		file: file,
		path: walPath,
		dir:  dirPath,
	}, nil
}

// Append writes one observation to the WAL with fsync.
func (w *ObservationWAL) Append(obs api.Observation) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("failed to marshal observation: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}

	// fsync before acknowledging: the aggregator is rebuilt from this log.
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	return nil
}

// Close flushes and closes the WAL.
func (w *ObservationWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Replay reads every observation from all WAL files in a directory, oldest
// file first, preserving within-file order. Malformed lines are skipped.
func Replay(dirPath string) ([]api.Observation, error) {
	matches, err := filepath.Glob(filepath.Join(dirPath, "observations-*.wal"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var out []api.Observation
	for _, path := range matches {
		entries, err := replayFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func replayFile(path string) ([]api.Observation, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var out []api.Observation
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var obs api.Observation
		if err := json.Unmarshal(line, &obs); err != nil {
			continue // skip malformed lines
		}
		out = append(out, obs)
	}

	return out, scanner.Err()
}

// Rotate closes the current WAL and opens a fresh daily file, returning the
// new WAL and the path of the closed file.
func Rotate(currentWAL *ObservationWAL) (*ObservationWAL, string, error) {
	currentWAL.mu.Lock()
	oldPath := currentWAL.path
	dir := currentWAL.dir
	currentWAL.mu.Unlock()

	if err := currentWAL.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close current WAL: %w", err)
	}

	newWAL, err := NewObservationWAL(dir)
	if err != nil {
		return nil, "", err
	}

	return newWAL, oldPath, nil
}
