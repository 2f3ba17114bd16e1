// Package store provides crash-safe position and kill-switch state
// persistence using JSON files.
//
// Each symbol's position is stored as a separate file: pos_<symbol>.json.
// Kill-switch state, when active, is stored in killswitch.json. Writes use
// atomic file replacement (write to .tmp, then rename) to prevent
// corruption from partial writes or crashes mid-save. The engine calls
// LoadPosition on startup and SavePosition from Stop and from the
// reset_account action. SaveKillSwitch/LoadKillSwitch are not called by
// the engine, so kill-switch state is not carried across a restart.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradingbus/internal/strategy"
)

// Store persists positions to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string     // directory containing pos_*.json files
	mu  sync.Mutex // serializes all file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SavePosition atomically persists the current position for a symbol.
// It writes to a .tmp file first, then renames over the target to ensure
// the file is never left in a partial state (crash-safe).
func (s *Store) SavePosition(symbol string, pos strategy.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.dir, "pos_"+symbol+".json"), pos)
}

// LoadPosition restores position for a symbol from disk.
// Returns nil, nil if no saved position exists (fresh symbol).
func (s *Store) LoadPosition(symbol string) (*strategy.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pos strategy.Position
	ok, err := s.readJSON(filepath.Join(s.dir, "pos_"+symbol+".json"), &pos)
	if err != nil || !ok {
		return nil, err
	}
	return &pos, nil
}

// KillSwitchState is the persisted record of an active kill switch. It
// matches what risk.Manager.RestoreKillSwitch accepts; the engine does not
// save or restore it, so a restart begins with the kill switch cleared.
type KillSwitchState struct {
	Active bool      `json:"active"`
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
}

// SaveKillSwitch persists the current kill-switch state.
func (s *Store) SaveKillSwitch(state KillSwitchState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.dir, "killswitch.json"), state)
}

// LoadKillSwitch restores kill-switch state. Returns a zero-value state
// and no error if nothing was ever persisted.
func (s *Store) LoadKillSwitch() (KillSwitchState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state KillSwitchState
	_, err := s.readJSON(filepath.Join(s.dir, "killswitch.json"), &state)
	return state, err
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

// readJSON reports ok=false without error when path doesn't exist.
func (s *Store) readJSON(path string, v any) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return true, nil
}
