package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// Storage owns the service data directory and the small JSON state files
// kept in it between restarts.
type Storage struct {
	baseDir string
	mu      sync.RWMutex
}

func New(baseDir string) (*Storage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	stateDir := filepath.Join(baseDir, "state")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, err
	}
	return &Storage{baseDir: baseDir}, nil
}

func (s *Storage) statePath(name string) string {
	return filepath.Join(s.baseDir, "state", name+".json")
}

func (s *Storage) SaveState(name string, state interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.statePath(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath(name))
}

// LoadState decodes a saved state into state. It reports false when nothing
// has been saved under name yet.
func (s *Storage) LoadState(name string, state interface{}) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.statePath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, json.Unmarshal(data, state)
}
