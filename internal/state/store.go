package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store reads and writes the snapshot file.
type Store struct {
	path string
}

// NewStore creates a Store for the given snapshot path. The parent
// directory is created on first save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the snapshot file path.
func (s *Store) Path() string { return s.path }

// Load reads and sanitizes the snapshot. A missing or corrupt file yields
// an empty default state rather than an error: the reconciler re-derives
// what it can, and the event index simply starts empty.
func (s *Store) Load() *State {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return NewState()
	}

	st := NewState()
	if err := json.Unmarshal(data, st); err != nil {
		return NewState()
	}
	st.Sanitize()
	return st
}

// Save writes the snapshot atomically: serialize to a sibling temp file,
// fsync it, rename over the canonical path, then best-effort fsync the
// directory. An error here is fatal for the caller; the orchestrator must
// not keep acting on commitments it could not persist.
func (s *Store) Save(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}

	syncDir(dir)
	return nil
}

// syncDir fsyncs a directory so the rename itself is durable. Some
// filesystems don't support it; that is not an error worth surfacing.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
