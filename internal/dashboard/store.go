package dashboard

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"adx-trader/internal/events"
)

// Store keeps the latest snapshot. The loop is the only writer; readers get
// private copies.
type Store struct {
	mu      sync.RWMutex
	latest  Snapshot
	set     bool
	bus     *events.Bus
	version uint64
}

// NewStore creates an empty store. When bus is non-nil every Set is
// published as EventSnapshot.
func NewStore(bus *events.Bus) *Store {
	return &Store{bus: bus}
}

// Set replaces the latest snapshot.
func (s *Store) Set(snap Snapshot) {
	s.mu.Lock()
	s.latest = snap.copy()
	s.set = true
	s.version++
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.EventSnapshot, snap.copy())
	}
}

// Latest returns a copy of the last snapshot and whether one exists.
func (s *Store) Latest() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return Snapshot{}, false
	}
	return s.latest.copy(), true
}

// Version counts Set calls.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// ExportFile writes the latest snapshot as indented JSON. The file is
// replaced atomically so readers never see a partial document.
func (s *Store) ExportFile(path string) error {
	snap, ok := s.Latest()
	if !ok {
		return fmt.Errorf("export snapshot: no snapshot yet")
	}
	return WriteFile(path, snap)
}

// WriteFile writes snap to path through a temp file and rename.
func WriteFile(path string, snap Snapshot) error {
	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(body, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	log.Printf("📸 snapshot exported to %s", path)
	return nil
}
