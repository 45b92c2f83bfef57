package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/synclite/synclite/internal/utils"
	"github.com/synclite/synclite/internal/workspace"
)

// ErrStateCorrupt is returned when persisted state cannot be parsed.
var ErrStateCorrupt = errors.New("sync state corrupt")

// Store holds the canonical SyncState for a workspace and writes it through
// to .synclite/state.json. All mutations run under one write lock so the
// in-memory state and the persisted file never diverge.
type Store struct {
	mu    sync.RWMutex
	path  string
	state *SyncState
}

// Load reads the persisted sync state or starts empty when none exists.
func Load(ws *workspace.Workspace) (*Store, error) {
	s := &Store{
		path:  ws.StatePath(),
		state: NewSyncState(),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var st SyncState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStateCorrupt, s.path, err)
	}
	if st.Files == nil {
		st.Files = make(map[string]FileEntry)
	}
	s.state = &st

	slog.Debug("state loaded", "path", s.path, "entries", len(st.Files))
	return s, nil
}

// Save persists the current state via temp+rename.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := utils.EnsureParent(s.path); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := utils.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// Get returns the entry for a normalized relative path.
func (s *Store) Get(path string) (FileEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.state.Files[path]
	return e, ok
}

// Len returns the number of tracked paths, tombstones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.Files)
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Upsert inserts or replaces the entry for path, enforcing the state
// invariants, and persists the result. On persistence failure the previous
// in-memory entry is restored.
func (s *Store) Upsert(path string, entry FileEntry) error {
	if !workspace.ValidRelPath(path) {
		return fmt.Errorf("invalid sync path: %q", path)
	}
	if entry.IsDeleted != (entry.Hash == nil) {
		return fmt.Errorf("invalid entry for %q: tombstone and hash disagree", path)
	}
	entry.LastModified = entry.LastModified.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.state.Files[path]
	s.state.Files[path] = entry
	if err := s.saveLocked(); err != nil {
		if had {
			s.state.Files[path] = prev
		} else {
			delete(s.state.Files, path)
		}
		return err
	}
	return nil
}

// Tombstone marks path deleted as of the given instant. It is a no-op when
// the existing entry already carries last_modified >= at, which makes
// replayed deletes idempotent and keeps newer writes intact.
func (s *Store) Tombstone(path string, at time.Time) error {
	if !workspace.ValidRelPath(path) {
		return fmt.Errorf("invalid sync path: %q", path)
	}
	at = at.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.state.Files[path]
	if had && !prev.LastModified.Before(at) {
		return nil
	}

	s.state.Files[path] = NewTombstone(at)
	if err := s.saveLocked(); err != nil {
		if had {
			s.state.Files[path] = prev
		} else {
			delete(s.state.Files, path)
		}
		return err
	}
	return nil
}

// SetLastSync records the completion instant of a sync exchange.
func (s *Store) SetLastSync(at time.Time) error {
	at = at.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state.LastSync
	s.state.LastSync = &at
	if err := s.saveLocked(); err != nil {
		s.state.LastSync = prev
		return err
	}
	return nil
}

// ActivePathsUnder returns the live (non-tombstoned) paths at or below the
// given directory prefix. Used to enumerate the contents of a removed
// directory from state after the files are already gone from disk.
func (s *Store) ActivePathsUnder(dir string) []string {
	prefix := dir + "/"

	s.mu.RLock()
	defer s.mu.RUnlock()

	var paths []string
	for p, e := range s.state.Files {
		if !e.Exists() {
			continue
		}
		if p == dir || strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	return paths
}
