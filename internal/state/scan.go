package state

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/synclite/synclite/internal/utils"
	"github.com/synclite/synclite/internal/workspace"
)

// Scan walks the workspace and produces the current on-disk state by
// hashing every regular file. The metadata directory and ignored paths are
// skipped; last_modified comes from the filesystem mtime.
func Scan(ws *workspace.Workspace, ignored func(string) bool) (*SyncState, error) {
	scanned := NewSyncState()

	err := filepath.WalkDir(ws.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("walk %s: %w", path, walkErr)
		}
		if path == ws.Root {
			return nil
		}

		rel, err := ws.RelPath(path)
		if err != nil {
			return err
		}

		if workspace.IsMetaPath(rel) || (ignored != nil && ignored(rel)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			slog.Warn("scan skipping file", "path", rel, "error", err)
			return nil
		}

		hash, err := utils.HashFile(path)
		if err != nil {
			slog.Warn("scan failed to hash file", "path", rel, "error", err)
			return nil
		}

		scanned.Files[rel] = NewFileEntry(hash, info.ModTime())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}

	return scanned, nil
}

// ReconcileWithDisk aligns the stored state with the result of a fresh
// scan. Files created or modified while the process was down are picked up
// with their filesystem mtimes; stored paths that vanished from disk gain a
// tombstone dated now, which is how an offline deletion survives a restart.
func (s *Store) ReconcileWithDisk(ws *workspace.Workspace, ignored func(string) bool) error {
	disk, err := Scan(ws, ignored)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for path, diskEntry := range disk.Files {
		cur, ok := s.state.Files[path]
		if ok && cur.Exists() && cur.Equal(diskEntry) {
			continue
		}
		if ok && cur.Exists() && cur.HashEquals(*diskEntry.Hash) {
			// Same content, keep the stored write time.
			continue
		}
		s.state.Files[path] = diskEntry
		changed++
	}

	tombstoned := 0
	for path, cur := range s.state.Files {
		if !cur.Exists() {
			continue
		}
		if _, onDisk := disk.Files[path]; !onDisk {
			s.state.Files[path] = NewTombstone(now)
			tombstoned++
		}
	}

	if changed == 0 && tombstoned == 0 {
		return nil
	}

	slog.Info("state reconciled with disk", "updated", changed, "tombstoned", tombstoned)
	return s.saveLocked()
}
