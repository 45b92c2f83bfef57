package fsops

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/synclite/synclite/internal/state"
	"github.com/synclite/synclite/internal/utils"
	"github.com/synclite/synclite/internal/workspace"
)

// DefaultMaxFileSize is the ceiling on a single synced file.
const DefaultMaxFileSize = 16 << 20

// ErrFileTooLarge is returned when a file exceeds the configured ceiling.
var ErrFileTooLarge = errors.New("file exceeds size limit")

// Mutator is the single chokepoint between sync logic and the workspace:
// every write and delete goes through it so the sync state and the
// filesystem cannot diverge. All paths are sandboxed to the workspace root.
type Mutator struct {
	ws          *workspace.Workspace
	store       *state.Store
	expect      *ExpectationSet
	maxFileSize int64
}

func NewMutator(ws *workspace.Workspace, store *state.Store, expect *ExpectationSet) *Mutator {
	return &Mutator{
		ws:          ws,
		store:       store,
		expect:      expect,
		maxFileSize: DefaultMaxFileSize,
	}
}

func (m *Mutator) SetMaxFileSize(limit int64) {
	if limit > 0 {
		m.maxFileSize = limit
	}
}

func (m *Mutator) MaxFileSize() int64 {
	return m.maxFileSize
}

// WriteFile writes content at the workspace-relative path, stamps the file
// mtime, and records the entry in the sync state. The expectation set is
// primed first so the watcher drops the resulting event.
func (m *Mutator) WriteFile(relPath string, content []byte, lastModified time.Time) error {
	abs, err := m.ws.Resolve(relPath)
	if err != nil {
		return err
	}
	if int64(len(content)) > m.maxFileSize {
		return fmt.Errorf("%w: %s (%d bytes)", ErrFileTooLarge, relPath, len(content))
	}

	if err := utils.EnsureParent(abs); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", relPath, err)
	}

	hash := utils.HashBytes(content)
	m.expect.ExpectWrite(relPath, hash)

	if err := utils.WriteFileAtomic(abs, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", relPath, err)
	}
	if err := os.Chtimes(abs, lastModified, lastModified); err != nil {
		// Not all platforms or filesystems allow it; LWW still works off
		// the state entry.
		slog.Debug("chtimes failed", "path", relPath, "error", err)
	}

	if err := m.store.Upsert(relPath, state.NewFileEntry(hash, lastModified)); err != nil {
		return fmt.Errorf("record %s: %w", relPath, err)
	}
	return nil
}

// BatchDelete unlinks the given workspace-relative paths, ignoring files
// already absent, and tombstones each at the given instant. Parent
// directories left empty are pruned.
func (m *Mutator) BatchDelete(relPaths []string, at time.Time) error {
	var firstErr error
	for _, relPath := range relPaths {
		if err := m.DeleteFile(relPath, at); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeleteFile unlinks one file (ignoring an already-absent one) and
// tombstones it at the given instant.
func (m *Mutator) DeleteFile(relPath string, at time.Time) error {
	abs, err := m.ws.Resolve(relPath)
	if err != nil {
		return err
	}

	m.expect.ExpectDelete(relPath)

	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", relPath, err)
	}
	if err := m.store.Tombstone(relPath, at); err != nil {
		return fmt.Errorf("tombstone %s: %w", relPath, err)
	}

	m.pruneEmptyParents(abs)
	return nil
}

// pruneEmptyParents removes now-empty directories between the deleted file
// and the workspace root.
func (m *Mutator) pruneEmptyParents(abs string) {
	dir := filepath.Dir(abs)
	for dir != m.ws.Root && len(dir) > len(m.ws.Root) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		rel, err := m.ws.RelPath(dir)
		if err != nil {
			return
		}
		m.expect.ExpectDelete(rel)
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// EnsureDir creates the directory tree idempotently. Directories are
// implicit in the sync state, so nothing is recorded.
func (m *Mutator) EnsureDir(relPath string) error {
	abs, err := m.ws.Resolve(relPath)
	if err != nil {
		return err
	}
	return utils.EnsureDir(abs)
}

// PruneDir removes a directory if it is empty. Contained files travel as
// explicit per-path deletes, so by the time a dir delete applies there is
// nothing left to remove but the directory itself.
func (m *Mutator) PruneDir(relPath string) error {
	abs, err := m.ws.Resolve(relPath)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read dir %s: %w", relPath, err)
	}
	if len(entries) > 0 {
		return nil
	}
	m.expect.ExpectDelete(relPath)
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("prune dir %s: %w", relPath, err)
	}
	return nil
}

// ReadFile reads a workspace file for shipping to a peer, enforcing the
// sandbox and the size ceiling.
func (m *Mutator) ReadFile(relPath string) ([]byte, string, error) {
	abs, err := m.ws.Resolve(relPath)
	if err != nil {
		return nil, "", err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, "", fmt.Errorf("stat %s: %w", relPath, err)
	}
	if info.Size() > m.maxFileSize {
		return nil, "", fmt.Errorf("%w: %s (%d bytes)", ErrFileTooLarge, relPath, info.Size())
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", relPath, err)
	}
	return content, utils.HashBytes(content), nil
}
