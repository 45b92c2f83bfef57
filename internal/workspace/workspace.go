package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/synclite/synclite/internal/utils"
)

const (
	// MetaDirName is the per-workspace metadata directory. Nothing under it
	// is ever tracked or synced.
	MetaDirName = ".synclite"

	StateFileName = "state.json"
	PeersFileName = "peers.json"
)

// ErrPathEscape is returned when a path resolves outside the workspace root.
var ErrPathEscape = errors.New("path escapes workspace root")

// Workspace is a directory tracked by synclite, identified by its root path
// and containing a .synclite/ metadata subdirectory.
type Workspace struct {
	Root    string
	MetaDir string
}

func NewWorkspace(root string) (*Workspace, error) {
	absRoot, err := utils.ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if !utils.DirExists(absRoot) {
		return nil, fmt.Errorf("workspace root does not exist: %s", absRoot)
	}

	return &Workspace{
		Root:    absRoot,
		MetaDir: filepath.Join(absRoot, MetaDirName),
	}, nil
}

// Bootstrap creates the .synclite metadata directory.
func (w *Workspace) Bootstrap() error {
	return utils.EnsureDir(w.MetaDir)
}

func (w *Workspace) StatePath() string {
	return filepath.Join(w.MetaDir, StateFileName)
}

func (w *Workspace) PeersPath() string {
	return filepath.Join(w.MetaDir, PeersFileName)
}

// NormPath converts an OS path relative to the workspace root into the
// canonical forward-slash form used in sync state and on the wire.
func NormPath(rel string) string {
	return filepath.ToSlash(filepath.Clean(rel))
}

// RelPath returns the normalized workspace-relative path for an absolute
// path inside the workspace.
func (w *Workspace) RelPath(abs string) (string, error) {
	rel, err := filepath.Rel(w.Root, abs)
	if err != nil {
		return "", fmt.Errorf("relativize %s: %w", abs, err)
	}
	rel = NormPath(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, abs)
	}
	return rel, nil
}

// IsMetaPath reports whether the normalized relative path lies under the
// .synclite metadata directory.
func IsMetaPath(rel string) bool {
	return rel == MetaDirName || strings.HasPrefix(rel, MetaDirName+"/")
}

// ValidRelPath reports whether rel is an acceptable sync-state path:
// workspace relative, forward slashes, no leading slash, no .. segments,
// and not under .synclite/.
func ValidRelPath(rel string) bool {
	if rel == "" || rel == "." {
		return false
	}
	if strings.HasPrefix(rel, "/") || strings.Contains(rel, "\\") {
		return false
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." || seg == "" {
			return false
		}
	}
	return !IsMetaPath(rel)
}

// Resolve maps a workspace-relative path to an absolute one, enforcing the
// sandbox: the result must stay under the root after canonicalization, and
// symlinked ancestors may not escape it.
func (w *Workspace) Resolve(rel string) (string, error) {
	rel = NormPath(rel)
	if !ValidRelPath(rel) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}

	abs := filepath.Join(w.Root, filepath.FromSlash(rel))
	if abs != w.Root && !strings.HasPrefix(abs, w.Root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}

	// Canonicalize the deepest existing ancestor so a symlink inside the
	// workspace cannot point writes outside of it.
	real, err := resolveExisting(abs)
	if err != nil {
		return "", err
	}
	realRoot, err := filepath.EvalSymlinks(w.Root)
	if err != nil {
		return "", fmt.Errorf("canonicalize root: %w", err)
	}
	if real != realRoot && !strings.HasPrefix(real, realRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}

	return abs, nil
}

// resolveExisting canonicalizes path by evaluating symlinks on its deepest
// existing ancestor, then rejoining the non-existing suffix.
func resolveExisting(path string) (string, error) {
	existing := path
	var suffix []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("stat %s: %w", existing, err)
		}
		suffix = append([]string{filepath.Base(existing)}, suffix...)
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}

	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s: %w", existing, err)
	}
	return filepath.Join(append([]string{real}, suffix...)...), nil
}
