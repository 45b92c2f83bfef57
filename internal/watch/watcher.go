package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/synclite/synclite/internal/fsops"
	"github.com/synclite/synclite/internal/state"
	"github.com/synclite/synclite/internal/workspace"
)

// DefaultDebounce is the per-path coalescing window. Editors tend to burst
// write-temp + rename + chmod; one flush per burst is what goes on the wire.
const DefaultDebounce = 150 * time.Millisecond

const opBufferSize = 64

// FileReader reads workspace files for shipping, enforcing sandbox and
// size limits. Satisfied by the filesystem mutator.
type FileReader interface {
	ReadFile(relPath string) ([]byte, string, error)
}

// Watcher turns raw filesystem notifications into a clean stream of Op
// batches: filtered, debounced per path, classified against the stored
// sync state at flush time.
type Watcher struct {
	ws       *workspace.Workspace
	store    *state.Store
	ignored  func(string) bool
	expect   *fsops.ExpectationSet
	reader   FileReader
	debounce time.Duration

	fsw *fsnotify.Watcher
	ops chan []Op

	mu     sync.Mutex
	timers map[string]*time.Timer

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(ws *workspace.Workspace, store *state.Store, ignored func(string) bool, expect *fsops.ExpectationSet, reader FileReader) *Watcher {
	return &Watcher{
		ws:       ws,
		store:    store,
		ignored:  ignored,
		expect:   expect,
		reader:   reader,
		debounce: DefaultDebounce,
		ops:      make(chan []Op, opBufferSize),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
}

// SetDebounce overrides the coalescing window.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Ops is the stream of coalesced local change batches.
func (w *Watcher) Ops() <-chan []Op {
	return w.ops
}

// Start subscribes recursively to the workspace root and launches the
// event loop.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	w.fsw = fsw

	if err := w.addRecursive(w.ws.Root); err != nil {
		fsw.Close()
		return err
	}

	w.wg.Add(1)
	go w.eventLoop(ctx)

	slog.Info("watcher started", "dir", w.ws.Root)
	return nil
}

// Stop quiesces the change stream: pending debounce timers are canceled
// and the subscription is dropped.
func (w *Watcher) Stop() {
	w.closeOnce.Do(func() {
		close(w.done)
		if w.fsw != nil {
			w.fsw.Close()
		}

		w.mu.Lock()
		for path, timer := range w.timers {
			timer.Stop()
			delete(w.timers, path)
		}
		w.mu.Unlock()

		// In-flight flushes bail out on done rather than racing a channel
		// close, so ops stays open; consumers exit via their context.
		w.wg.Wait()
		slog.Info("watcher stopped")
	})
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Chmod alone changes nothing we track.
	if event.Op == fsnotify.Chmod {
		return
	}

	if event.Name == w.ws.Root {
		return
	}

	rel, err := w.ws.RelPath(event.Name)
	if err != nil {
		return
	}
	if workspace.IsMetaPath(rel) || (w.ignored != nil && w.ignored(rel)) {
		return
	}

	// New directories must be watched before their contents settle.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				slog.Warn("watch new dir failed", "path", rel, "error", err)
			}
		}
	}

	w.schedule(rel)
}

// schedule resets the per-path debounce timer; the path's accumulated
// events only flush when the timer expires.
func (w *Watcher) schedule(rel string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}

	if timer, ok := w.timers[rel]; ok {
		timer.Stop()
	}
	w.timers[rel] = time.AfterFunc(w.debounce, func() {
		w.flush(rel)
	})
}

// flush classifies the coalesced outcome for one path by examining the
// final disk state, then emits the resulting batch.
func (w *Watcher) flush(rel string) {
	w.mu.Lock()
	delete(w.timers, rel)
	w.mu.Unlock()

	abs := filepath.Join(w.ws.Root, filepath.FromSlash(rel))

	var batch []Op
	info, err := os.Stat(abs)
	switch {
	case err == nil && info.IsDir():
		batch = w.classifyDir(rel, abs)
	case err == nil && info.Mode().IsRegular():
		batch = w.classifyFile(rel, info)
	case os.IsNotExist(err):
		batch = w.classifyGone(rel)
	default:
		return
	}

	if len(batch) == 0 {
		return
	}

	select {
	case w.ops <- batch:
	case <-w.done:
	}
}

func (w *Watcher) classifyFile(rel string, info os.FileInfo) []Op {
	content, hash, err := w.reader.ReadFile(rel)
	if err != nil {
		if errors.Is(err, fsops.ErrFileTooLarge) {
			slog.Warn("file skipped", "path", rel, "error", err)
		} else {
			slog.Debug("read for sync failed", "path", rel, "error", err)
		}
		return nil
	}

	// Drop self-induced events: the mutator announced this exact content.
	if w.expect.MatchWrite(rel, hash) {
		return nil
	}

	if cur, ok := w.store.Get(rel); ok && cur.HashEquals(hash) {
		return nil
	}

	return []Op{{
		Type:    OpWrite,
		Path:    rel,
		Content: content,
		Hash:    hash,
		ModTime: info.ModTime().UTC(),
	}}
}

// classifyDir handles a created directory: one DirCreate plus a Write per
// contained file whose content is not already recorded in state.
func (w *Watcher) classifyDir(rel, abs string) []Op {
	batch := []Op{{Type: OpDirCreate, Path: rel, ModTime: time.Now().UTC()}}

	err := filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		childRel, err := w.ws.RelPath(path)
		if err != nil {
			return nil
		}
		if workspace.IsMetaPath(childRel) || (w.ignored != nil && w.ignored(childRel)) {
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
			return nil
		}
		batch = append(batch, w.classifyFile(childRel, info)...)
		return nil
	})
	if err != nil {
		slog.Warn("dir scan failed", "path", rel, "error", err)
	}

	return batch
}

// classifyGone handles a path that no longer exists on disk: a plain file
// delete, or a directory delete enumerated from the stored state.
func (w *Watcher) classifyGone(rel string) []Op {
	now := time.Now().UTC()

	if w.expect.MatchDelete(rel) {
		return nil
	}

	if cur, ok := w.store.Get(rel); ok {
		if !cur.Exists() {
			return nil
		}
		return []Op{{Type: OpDelete, Path: rel, ModTime: now}}
	}

	// Not a tracked file: a removed directory is enumerated from state,
	// since disk can no longer tell us what was inside.
	children := w.store.ActivePathsUnder(rel)
	if len(children) == 0 {
		return nil
	}

	batch := make([]Op, 0, len(children)+1)
	for _, child := range children {
		batch = append(batch, Op{Type: OpDelete, Path: child, ModTime: now})
	}
	batch = append(batch, Op{Type: OpDirDelete, Path: rel, ModTime: now})
	return batch
}

// addRecursive watches dir and every subdirectory, skipping metadata and
// ignored trees.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("walk %s: %w", path, walkErr)
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.ws.Root {
			rel, err := w.ws.RelPath(path)
			if err != nil {
				return filepath.SkipDir
			}
			if workspace.IsMetaPath(rel) || (w.ignored != nil && w.ignored(rel)) {
				return filepath.SkipDir
			}
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
