package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/synclite/synclite/internal/fsops"
	"github.com/synclite/synclite/internal/msg"
	"github.com/synclite/synclite/internal/state"
	"github.com/synclite/synclite/internal/watch"
	"github.com/synclite/synclite/internal/workspace"
)

// Broadcaster ships a message to remote participants. At the leader this
// fans out to every live session except the excluded one; at a peer it is
// the single upstream session.
type Broadcaster interface {
	Broadcast(m *msg.Message, excludeID string)
}

// Role decides tie-breaks on equal timestamps: the leader keeps its own
// entry, a peer treats the leader as authoritative.
type Role uint8

const (
	RolePeer Role = iota
	RoleLeader
)

// Engine wires the watcher, the state store, the mutator and the transport
// together: local watcher batches are applied to the state and shipped out,
// inbound pushes are applied through the mutator under an LWW gate.
type Engine struct {
	ws      *workspace.Workspace
	store   *state.Store
	mutator *fsops.Mutator
	watcher *watch.Watcher
	role    Role

	broadcaster Broadcaster
}

func New(ws *workspace.Workspace, store *state.Store, mutator *fsops.Mutator, watcher *watch.Watcher) *Engine {
	return &Engine{
		ws:      ws,
		store:   store,
		mutator: mutator,
		watcher: watcher,
	}
}

// SetBroadcaster attaches the transport once it exists; until then local
// changes are recorded in state but not shipped.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.broadcaster = b
}

// SetRole fixes the tie-break role before the transport starts.
func (e *Engine) SetRole(role Role) {
	e.role = role
}

// Run pumps watcher batches until the context is canceled or the watcher
// stops. Each batch is applied to local state before it is sent on the
// wire, so receivers can never observe a change the originator has not
// persisted.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-e.watcher.Ops():
			if !ok {
				return nil
			}
			e.handleLocalBatch(batch)
		}
	}
}

func (e *Engine) handleLocalBatch(batch []watch.Op) {
	push := &msg.FileUpdatePush{
		FilesToWrite:  make(map[string]msg.FileData),
		PathsToDelete: make(map[string]time.Time),
	}

	for _, op := range batch {
		switch op.Type {
		case watch.OpWrite:
			if err := e.store.Upsert(op.Path, state.NewFileEntry(op.Hash, op.ModTime)); err != nil {
				slog.Warn("record local write failed", "path", op.Path, "error", err)
				continue
			}
			push.FilesToWrite[op.Path] = msg.FileData{
				Content:      op.Content,
				Hash:         op.Hash,
				LastModified: op.ModTime,
			}
		case watch.OpDelete:
			if err := e.store.Tombstone(op.Path, op.ModTime); err != nil {
				slog.Warn("record local delete failed", "path", op.Path, "error", err)
				continue
			}
			push.PathsToDelete[op.Path] = op.ModTime
		case watch.OpDirCreate:
			push.DirCreates = append(push.DirCreates, op.Path)
		case watch.OpDirDelete:
			push.DirDeletes = append(push.DirDeletes, op.Path)
		}
		slog.Info("local change", "op", op.Type, "path", op.Path)
	}

	if push.Empty() || e.broadcaster == nil {
		return
	}
	e.broadcaster.Broadcast(msg.NewFileUpdatePush(push), "")
}

// BuildInitialSync snapshots the local state for the opening push.
func (e *Engine) BuildInitialSync() *state.SyncState {
	return e.store.Snapshot()
}

// HandleInitialSync runs the LWW merge against a connecting peer's state
// and assembles the response. Winning local files are read from disk; a
// file over the size ceiling is skipped with a warning rather than failing
// the handshake.
func (e *Engine) HandleInitialSync(peerState *state.SyncState) (*msg.InitialSyncPushResponse, error) {
	if peerState == nil {
		return nil, errors.New("initial sync push carried no state")
	}

	merge := state.DetermineWinningFiles(e.store.Snapshot(), peerState)

	resp := &msg.InitialSyncPushResponse{
		FilesToUpdate:   make(map[string]msg.FileData, len(merge.ToUpdate)),
		FilesToDelete:   merge.ToDelete,
		FilesToSendBack: merge.ToSendBack,
	}

	for path, entry := range merge.ToUpdate {
		content, hash, err := e.mutator.ReadFile(path)
		if err != nil {
			slog.Warn("skipping winning file", "path", path, "error", err)
			continue
		}
		resp.FilesToUpdate[path] = msg.FileData{
			Content:      content,
			Hash:         hash,
			LastModified: entry.LastModified,
		}
	}

	if err := e.store.SetLastSync(time.Now()); err != nil {
		slog.Warn("record last sync failed", "error", err)
	}
	return resp, nil
}

// ApplyInitialSyncResponse applies the leader's verdict on the peer side.
// The leader already ran the merge, so writes and deletes apply as-is.
func (e *Engine) ApplyInitialSyncResponse(resp *msg.InitialSyncPushResponse) error {
	for path, file := range resp.FilesToUpdate {
		if err := e.mutator.WriteFile(path, file.Content, file.LastModified); err != nil {
			if errors.Is(err, workspace.ErrPathEscape) {
				return err
			}
			slog.Warn("initial sync write failed", "path", path, "error", err)
		}
	}
	for path, at := range resp.FilesToDelete {
		if err := e.mutator.DeleteFile(path, at); err != nil {
			slog.Warn("initial sync delete failed", "path", path, "error", err)
		}
	}
	if err := e.store.SetLastSync(time.Now()); err != nil {
		slog.Warn("record last sync failed", "error", err)
	}
	return nil
}

// BuildSendBack assembles the push answering files_to_send_back: live
// paths as writes, tombstoned ones as deletes.
func (e *Engine) BuildSendBack(paths []string) *msg.FileUpdatePush {
	push := &msg.FileUpdatePush{
		FilesToWrite:  make(map[string]msg.FileData),
		PathsToDelete: make(map[string]time.Time),
	}

	for _, path := range paths {
		entry, ok := e.store.Get(path)
		if !ok {
			continue
		}
		if !entry.Exists() {
			push.PathsToDelete[path] = entry.LastModified
			continue
		}
		content, hash, err := e.mutator.ReadFile(path)
		if err != nil {
			slog.Warn("skipping send-back file", "path", path, "error", err)
			continue
		}
		push.FilesToWrite[path] = msg.FileData{
			Content:      content,
			Hash:         hash,
			LastModified: entry.LastModified,
		}
	}
	return push
}

// ApplyPush applies a remote change batch through the mutator. Every entry
// is gated on LWW against the current local entry, which keeps application
// order-independent across sessions: a stale remote write or delete is
// simply skipped.
func (e *Engine) ApplyPush(push *msg.FileUpdatePush) error {
	var firstErr error

	for _, dir := range push.DirCreates {
		if err := e.mutator.EnsureDir(dir); err != nil {
			slog.Warn("remote dir create failed", "path", dir, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	for path, file := range push.FilesToWrite {
		if !e.remoteWriteWins(path, file) {
			slog.Debug("stale remote write skipped", "path", path)
			continue
		}
		if err := e.mutator.WriteFile(path, file.Content, file.LastModified); err != nil {
			slog.Warn("remote write failed", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		slog.Info("remote change applied", "op", "write", "path", path)
	}

	for path, at := range push.PathsToDelete {
		if !e.remoteDeleteWins(path, at) {
			slog.Debug("stale remote delete skipped", "path", path)
			continue
		}
		if err := e.mutator.DeleteFile(path, at); err != nil {
			slog.Warn("remote delete failed", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		slog.Info("remote change applied", "op", "delete", "path", path)
	}

	for _, dir := range push.DirDeletes {
		if err := e.mutator.PruneDir(dir); err != nil {
			slog.Debug("remote dir prune skipped", "path", dir, "error", err)
		}
	}

	return firstErr
}

// remoteWriteWins gates an inbound write: strictly newer wins; ties fall
// to an active entry over a tombstone, then to the leader's side.
func (e *Engine) remoteWriteWins(path string, file msg.FileData) bool {
	cur, ok := e.store.Get(path)
	if !ok {
		return true
	}
	if cur.LastModified.Before(file.LastModified) {
		return true
	}
	if cur.LastModified.Equal(file.LastModified) {
		// Active beats tombstone; two actives fall back to the role rule.
		if !cur.Exists() {
			return true
		}
		if cur.HashEquals(file.Hash) {
			return false
		}
		return e.role == RolePeer
	}
	return false
}

// remoteDeleteWins gates an inbound delete: only a strictly newer
// tombstone displaces the local entry.
func (e *Engine) remoteDeleteWins(path string, at time.Time) bool {
	cur, ok := e.store.Get(path)
	if !ok {
		return true
	}
	return cur.LastModified.Before(at)
}

// Describe returns a one-line workspace summary for startup logging.
func (e *Engine) Describe() string {
	return fmt.Sprintf("%s (%d tracked paths)", e.ws.Root, e.store.Len())
}
