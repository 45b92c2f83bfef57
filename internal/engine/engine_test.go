package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synclite/synclite/internal/fsops"
	"github.com/synclite/synclite/internal/network"
	"github.com/synclite/synclite/internal/state"
	"github.com/synclite/synclite/internal/utils"
	"github.com/synclite/synclite/internal/watch"
	"github.com/synclite/synclite/internal/workspace"
)

// node is one sync participant with its full component stack.
type node struct {
	ws      *workspace.Workspace
	store   *state.Store
	mutator *fsops.Mutator
	watcher *watch.Watcher
	engine  *Engine
}

func newNode(t *testing.T) *node {
	t.Helper()

	ws, err := workspace.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, ws.Bootstrap())

	store, err := state.Load(ws)
	require.NoError(t, err)

	expect := fsops.NewExpectationSet(fsops.DefaultExpectTTL)
	mutator := fsops.NewMutator(ws, store, expect)
	watcher := watch.New(ws, store, nil, expect, mutator)
	watcher.SetDebounce(50 * time.Millisecond)

	return &node{
		ws:      ws,
		store:   store,
		mutator: mutator,
		watcher: watcher,
		engine:  New(ws, store, mutator, watcher),
	}
}

// seed writes a file directly to the node's disk and reconciles, the way a
// participant boots with pre-existing content.
func (n *node) seed(t *testing.T, rel, content string, mtime time.Time) {
	t.Helper()
	abs := filepath.Join(n.ws.Root, filepath.FromSlash(rel))
	require.NoError(t, utils.EnsureParent(abs))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(abs, mtime, mtime))
	require.NoError(t, n.store.ReconcileWithDisk(n.ws, nil))
}

func (n *node) startWatching(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, n.watcher.Start(ctx))
	go n.engine.Run(ctx)
	t.Cleanup(n.watcher.Stop)
}

// startLeader runs a hub on a loopback port and returns its address.
func startLeader(t *testing.T, ctx context.Context, n *node) string {
	t.Helper()

	hub := network.NewHub("127.0.0.1:0", n.engine)
	n.engine.SetRole(RoleLeader)
	n.engine.SetBroadcaster(hub)
	go hub.Run(ctx)

	require.Eventually(t, func() bool { return hub.Addr() != nil },
		3*time.Second, 10*time.Millisecond, "hub never bound")
	return hub.Addr().String()
}

// connectPeer dials the leader and runs the upstream session.
func connectPeer(t *testing.T, ctx context.Context, n *node, addr string) {
	t.Helper()

	upstream, err := network.Connect(ctx, addr, state.NewPeerID(), n.engine)
	require.NoError(t, err)
	n.engine.SetBroadcaster(upstream)
	go upstream.Run(ctx)
}

func waitForFile(t *testing.T, n *node, rel, content string) {
	t.Helper()
	abs := filepath.Join(n.ws.Root, filepath.FromSlash(rel))
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(abs)
		return err == nil && string(data) == content
	}, 10*time.Second, 20*time.Millisecond, "waiting for %s to hold %q", rel, content)
}

func waitForTombstone(t *testing.T, n *node, rel string) {
	t.Helper()
	require.Eventually(t, func() bool {
		entry, ok := n.store.Get(rel)
		return ok && entry.IsDeleted
	}, 10*time.Second, 20*time.Millisecond, "waiting for tombstone on %s", rel)
	assert.NoFileExists(t, filepath.Join(n.ws.Root, filepath.FromSlash(rel)))
}

func TestTwoPeerCreate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leader := newNode(t)
	peer := newNode(t)

	mtime := time.Now().Add(-time.Minute).Truncate(time.Second)
	peer.seed(t, "a.txt", "hi", mtime)

	addr := startLeader(t, ctx, leader)
	connectPeer(t, ctx, peer, addr)

	// The peer's file travels to the leader via files_to_send_back.
	waitForFile(t, leader, "a.txt", "hi")

	wantHash := utils.HashBytes([]byte("hi"))
	for _, n := range []*node{leader, peer} {
		entry, ok := n.store.Get("a.txt")
		require.True(t, ok)
		assert.True(t, entry.HashEquals(wantHash))
		assert.False(t, entry.IsDeleted)
	}

	// Both sides carry the same authoritative write time.
	le, _ := leader.store.Get("a.txt")
	pe, _ := peer.store.Get("a.txt")
	assert.True(t, le.LastModified.Equal(pe.LastModified))
}

func TestLWWOverwrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leader := newNode(t)
	peer := newNode(t)

	t1 := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	t2 := t1.Add(time.Hour)
	leader.seed(t, "a.txt", "old", t1)
	peer.seed(t, "a.txt", "new", t2)

	addr := startLeader(t, ctx, leader)
	connectPeer(t, ctx, peer, addr)

	waitForFile(t, leader, "a.txt", "new")
	waitForFile(t, peer, "a.txt", "new")
}

func TestLWWLeaderWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leader := newNode(t)
	peer := newNode(t)

	t1 := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	t2 := t1.Add(time.Hour)
	leader.seed(t, "a.txt", "keep", t2)
	peer.seed(t, "a.txt", "stale", t1)

	addr := startLeader(t, ctx, leader)
	connectPeer(t, ctx, peer, addr)

	waitForFile(t, peer, "a.txt", "keep")
	waitForFile(t, leader, "a.txt", "keep")
}

func TestOfflineDeletionResurrectionGuard(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leader := newNode(t)
	peer := newNode(t)

	// Both sides once held the file; the peer deleted it while offline.
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	leader.seed(t, "a.txt", "doomed", old)
	peer.seed(t, "a.txt", "doomed", old)
	require.NoError(t, os.Remove(filepath.Join(peer.ws.Root, "a.txt")))
	require.NoError(t, peer.store.ReconcileWithDisk(peer.ws, nil))

	addr := startLeader(t, ctx, leader)
	connectPeer(t, ctx, peer, addr)

	// The fresher tombstone wins over the leader's stale copy.
	waitForTombstone(t, leader, "a.txt")
	waitForTombstone(t, peer, "a.txt")

	le, _ := leader.store.Get("a.txt")
	pe, _ := peer.store.Get("a.txt")
	assert.True(t, le.LastModified.Equal(pe.LastModified), "tombstone time must propagate verbatim")
}

func TestRebroadcastExcludesSender(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leader := newNode(t)
	p2 := newNode(t)
	p3 := newNode(t)

	addr := startLeader(t, ctx, leader)
	connectPeer(t, ctx, p2, addr)
	connectPeer(t, ctx, p3, addr)

	p2.startWatching(t, ctx)
	p3.startWatching(t, ctx)

	// Give both handshakes a moment to go live before mutating.
	time.Sleep(500 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(p2.ws.Root, "b.txt"), []byte("payload"), 0o644))

	waitForFile(t, leader, "b.txt", "payload")
	waitForFile(t, p3, "b.txt", "payload")

	wantHash := utils.HashBytes([]byte("payload"))
	entry, ok := p3.store.Get("b.txt")
	require.True(t, ok)
	assert.True(t, entry.HashEquals(wantHash))
}

func TestTombstonePropagation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leader := newNode(t)
	p2 := newNode(t)
	p3 := newNode(t)

	shared := time.Now().Add(-time.Hour).Truncate(time.Second)
	for _, n := range []*node{leader, p2, p3} {
		n.seed(t, "a.txt", "shared", shared)
	}

	addr := startLeader(t, ctx, leader)
	connectPeer(t, ctx, p2, addr)
	connectPeer(t, ctx, p3, addr)

	leader.startWatching(t, ctx)
	p2.startWatching(t, ctx)
	p3.startWatching(t, ctx)

	time.Sleep(500 * time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(p2.ws.Root, "a.txt")))

	waitForTombstone(t, leader, "a.txt")
	waitForTombstone(t, p3, "a.txt")

	le, _ := leader.store.Get("a.txt")
	pe, _ := p3.store.Get("a.txt")
	assert.True(t, le.LastModified.Equal(pe.LastModified))
}

func TestSteadyStateWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leader := newNode(t)
	peer := newNode(t)

	addr := startLeader(t, ctx, leader)
	connectPeer(t, ctx, peer, addr)

	leader.startWatching(t, ctx)
	peer.startWatching(t, ctx)

	time.Sleep(500 * time.Millisecond)

	// A leader-side write reaches the peer.
	require.NoError(t, os.WriteFile(filepath.Join(leader.ws.Root, "down.txt"), []byte("downstream"), 0o644))
	waitForFile(t, peer, "down.txt", "downstream")

	// And a peer-side write reaches the leader.
	require.NoError(t, os.WriteFile(filepath.Join(peer.ws.Root, "up.txt"), []byte("upstream"), 0o644))
	waitForFile(t, leader, "up.txt", "upstream")
}

func TestConvergenceAfterConcurrentWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leader := newNode(t)
	p2 := newNode(t)
	p3 := newNode(t)

	addr := startLeader(t, ctx, leader)
	connectPeer(t, ctx, p2, addr)
	connectPeer(t, ctx, p3, addr)

	leader.startWatching(t, ctx)
	p2.startWatching(t, ctx)
	p3.startWatching(t, ctx)

	time.Sleep(500 * time.Millisecond)

	// Concurrent writes to distinct paths from every participant.
	require.NoError(t, os.WriteFile(filepath.Join(leader.ws.Root, "from-leader.txt"), []byte("L"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(p2.ws.Root, "from-p2.txt"), []byte("2"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(p3.ws.Root, "from-p3.txt"), []byte("3"), 0o644))

	for i, n := range []*node{leader, p2, p3} {
		t.Run(fmt.Sprintf("node_%d", i), func(t *testing.T) {
			waitForFile(t, n, "from-leader.txt", "L")
			waitForFile(t, n, "from-p2.txt", "2")
			waitForFile(t, n, "from-p3.txt", "3")
		})
	}
}
