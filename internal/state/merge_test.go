package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stateOf(entries map[string]FileEntry) *SyncState {
	s := NewSyncState()
	for path, entry := range entries {
		s.Files[path] = entry
	}
	return s
}

func TestDetermineWinningFiles(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	t.Run("one-sided entries win", func(t *testing.T) {
		local := stateOf(map[string]FileEntry{"only-local.txt": NewFileEntry("aa", t0)})
		remote := stateOf(map[string]FileEntry{"only-remote.txt": NewFileEntry("bb", t0)})

		r := DetermineWinningFiles(local, remote)
		assert.Contains(t, r.ToUpdate, "only-local.txt")
		assert.ElementsMatch(t, []string{"only-remote.txt"}, r.ToSendBack)
		assert.Empty(t, r.ToDelete)
	})

	t.Run("newer remote write wins", func(t *testing.T) {
		local := stateOf(map[string]FileEntry{"a.txt": NewFileEntry("old", t0)})
		remote := stateOf(map[string]FileEntry{"a.txt": NewFileEntry("new", t1)})

		r := DetermineWinningFiles(local, remote)
		assert.ElementsMatch(t, []string{"a.txt"}, r.ToSendBack)
		assert.Empty(t, r.ToUpdate)
	})

	t.Run("newer local write wins", func(t *testing.T) {
		local := stateOf(map[string]FileEntry{"a.txt": NewFileEntry("new", t1)})
		remote := stateOf(map[string]FileEntry{"a.txt": NewFileEntry("old", t0)})

		r := DetermineWinningFiles(local, remote)
		require.Contains(t, r.ToUpdate, "a.txt")
		assert.True(t, r.ToUpdate["a.txt"].HashEquals("new"))
		assert.Empty(t, r.ToSendBack)
	})

	t.Run("newer tombstone beats older write", func(t *testing.T) {
		local := stateOf(map[string]FileEntry{"a.txt": NewTombstone(t1)})
		remote := stateOf(map[string]FileEntry{"a.txt": NewFileEntry("stale", t0)})

		r := DetermineWinningFiles(local, remote)
		require.Contains(t, r.ToDelete, "a.txt")
		assert.True(t, r.ToDelete["a.txt"].Equal(t1))
		assert.Empty(t, r.ToSendBack, "the stale copy must not be re-uploaded")
	})

	t.Run("newer write beats older tombstone", func(t *testing.T) {
		local := stateOf(map[string]FileEntry{"a.txt": NewTombstone(t0)})
		remote := stateOf(map[string]FileEntry{"a.txt": NewFileEntry("fresh", t1)})

		r := DetermineWinningFiles(local, remote)
		assert.ElementsMatch(t, []string{"a.txt"}, r.ToSendBack)
		assert.Empty(t, r.ToDelete)
	})

	t.Run("tie between active and tombstone goes to the active entry", func(t *testing.T) {
		local := stateOf(map[string]FileEntry{"a.txt": NewFileEntry("live", t0)})
		remote := stateOf(map[string]FileEntry{"a.txt": NewTombstone(t0)})

		r := DetermineWinningFiles(local, remote)
		assert.Contains(t, r.ToUpdate, "a.txt")

		// Swapped, the active remote entry wins.
		r = DetermineWinningFiles(remote, local)
		assert.ElementsMatch(t, []string{"a.txt"}, r.ToSendBack)
	})

	t.Run("full tie with two actives goes to the leader", func(t *testing.T) {
		local := stateOf(map[string]FileEntry{"a.txt": NewFileEntry("leader", t0)})
		remote := stateOf(map[string]FileEntry{"a.txt": NewFileEntry("peer", t0)})

		r := DetermineWinningFiles(local, remote)
		assert.Contains(t, r.ToUpdate, "a.txt")
		assert.Empty(t, r.ToSendBack)
	})

	t.Run("agreement produces no work", func(t *testing.T) {
		entry := NewFileEntry("same", t0)
		tomb := NewTombstone(t0)
		local := stateOf(map[string]FileEntry{"a.txt": entry, "dead.txt": tomb})
		remote := stateOf(map[string]FileEntry{"a.txt": entry, "dead.txt": tomb})

		r := DetermineWinningFiles(local, remote)
		assert.Empty(t, r.ToUpdate)
		assert.Empty(t, r.ToDelete)
		assert.Empty(t, r.ToSendBack)
	})

	t.Run("tombstone is shipped to a peer that never saw the file", func(t *testing.T) {
		local := stateOf(map[string]FileEntry{"dead.txt": NewTombstone(t0)})
		remote := NewSyncState()

		r := DetermineWinningFiles(local, remote)
		assert.Contains(t, r.ToDelete, "dead.txt")
	})
}
