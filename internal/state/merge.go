package state

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// MergeResult describes what a peer must do to converge with the leader
// after comparing states. Paths on which both sides already agree never
// appear in any of the three sets.
type MergeResult struct {
	// ToUpdate holds winning leader entries the peer must receive bytes for.
	ToUpdate map[string]FileEntry
	// ToDelete holds tombstone times for paths the peer must delete.
	ToDelete map[string]time.Time
	// ToSendBack lists paths where the peer's entry won; the peer uploads
	// them in its next push.
	ToSendBack []string
}

// DetermineWinningFiles runs the LWW merge between the local (leader) state
// and a remote (peer) state. The strictly greater last_modified wins; on a
// tie an active entry beats a tombstone, and a full tie goes to the local
// side, so peers treat the leader as authoritative on ties.
func DetermineWinningFiles(local, remote *SyncState) *MergeResult {
	result := &MergeResult{
		ToUpdate: make(map[string]FileEntry),
		ToDelete: make(map[string]time.Time),
	}

	allPaths := mapset.NewThreadUnsafeSet[string]()
	for path := range local.Files {
		allPaths.Add(path)
	}
	for path := range remote.Files {
		allPaths.Add(path)
	}

	for path := range allPaths.Iter() {
		localEntry, hasLocal := local.Files[path]
		remoteEntry, hasRemote := remote.Files[path]

		switch {
		case hasLocal && !hasRemote:
			classifyLocalWin(result, path, localEntry)

		case !hasLocal && hasRemote:
			result.ToSendBack = append(result.ToSendBack, path)

		default:
			if localEntry.Equal(remoteEntry) {
				continue
			}
			if localWins(localEntry, remoteEntry) {
				classifyLocalWin(result, path, localEntry)
			} else {
				result.ToSendBack = append(result.ToSendBack, path)
			}
		}
	}

	return result
}

func classifyLocalWin(r *MergeResult, path string, entry FileEntry) {
	if entry.Exists() {
		r.ToUpdate[path] = entry
	} else {
		r.ToDelete[path] = entry.LastModified
	}
}

func localWins(local, remote FileEntry) bool {
	if local.LastModified.After(remote.LastModified) {
		return true
	}
	if remote.LastModified.After(local.LastModified) {
		return false
	}
	// Equal timestamps: an active entry beats a tombstone, a full tie goes
	// to the local side.
	if local.Exists() != remote.Exists() {
		return local.Exists()
	}
	return true
}
