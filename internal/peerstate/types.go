// Package peerstate holds a peer's persistent view of the backup network:
// the files it has sent elsewhere, the files it stores on behalf of others,
// and its capacity accounting. It mirrors the teacher's internal/dht
// LocalStore write-through-on-every-mutation design, generalized from a
// single key-value table to the two PeerFile registries spec.md §3 and §4.4
// describe.
package peerstate

import "github.com/nocturne-chord/peer/internal/chord"

// NoLocalKey marks a PeerFile that is not stored locally (a sent-files
// entry), per spec.md §3 ("In the sent files map, localKey = -1").
const NoLocalKey = -1

// PeerFile is spec.md §3's PeerFile, with Keys as a set of Chord routing
// identifiers under which copies of the file exist.
type PeerFile struct {
	FileID            string
	Owner             chord.PeerRef
	Size              int64
	ReplicationDegree int
	Keys              map[int]struct{}
	LocalKey          int
	BeingDeleted      bool
}

// NewSentFile creates a fresh sent-files entry: no keys yet, not locally
// stored, per spec.md §3.
func NewSentFile(fileID string, owner chord.PeerRef, size int64, replicationDegree int) PeerFile {
	return PeerFile{
		FileID:            fileID,
		Owner:             owner,
		Size:              size,
		ReplicationDegree: replicationDegree,
		Keys:              make(map[int]struct{}),
		LocalKey:          NoLocalKey,
	}
}

// NewStoredFile creates a fresh stored-files entry: localKey is set, Keys is
// unused by the storer, per spec.md §3.
func NewStoredFile(fileID string, owner chord.PeerRef, size int64, replicationDegree, localKey int) PeerFile {
	return PeerFile{
		FileID:            fileID,
		Owner:             owner,
		Size:              size,
		ReplicationDegree: replicationDegree,
		Keys:              make(map[int]struct{}),
		LocalKey:          localKey,
	}
}

// Clone returns a deep copy, so callers can mutate the Keys set of a
// returned PeerFile without racing the store's own copy.
func (pf PeerFile) Clone() PeerFile {
	out := pf
	out.Keys = make(map[int]struct{}, len(pf.Keys))
	for k := range pf.Keys {
		out.Keys[k] = struct{}{}
	}
	return out
}

// KeySlice returns the key set as a sorted slice, for deterministic
// persistence and display.
func (pf PeerFile) KeySlice() []int {
	out := make([]int, 0, len(pf.Keys))
	for k := range pf.Keys {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
