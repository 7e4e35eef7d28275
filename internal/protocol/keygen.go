package protocol

import (
	"math/rand/v2"

	"github.com/nocturne-chord/peer/internal/chord"
)

// RandSource supplies candidate routing keys for BACKUP. It is injectable
// so tests can drive key selection deterministically, per spec.md §9's
// design note on testable randomness.
type RandSource interface {
	IntN(n int) int
}

// mathRandSource is the default RandSource, backed by math/rand/v2's
// top-level generator (safe for concurrent use without its own lock).
type mathRandSource struct{}

func (mathRandSource) IntN(n int) int { return rand.IntN(n) }

// generateCandidateKeys draws up to count distinct identifiers in
// [0, chord.MaxPeers), per spec.md §4.5.1 ("4 * replicationDegree candidate
// keys"). If the key space is smaller than count, it returns every
// identifier in the space exactly once.
func generateCandidateKeys(src RandSource, count int) []int {
	if count > chord.MaxPeers {
		count = chord.MaxPeers
	}
	seen := make(map[int]struct{}, count)
	keys := make([]int, 0, count)
	for len(keys) < count {
		k := src.IntN(chord.MaxPeers)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}
