package protocol

import (
	"testing"

	"github.com/nocturne-chord/peer/internal/chord"
)

// stepRandSource cycles through a fixed sequence of values, for deterministic
// candidate-key tests.
type stepRandSource struct {
	values []int
	i      int
}

func (s *stepRandSource) IntN(n int) int {
	v := s.values[s.i%len(s.values)] % n
	s.i++
	return v
}

func TestGenerateCandidateKeysDedups(t *testing.T) {
	src := &stepRandSource{values: []int{5, 5, 5, 9, 9, 12}}

	keys := generateCandidateKeys(src, 3)
	if len(keys) != 3 {
		t.Fatalf("expected 3 distinct keys, got %v", keys)
	}
	seen := map[int]struct{}{}
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			t.Fatalf("duplicate key %d in %v", k, keys)
		}
		seen[k] = struct{}{}
	}
}

func TestGenerateCandidateKeysCapsAtKeySpace(t *testing.T) {
	// The source must be able to yield every identifier, or no draw loop
	// could collect MaxPeers distinct keys.
	values := make([]int, chord.MaxPeers)
	for i := range values {
		values[i] = chord.MaxPeers - 1 - i
	}
	src := &stepRandSource{values: values}

	keys := generateCandidateKeys(src, chord.MaxPeers*4)
	if len(keys) != chord.MaxPeers {
		t.Fatalf("expected %d keys, got %d", chord.MaxPeers, len(keys))
	}
}

func TestGenerateCandidateKeysWithinBounds(t *testing.T) {
	src := &mathRandSource{}
	keys := generateCandidateKeys(src, 16)
	for _, k := range keys {
		if k < 0 || k >= chord.MaxPeers {
			t.Fatalf("key %d out of bounds", k)
		}
	}
}
