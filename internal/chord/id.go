// Package chord implements Chord DHT ring membership, routing, and finger
// table maintenance for the Nocturne-Chord backup overlay.
package chord

import (
	"golang.org/x/crypto/sha3"
)

// M is the identifier bit width. It MUST be a compile-time constant and the
// same on every peer in a ring.
const M = 8

// MaxPeers is the size of the identifier key space, 2^M.
const MaxPeers = 1 << M

// ID is an identifier in [0, MaxPeers).
type ID = int

// mask keeps an identifier within [0, MaxPeers).
func mask(id int) ID {
	return ((id % MaxPeers) + MaxPeers) % MaxPeers
}

// HashGUID derives a peer's GUID by hashing its network address modulo
// MaxPeers, mirroring the teacher's NodeIDFromPublicKey (sha3 over the
// identifying bytes, reduced into the ring's key space).
func HashGUID(address string) ID {
	sum := sha3.Sum256([]byte(address))
	return reduce(sum[:])
}

// HashFileID derives a file's content identifier as a hex string, hashing
// the filename plus distinguishing attributes together with "::" as a
// separator, continuing the teacher's PrefixKey idiom of joining fields
// before hashing.
func HashFileID(filename string, size int64, createdAt, modifiedAt int64, ownerPath string) string {
	sum := sha3.Sum256([]byte(joinFields(filename, size, createdAt, modifiedAt, ownerPath)))
	return hexEncode(sum[:])
}

func joinFields(filename string, size, createdAt, modifiedAt int64, ownerPath string) string {
	return filename + "::" + itoa64(size) + "::" + itoa64(createdAt) + "::" + itoa64(modifiedAt) + "::" + ownerPath
}

func itoa64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

// reduce folds a hash digest into the ring's identifier space by treating
// its first bytes as a big-endian integer modulo MaxPeers.
func reduce(digest []byte) ID {
	v := 0
	for _, b := range digest[:4] {
		v = (v << 8) | int(b)
	}
	return mask(v)
}

// Between reports whether id lies strictly within the open ring interval
// (start, end), interpreted modulo MaxPeers: (start, end) wraps around zero
// when end < start.
func Between(id, start, end ID) bool {
	id, start, end = mask(id), mask(start), mask(end)
	if start == end {
		return id != start
	}
	if start < end {
		return id > start && id < end
	}
	return id > start || id < end
}

// BetweenInclusiveEnd reports whether id lies within the half-open ring
// interval (start, end], modulo MaxPeers.
func BetweenInclusiveEnd(id, start, end ID) bool {
	return id == end || Between(id, start, end)
}
