package peerstate

import "errors"

// Sentinel error kinds, per spec.md §7, for the storage half of the peer.
var (
	ErrNotFound      = errors.New("peer file not found")
	ErrDuplicateFile = errors.New("file already stored")
	ErrNoSpace       = errors.New("insufficient capacity")
)
