package protocol

import "errors"

// ErrNotBootstrapped is reported in the notification of a BACKUP started
// before the peer has joined a ring of more than one member, per spec.md §4.5.1 ("this peer has
// not found other peers yet").
var ErrNotBootstrapped = errors.New("peer has not joined a ring with other members")
