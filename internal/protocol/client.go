package protocol

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nocturne-chord/peer/internal/chord"
)

// SubmitState schedules a STATE query on CLIENT_POOL, per spec.md §4.6:
// serialize both maps, capacity, occupation, finger table, and
// predecessor as human-readable text and deliver it to the notification
// sink.
func (e *Engine) SubmitState() {
	e.runOnClientPool(func() { e.notify(e.stateText()) })
}

// State runs the same query as SubmitState but returns the text directly,
// for synchronous read-only callers such as the HTTP facade's GET /state.
func (e *Engine) State() string {
	return e.stateText()
}

func (e *Engine) stateText() string {
	var b strings.Builder

	sent, err := e.store.ListSent()
	if err != nil {
		fmt.Fprintf(&b, "sent files: error: %v\n", err)
	} else {
		fmt.Fprintf(&b, "sent files (%d):\n", len(sent))
		names := make([]string, 0, len(sent))
		for name := range sent {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			pf := sent[name]
			fmt.Fprintf(&b, "  %s: fileId=%s size=%d replicationDegree=%d keys=%v beingDeleted=%v\n",
				name, pf.FileID, pf.Size, pf.ReplicationDegree, pf.KeySlice(), pf.BeingDeleted)
		}
	}

	stored, err := e.store.ListStored()
	if err != nil {
		fmt.Fprintf(&b, "stored files: error: %v\n", err)
	} else {
		fmt.Fprintf(&b, "stored files (%d):\n", len(stored))
		for _, pf := range stored {
			fmt.Fprintf(&b, "  %s: owner=%s size=%d localKey=%d\n", pf.FileID, pf.Owner.Address, pf.Size, pf.LocalKey)
		}
	}

	fmt.Fprintf(&b, "capacity: %d\n", e.store.Capacity())
	fmt.Fprintf(&b, "occupation: %d\n", e.store.Occupation())
	b.WriteString(e.chordText())
	return b.String()
}

// SubmitChord schedules a CHORD query on CLIENT_POOL, per spec.md §4.6:
// deliver the routing view (GUID, address, predecessor, finger table).
func (e *Engine) SubmitChord() {
	e.runOnClientPool(func() { e.notify(e.chordText()) })
}

// Chord runs the same query as SubmitChord but returns the text directly,
// for synchronous read-only callers such as the HTTP facade's GET /chord.
func (e *Engine) Chord() string {
	return e.chordText()
}

func (e *Engine) chordText() string {
	self := e.ring.Self()
	table := e.ring.Table()

	var b strings.Builder
	fmt.Fprintf(&b, "GUID: %d\n", self.GUID)
	fmt.Fprintf(&b, "Server Address: %s\n", self.Address)
	pred := table.Predecessor()
	if pred.IsZero() {
		b.WriteString("Predecessor: none\n")
	} else {
		fmt.Fprintf(&b, "Predecessor: %s (guid %d)\n", pred.Address, pred.GUID)
	}
	b.WriteString("Finger Table:\n")
	fingers := table.Fingers()
	for i, f := range fingers {
		fmt.Fprintf(&b, "  [%d] %s (guid %d)\n", i, f.Address, f.GUID)
	}
	return b.String()
}

// SubmitLookup schedules a LOOKUP(guid) query on CLIENT_POOL, per spec.md
// §4.6: run find_successor and deliver the result.
func (e *Engine) SubmitLookup(guid int) {
	e.runOnClientPool(func() {
		peer, err := e.ring.FindSuccessor(chord.ID(guid))
		if err != nil {
			e.notify(fmt.Sprintf("lookup %d failed: %v", guid, err))
			return
		}
		e.notify(fmt.Sprintf("successor of %d: %s (guid %d)", guid, peer.Address, peer.GUID))
	})
}

// Lookup runs find_successor(guid) directly, for synchronous read-only
// callers such as the HTTP facade's GET /lookup/{guid}.
func (e *Engine) Lookup(guid int) (chord.PeerRef, error) {
	return e.ring.FindSuccessor(chord.ID(guid))
}
