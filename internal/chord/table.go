package chord

import (
	"sync"
)

// PeerRef identifies a remote peer by address and GUID. It is a plain value
// with no back-pointer to any owning structure (spec.md §9 — breaking the
// Peer -> InternalState -> PeerFile -> PeerReference cycle).
type PeerRef struct {
	Address string
	GUID    ID
}

// Equal compares two references by GUID only, per spec.md §3.
func (p PeerRef) Equal(o PeerRef) bool {
	return p.GUID == o.GUID
}

// IsZero reports whether p is the unset reference.
func (p PeerRef) IsZero() bool {
	return p.Address == "" && p.GUID == 0
}

// Table holds one peer's view of the ring: predecessor, successor list, and
// finger table. All fields are guarded by one mutex so that maintenance
// tasks (stabilize, fix_fingers, check_predecessor) serialize against each
// other and against external readers, per spec.md §5 ("single-writer to
// finger table and predecessor"). This mirrors the teacher's RoutingTable
// (internal/dht/table.go), adapted from k-buckets to a single
// finger-per-index plus an ordered successor list.
type Table struct {
	mu sync.RWMutex

	self PeerRef

	predecessor    PeerRef // zero value means "none"
	fingers        [M]PeerRef
	successorList  []PeerRef // ordered; successorList[0] == fingers[0]
	successorListN int       // max length to retain
}

// NewTable creates a table for self, initially solitary: no predecessor,
// every finger and the successor list point back to self.
func NewTable(self PeerRef, successorListLen int) *Table {
	if successorListLen < 1 {
		successorListLen = 1
	}
	t := &Table{
		self:           self,
		successorListN: successorListLen,
	}
	for i := range t.fingers {
		t.fingers[i] = self
	}
	t.successorList = []PeerRef{self}
	return t
}

// Self returns the owning peer's reference.
func (t *Table) Self() PeerRef {
	return t.self
}

// Successor returns finger[0], the canonical successor.
func (t *Table) Successor() PeerRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fingers[0]
}

// Predecessor returns the current predecessor, or the zero PeerRef if none.
func (t *Table) Predecessor() PeerRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.predecessor
}

// SetPredecessor installs a new predecessor (or clears it, if p is zero).
func (t *Table) SetPredecessor(p PeerRef) {
	t.mu.Lock()
	t.predecessor = p
	t.mu.Unlock()
}

// ClearPredecessor marks the predecessor unreachable.
func (t *Table) ClearPredecessor() {
	t.SetPredecessor(PeerRef{})
}

// IsSolitary reports whether this peer believes it is alone in the ring.
func (t *Table) IsSolitary() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fingers[0].Equal(t.self)
}

// Finger returns finger table entry i.
func (t *Table) Finger(i int) PeerRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fingers[i]
}

// SetFinger installs finger table entry i. Setting finger[0] also updates
// the head of the successor list.
func (t *Table) SetFinger(i int, p PeerRef) {
	t.mu.Lock()
	t.fingers[i] = p
	if i == 0 {
		t.mergeSuccessorLocked(p)
	}
	t.mu.Unlock()
}

// mergeSuccessorLocked replaces the head of the successor list with p,
// keeping the tail as a fallback set. Must be called with t.mu held.
func (t *Table) mergeSuccessorLocked(p PeerRef) {
	list := make([]PeerRef, 0, t.successorListN)
	list = append(list, p)
	for _, existing := range t.successorList {
		if len(list) >= t.successorListN {
			break
		}
		if existing.Equal(p) || existing.Equal(t.self) {
			continue
		}
		list = append(list, existing)
	}
	t.successorList = list
}

// SuccessorList returns a snapshot copy of the successor list.
func (t *Table) SuccessorList() []PeerRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerRef, len(t.successorList))
	copy(out, t.successorList)
	return out
}

// SetSuccessorList replaces the successor list wholesale and makes its
// head finger[0]. Stabilize does not call it; it only replaces finger[0].
func (t *Table) SetSuccessorList(list []PeerRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(list) == 0 {
		return
	}
	t.fingers[0] = list[0]
	if len(list) > t.successorListN {
		list = list[:t.successorListN]
	}
	t.successorList = append([]PeerRef{}, list...)
}

// Fingers returns a snapshot copy of the finger table.
func (t *Table) Fingers() [M]PeerRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fingers
}

// ClosestPrecedingNode scans the finger table from high to low and returns
// the first finger whose GUID lies strictly within (self.GUID, target) on
// the ring. If none qualifies, it returns self.
func (t *Table) ClosestPrecedingNode(target ID) PeerRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := M - 1; i >= 0; i-- {
		f := t.fingers[i]
		if f.IsZero() {
			continue
		}
		if Between(f.GUID, t.self.GUID, target) {
			return f
		}
	}
	return t.self
}
