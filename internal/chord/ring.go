package chord

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nocturne-chord/peer/internal/transport"
)

// DefaultStabilizeInterval is spec.md's STABILIZE_MS default.
const DefaultStabilizeInterval = 1 * time.Second

// DefaultSuccessorListLen bounds how many fallback successors are tracked.
const DefaultSuccessorListLen = 3

// rpcTimeout bounds how long a Chord maintenance RPC (PING, FIND_SUCCESSOR,
// GET_PREDECESSOR) waits for a reply before the remote peer is treated as
// unreachable for that call.
const rpcTimeout = 2 * time.Second

// Ring is one peer's view of and participation in a Chord ring: routing
// table plus the RPCs and periodic maintenance tasks that keep it correct
// under churn. Grounded on the teacher's Node (internal/dht/node.go) for the
// RPC-over-Transport shape, and on RepairLoop (internal/dht/repair.go) for
// the periodic-maintenance goroutine shape.
type Ring struct {
	table     *Table
	transport *transport.Transport

	stabilizeInterval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	fingerI int // next finger index to refresh in fix_fingers
}

// New creates a Ring for self, using tp for all network I/O.
func New(self PeerRef, tp *transport.Transport, stabilizeInterval time.Duration) *Ring {
	if stabilizeInterval <= 0 {
		stabilizeInterval = DefaultStabilizeInterval
	}
	return &Ring{
		table:             NewTable(self, DefaultSuccessorListLen),
		transport:         tp,
		stabilizeInterval: stabilizeInterval,
	}
}

// Table exposes the underlying routing table (for STATE/CHORD reporting
// and tests).
func (r *Ring) Table() *Table { return r.table }

// Self returns this peer's reference.
func (r *Ring) Self() PeerRef { return r.table.Self() }

func (r *Ring) senderRef() transport.SenderRef {
	self := r.table.Self()
	return transport.SenderRef{Address: self.Address, GUID: uint32(self.GUID)}
}

// Join joins the ring via bootstrap. If bootstrap is the zero reference or
// equals self, the peer becomes solitary: no predecessor, finger[0] = self.
// Otherwise it asks bootstrap to find the successor of self's GUID and
// installs it as finger[0], per spec.md §4.3.
func (r *Ring) Join(bootstrap PeerRef) error {
	self := r.table.Self()
	if bootstrap.IsZero() || bootstrap.Equal(self) {
		r.table.ClearPredecessor()
		r.table.SetFinger(0, self)
		return nil
	}

	succ, err := r.remoteFindSuccessor(bootstrap, self.GUID)
	if err != nil {
		return fmt.Errorf("join via %s: %w", bootstrap.Address, err)
	}
	r.table.SetFinger(0, succ)
	return nil
}

// FindSuccessor resolves which peer is responsible for identifier target,
// per spec.md §4.3's recursive definition: self if target is within
// (predecessor, self], finger[0] if within (self, finger[0]], otherwise
// forwarded to the closest preceding node's own FindSuccessor.
func (r *Ring) FindSuccessor(target ID) (PeerRef, error) {
	self := r.table.Self()

	if r.table.IsSolitary() {
		return self, nil
	}

	pred := r.table.Predecessor()
	if !pred.IsZero() && BetweenInclusiveEnd(target, pred.GUID, self.GUID) {
		return self, nil
	}

	succ := r.table.Successor()
	if BetweenInclusiveEnd(target, self.GUID, succ.GUID) {
		return succ, nil
	}

	next := r.table.ClosestPrecedingNode(target)
	if next.Equal(self) {
		return self, nil
	}
	return r.remoteFindSuccessor(next, target)
}

// Stabilize asks the current successor for its predecessor; if that
// predecessor lies strictly between self and the successor, it is adopted
// as the new successor. The (possibly updated) successor is then notified
// of self. Per spec.md §4.3.
func (r *Ring) Stabilize() {
	self := r.table.Self()
	succ := r.table.Successor()
	if succ.Equal(self) {
		return // solitary; nothing to stabilize
	}

	pred, ok, err := r.remoteGetPredecessor(succ)
	if err != nil {
		log.Printf("[chord] stabilize: successor %s unreachable: %v", succ.Address, err)
		r.handleDeadSuccessor(succ)
		return
	}

	if ok && Between(pred.GUID, self.GUID, succ.GUID) {
		r.table.SetFinger(0, pred)
		succ = pred
	}

	if err := r.remoteNotify(succ, self); err != nil {
		log.Printf("[chord] stabilize: notify %s failed: %v", succ.Address, err)
	}
}

// handleDeadSuccessor drops an unreachable successor and falls back to the
// next entry in the successor list, keeping the ring connected despite a
// single failure.
func (r *Ring) handleDeadSuccessor(dead PeerRef) {
	list := r.table.SuccessorList()
	for _, candidate := range list {
		if candidate.Equal(dead) {
			continue
		}
		r.table.SetFinger(0, candidate)
		return
	}
	// No fallback known; fall back to self (solitary until fix_fingers
	// or a future join repairs the ring).
	r.table.SetFinger(0, r.table.Self())
}

// Notify handles an inbound notification that n believes it might be our
// predecessor: adopt n if we have none, or if n lies strictly between our
// current predecessor and self. Per spec.md §4.3.
func (r *Ring) Notify(n PeerRef) {
	pred := r.table.Predecessor()
	self := r.table.Self()
	if pred.IsZero() || Between(n.GUID, pred.GUID, self.GUID) {
		r.table.SetPredecessor(n)
	}
}

// FixFingers refreshes one finger table entry per call, cycling through all
// M indices, per spec.md §4.3.
func (r *Ring) FixFingers() {
	r.mu.Lock()
	i := r.fingerI
	r.fingerI = (r.fingerI + 1) % M
	r.mu.Unlock()

	self := r.table.Self()
	target := mask(self.GUID + (1 << i))
	succ, err := r.FindSuccessor(target)
	if err != nil {
		log.Printf("[chord] fix_fingers[%d]: %v", i, err)
		return
	}
	r.table.SetFinger(i, succ)
}

// CheckPredecessor pings the current predecessor and clears it if
// unreachable, per spec.md §4.3.
func (r *Ring) CheckPredecessor() {
	pred := r.table.Predecessor()
	if pred.IsZero() {
		return
	}
	if err := r.remotePing(pred); err != nil {
		log.Printf("[chord] check_predecessor: %s unreachable: %v", pred.Address, err)
		r.table.ClearPredecessor()
	}
}

// Start launches the periodic stabilize/fix_fingers/check_predecessor
// goroutines. Calling Start on an already-running Ring is a no-op, mirroring
// the teacher's RepairLoop.Start (internal/dht/repair.go).
func (r *Ring) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	go r.maintenanceLoop(stopCh)
}

// Stop halts the periodic maintenance goroutines. Calling Stop on a stopped
// Ring is a no-op.
func (r *Ring) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()
}

func (r *Ring) maintenanceLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(r.stabilizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Stabilize()
			r.FixFingers()
			r.CheckPredecessor()
		case <-stopCh:
			return
		}
	}
}

// HandleInbound answers a Chord maintenance request already read from conn
// (PING, FIND_SUCCESSOR, GET_PREDECESSOR, or NOTIFY). The caller remains
// responsible for closing conn; HandleInbound never does so, since it is
// invoked from a shared dispatcher that also handles protocol-engine
// message types on the same connection lifecycle.
func (r *Ring) HandleInbound(msg transport.Message, conn *transport.Conn) {
	switch msg.Type {
	case transport.TypePing:
		conn.Send(transport.Message{Type: transport.TypeAck, Sender: r.senderRef()}) //nolint:errcheck

	case transport.TypeFindSuccessor:
		target, err := decodeTarget(msg.Body)
		if err != nil {
			log.Printf("[chord] bad find_successor request: %v", err)
			return
		}
		succ, err := r.FindSuccessor(target)
		if err != nil {
			log.Printf("[chord] find_successor(%d) failed: %v", target, err)
			return
		}
		conn.Send(transport.Message{ //nolint:errcheck
			Type:   transport.TypeSuccessorReply,
			Sender: r.senderRef(),
			Body:   encodeRef(succ),
		})

	case transport.TypeGetPredecessor:
		pred := r.table.Predecessor()
		body := noneRef
		if !pred.IsZero() {
			body = encodeRef(pred)
		}
		conn.Send(transport.Message{ //nolint:errcheck
			Type:   transport.TypePredecessorReply,
			Sender: r.senderRef(),
			Body:   body,
		})

	case transport.TypeNotify:
		r.Notify(PeerRef{Address: msg.Sender.Address, GUID: mask(int(msg.Sender.GUID))})
	}
}

func (r *Ring) remoteFindSuccessor(peer PeerRef, target ID) (PeerRef, error) {
	conn, err := r.transport.Connect(peer.Address)
	if err != nil {
		return PeerRef{}, err
	}
	defer conn.Close()

	if err := conn.Send(transport.Message{
		Type:   transport.TypeFindSuccessor,
		Sender: r.senderRef(),
		Body:   encodeTarget(target),
	}); err != nil {
		return PeerRef{}, err
	}

	reply, err := conn.ReceiveBlocking(rpcTimeout)
	if err != nil {
		return PeerRef{}, err
	}
	if reply.Type != transport.TypeSuccessorReply {
		return PeerRef{}, fmt.Errorf("find_successor: %w", transport.ErrProtocolViolation)
	}
	found, _, err := decodeRef(reply.Body)
	if err != nil {
		return PeerRef{}, err
	}
	return found, nil
}

func (r *Ring) remoteGetPredecessor(peer PeerRef) (PeerRef, bool, error) {
	conn, err := r.transport.Connect(peer.Address)
	if err != nil {
		return PeerRef{}, false, err
	}
	defer conn.Close()

	if err := conn.Send(transport.Message{
		Type:   transport.TypeGetPredecessor,
		Sender: r.senderRef(),
	}); err != nil {
		return PeerRef{}, false, err
	}

	reply, err := conn.ReceiveBlocking(rpcTimeout)
	if err != nil {
		return PeerRef{}, false, err
	}
	if reply.Type != transport.TypePredecessorReply {
		return PeerRef{}, false, fmt.Errorf("get_predecessor: %w", transport.ErrProtocolViolation)
	}
	return decodeRef(reply.Body)
}

// remoteNotify is fire-and-forget: the protocol does not define a reply for
// NOTIFY, so this sends and closes without waiting.
func (r *Ring) remoteNotify(peer, self PeerRef) error {
	conn, err := r.transport.Connect(peer.Address)
	if err != nil {
		return err
	}
	defer conn.Close()

	return conn.Send(transport.Message{
		Type:   transport.TypeNotify,
		Sender: transport.SenderRef{Address: self.Address, GUID: uint32(self.GUID)},
	})
}

func (r *Ring) remotePing(peer PeerRef) error {
	conn, err := r.transport.Connect(peer.Address)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send(transport.Message{Type: transport.TypePing, Sender: r.senderRef()}); err != nil {
		return err
	}
	reply, err := conn.ReceiveBlocking(rpcTimeout)
	if err != nil {
		return err
	}
	if reply.Type != transport.TypeAck {
		return fmt.Errorf("ping: %w", transport.ErrProtocolViolation)
	}
	return nil
}
