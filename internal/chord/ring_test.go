package chord

import (
	"testing"
	"time"

	"github.com/nocturne-chord/peer/internal/transport"
)

// chordDispatcher is the minimal inbound dispatcher a real peer builds in
// internal/protocol: read one message, hand it to the ring, close the
// connection. Protocol-engine message types (BACKUP, GET, ...) are not
// exercised here.
func chordDispatcher(r *Ring) transport.Handler {
	return func(c *transport.Conn) {
		defer c.Close()
		msg, err := c.ReceiveBlocking(2 * time.Second)
		if err != nil {
			return
		}
		r.HandleInbound(msg, c)
	}
}

func newTestRing(t *testing.T, addr string, guid ID) *Ring {
	t.Helper()
	tp, err := transport.New(transport.SenderRef{Address: addr, GUID: uint32(guid)})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	self := PeerRef{Address: addr, GUID: guid}
	r := New(self, tp, 50*time.Millisecond)
	bound, err := tp.Listen(addr, chordDispatcher(r))
	if err != nil {
		t.Fatalf("listen %s: %v", addr, err)
	}
	t.Cleanup(func() { tp.Close() })
	_ = bound
	return r
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestRingJoinSolitary(t *testing.T) {
	a := newTestRing(t, "127.0.0.1:19301", 10)

	if err := a.Join(PeerRef{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !a.Table().IsSolitary() {
		t.Fatal("expected solitary ring after joining with no bootstrap")
	}
}

func TestTwoNodeRingStabilizesIntoACycle(t *testing.T) {
	a := newTestRing(t, "127.0.0.1:19302", 10)
	b := newTestRing(t, "127.0.0.1:19303", 100)

	if err := a.Join(PeerRef{}); err != nil {
		t.Fatalf("a.Join: %v", err)
	}
	if err := b.Join(a.Self()); err != nil {
		t.Fatalf("b.Join: %v", err)
	}

	waitUntil(t, 3*time.Second, func() bool {
		a.Stabilize()
		b.Stabilize()
		return a.Table().Successor().Equal(b.Self()) &&
			b.Table().Successor().Equal(a.Self()) &&
			a.Table().Predecessor().Equal(b.Self()) &&
			b.Table().Predecessor().Equal(a.Self())
	})
}

func TestFindSuccessorAcrossTwoNodes(t *testing.T) {
	a := newTestRing(t, "127.0.0.1:19304", 10)
	b := newTestRing(t, "127.0.0.1:19305", 100)

	if err := a.Join(PeerRef{}); err != nil {
		t.Fatalf("a.Join: %v", err)
	}
	if err := b.Join(a.Self()); err != nil {
		t.Fatalf("b.Join: %v", err)
	}

	waitUntil(t, 3*time.Second, func() bool {
		a.Stabilize()
		b.Stabilize()
		return a.Table().Successor().Equal(b.Self()) && b.Table().Successor().Equal(a.Self())
	})

	// An identifier strictly between b and a (wrapping through 0) belongs to a.
	got, err := b.FindSuccessor(mask(5))
	if err != nil {
		t.Fatalf("find_successor: %v", err)
	}
	if !got.Equal(a.Self()) {
		t.Fatalf("expected successor of 5 to be a (%+v), got %+v", a.Self(), got)
	}

	// An identifier strictly between a and b belongs to b.
	got, err = a.FindSuccessor(mask(50))
	if err != nil {
		t.Fatalf("find_successor: %v", err)
	}
	if !got.Equal(b.Self()) {
		t.Fatalf("expected successor of 50 to be b (%+v), got %+v", b.Self(), got)
	}
}

func TestCheckPredecessorClearsUnreachablePeer(t *testing.T) {
	a := newTestRing(t, "127.0.0.1:19306", 10)
	a.Table().SetPredecessor(PeerRef{Address: "127.0.0.1:1", GUID: mask(1)})

	a.CheckPredecessor()

	if !a.Table().Predecessor().IsZero() {
		t.Fatal("expected unreachable predecessor to be cleared")
	}
}
