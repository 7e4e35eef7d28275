package protocol

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/nocturne-chord/peer/internal/chord"
	"github.com/nocturne-chord/peer/internal/peerstate"
	"github.com/nocturne-chord/peer/internal/transport"
)

// SubmitBackup schedules a BACKUP for filename at replicationDegree on
// CLIENT_POOL, per spec.md §4.5.1. It returns immediately; the result is
// delivered through the notification sink.
func (e *Engine) SubmitBackup(filename string, replicationDegree int) {
	e.runOnClientPool(func() { e.backup(filename, replicationDegree) })
}

func (e *Engine) backup(filename string, replicationDegree int) {
	e.runBackup(filename, replicationDegree, nil)
}

// backupExcluding re-runs BACKUP for filename while treating every GUID in
// excludedPeers as already holding the file, per spec.md §4.5.4's
// REMOVED-triggered re-backup.
func (e *Engine) backupExcluding(filename string, replicationDegree int, excludedPeers map[int]struct{}) {
	e.runBackup(filename, replicationDegree, excludedPeers)
}

func (e *Engine) runBackup(filename string, replicationDegree int, excludedPeers map[int]struct{}) {
	if e.ring.Table().IsSolitary() {
		e.notify(fmt.Sprintf("Could not start BACKUP: %v", ErrNotBootstrapped))
		return
	}

	info, err := os.Stat(filename)
	if err != nil {
		e.notify(fmt.Sprintf("Failed to BACKUP file: %v", err))
		return
	}
	size := info.Size()
	absPath, err := filepath.Abs(filename)
	if err != nil {
		absPath = filename
	}
	// os.FileInfo has no portable birth time; modification time stands in
	// for both createdAt and modifiedAt, per spec.md §3's "derived from
	// filename + file attributes" with no further format mandated.
	modifiedAt := info.ModTime().UnixNano()
	fileID := chord.HashFileID(filepath.Base(filename), size, modifiedAt, modifiedAt, absPath)

	self := e.ring.Self()
	candidates := generateCandidateKeys(e.randSource, replicationDegree*4)

	type target struct {
		peer chord.PeerRef
		key  int
	}
	var targets []target
	seen := map[int]struct{}{self.GUID: {}}
	for k := range excludedPeers {
		seen[k] = struct{}{}
	}
	for _, key := range candidates {
		peer, err := e.ring.FindSuccessor(key)
		if err != nil {
			continue
		}
		if _, dup := seen[peer.GUID]; dup {
			continue
		}
		seen[peer.GUID] = struct{}{}
		targets = append(targets, target{peer, key})
		if len(targets) == replicationDegree {
			break
		}
	}

	if len(targets) == 0 {
		e.notify("Could not find Peers to Backup this file!")
		return
	}

	existing, ok, err := e.store.GetSent(filename)
	if err != nil {
		log.Printf("[protocol] backup: read sent-files entry %q: %v", filename, err)
	}
	pf := existing
	if !ok {
		pf = peerstate.NewSentFile(fileID, self, size, replicationDegree)
	}

	type outcome struct {
		text string
		key  int
		won  bool
	}
	outcomes := parallelOnProtocolPool(e, len(targets), func(i int) outcome {
		text, key, won := e.backupToTarget(filename, fileID, size, targets[i].peer, targets[i].key, replicationDegree)
		return outcome{text, key, won}
	})
	results := make([]string, len(outcomes))
	for i, o := range outcomes {
		if o.won {
			pf.Keys[o.key] = struct{}{}
		}
		results[i] = o.text
	}

	if err := e.store.AddSent(filename, pf); err != nil {
		log.Printf("[protocol] backup: persist sent-files entry %q: %v", filename, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "----------------------------------------------------------------\n")
	fmt.Fprintf(&b, "Result for %s with replication degree %d\n", filename, replicationDegree)
	for _, r := range results {
		b.WriteString(r)
		b.WriteByte('\n')
	}
	b.WriteString("----------------------------------------------------------------")
	e.notify(b.String())
}

// backupToTarget runs one target's BACKUP dialogue, per spec.md §4.5.1. It
// is called concurrently, one goroutine per target, on PROTOCOL_POOL — so
// it must not mutate shared state; the caller folds the returned key into
// the sent-file entry after all targets finish.
func (e *Engine) backupToTarget(filename, fileID string, size int64, target chord.PeerRef, key, replicationDegree int) (result string, wonKey int, won bool) {
	conn, err := e.transport.Connect(target.Address)
	if err != nil {
		return fmt.Sprintf("Failed to Backup file on Peer %s", target.Address), 0, false
	}
	defer conn.Close()

	body := encodeBackupBody(fileID, size, e.ring.Self(), key, replicationDegree)
	if err := conn.Send(transport.Message{Type: transport.TypeBackup, Sender: e.senderRef(), Body: body}); err != nil {
		return fmt.Sprintf("Failed to Backup file on Peer %s", target.Address), 0, false
	}

	reply, err := conn.ReceiveBlocking(backupACKTimeout)
	if err != nil {
		return fmt.Sprintf("Failed to Backup file on Peer %s", target.Address), 0, false
	}

	switch reply.Type {
	case transport.TypeNack:
		switch reply.Body {
		case nackNoSpace:
			return fmt.Sprintf("Peer %s has no space to store the file", target.Address), 0, false
		case nackHaveFile:
			return fmt.Sprintf("Peer %s already has the file", target.Address), key, true
		default:
			return fmt.Sprintf("Received unexpected message from Peer %s", target.Address), 0, false
		}
	case transport.TypeAck:
		// fall through to streaming
	default:
		return fmt.Sprintf("Received unexpected message from Peer %s", target.Address), 0, false
	}

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Sprintf("Failed to Backup file on Peer %s", target.Address), 0, false
	}
	defer f.Close()

	if err := conn.SendFile(f, size); err != nil {
		return fmt.Sprintf("Failed to Backup file on Peer %s", target.Address), 0, false
	}

	reply, err = conn.ReceiveBlocking(backupFileACKTimeout)
	if err != nil || reply.Type != transport.TypeAck {
		return "Failed to receive ACK from peer after sending file", 0, false
	}

	return fmt.Sprintf("Backup Successful on Peer %s", target.Address), key, true
}

// handleInboundBackup is the receiver side of BACKUP, per spec.md §4.5.1:
// check space and absence of fileId, ACK or NACK, then receive the file and
// store it.
func (e *Engine) handleInboundBackup(msg transport.Message, conn *transport.Conn) {
	req, err := decodeBackupBody(msg.Body)
	if err != nil {
		log.Printf("[protocol] malformed backup request from %s: %v", msg.Sender.Address, err)
		return
	}

	if _, exists, _ := e.store.GetStored(req.FileID); exists {
		conn.Send(transport.Message{Type: transport.TypeNack, Sender: e.senderRef(), Body: nackHaveFile}) //nolint:errcheck
		return
	}
	if !e.store.HasSpace(req.Size) {
		conn.Send(transport.Message{Type: transport.TypeNack, Sender: e.senderRef(), Body: nackNoSpace}) //nolint:errcheck
		return
	}

	if err := conn.Send(transport.Message{Type: transport.TypeAck, Sender: e.senderRef()}); err != nil {
		return
	}

	path := e.store.StoredFilePath(req.FileID)
	out, err := os.Create(path)
	if err != nil {
		log.Printf("[protocol] create stored file %s: %v", path, err)
		return
	}
	if err := conn.ReceiveFile(out, req.Size); err != nil {
		out.Close()
		os.Remove(path)
		log.Printf("[protocol] receive stored file %s: %v", path, err)
		return
	}
	out.Close()

	pf := peerstate.NewStoredFile(req.FileID, req.Owner, req.Size, req.ReplicationDegree, req.Key)
	if err := e.store.AddStored(pf); err != nil {
		log.Printf("[protocol] persist stored-files entry %s: %v", req.FileID, err)
		os.Remove(path)
		return
	}
	if _, err := e.store.UpdateOccupation(); err != nil {
		log.Printf("[protocol] update occupation after backup of %s: %v", req.FileID, err)
	}

	conn.Send(transport.Message{Type: transport.TypeAck, Sender: e.senderRef()}) //nolint:errcheck
}
