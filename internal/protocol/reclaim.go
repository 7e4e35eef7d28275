package protocol

import (
	"fmt"
	"log"
	"os"

	"github.com/nocturne-chord/peer/internal/peerstate"
	"github.com/nocturne-chord/peer/internal/transport"
)

// SubmitReclaim schedules a RECLAIM to targetBytes on CLIENT_POOL, per
// spec.md §4.5.4. targetBytes == 0 means "evict everything and reset
// capacity to the default".
func (e *Engine) SubmitReclaim(targetBytes, defaultCapacity int64) {
	e.runOnClientPool(func() { e.reclaim(targetBytes, defaultCapacity) })
}

func (e *Engine) reclaim(targetBytes, defaultCapacity int64) {
	stored, err := e.store.ListStored()
	if err != nil {
		e.notify(fmt.Sprintf("Reclaim failed: %v", err))
		return
	}

	for _, pf := range stored {
		path := e.store.StoredFilePath(pf.FileID)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("[protocol] reclaim: remove %s: %v", path, err)
			continue
		}
		if err := e.store.RemoveStored(pf.FileID); err != nil {
			log.Printf("[protocol] reclaim: remove stored-files entry %s: %v", pf.FileID, err)
			continue
		}

		pf := pf // local copy for the closure below
		e.runOnProtocolPool(func() { e.sendRemoved(pf) })

		occ, err := e.store.UpdateOccupation()
		if err != nil {
			log.Printf("[protocol] reclaim: update occupation: %v", err)
			continue
		}
		// Evict, then check: each iteration always frees at least one
		// entry before the target-bytes stop condition is consulted,
		// matching Peer._reclaim's unconditional-delete-then-break order.
		if targetBytes > 0 && occ <= targetBytes {
			break
		}
	}

	newCapacity := targetBytes
	if targetBytes == 0 {
		newCapacity = defaultCapacity
	}
	if err := e.store.SetCapacity(newCapacity); err != nil {
		log.Printf("[protocol] reclaim: set capacity: %v", err)
	}

	e.notify("Reclaim Successful!")
}

// sendRemoved notifies a stored file's owner that this peer is no longer
// serving it, per spec.md §4.5.4. Best effort: a failed connect is ignored.
func (e *Engine) sendRemoved(pf peerstate.PeerFile) {
	conn, err := e.transport.Connect(pf.Owner.Address)
	if err != nil {
		return
	}
	defer conn.Close()

	body := encodeRemovedBody(pf.FileID, pf.LocalKey)
	conn.Send(transport.Message{Type: transport.TypeRemoved, Sender: e.senderRef(), Body: body}) //nolint:errcheck
}

// handleInboundRemoved is the owner-side receiver of REMOVED, per spec.md
// §4.5.4: drop the reported key, and if the key count falls below the
// replication degree and the file is not beingDeleted, schedule a fresh
// BACKUP excluding current holders — the resolved Open Question from
// spec.md §9.
func (e *Engine) handleInboundRemoved(msg transport.Message) {
	fileID, key, err := decodeRemovedBody(msg.Body)
	if err != nil {
		log.Printf("[protocol] malformed removed notification from %s: %v", msg.Sender.Address, err)
		return
	}

	name, err := e.findSentByFileID(fileID)
	if err != nil {
		log.Printf("[protocol] removed %s: %v", fileID, err)
		return
	}
	if name == "" {
		log.Printf("[protocol] removed %s: no matching sent-files entry", fileID)
		return
	}

	updated, err := e.store.MutateSentKeys(name, func(keys map[int]struct{}) { delete(keys, key) })
	if err != nil {
		log.Printf("[protocol] removed %s: update keys: %v", fileID, err)
		return
	}

	if len(updated.Keys) < updated.ReplicationDegree && !updated.BeingDeleted {
		log.Printf("[protocol] removed %s: surviving replicas %d below degree %d, scheduling re-backup",
			fileID, len(updated.Keys), updated.ReplicationDegree)
		exclude := updated.Keys
		e.runOnProtocolPool(func() { e.rebackup(name, updated.ReplicationDegree, exclude) })
	}
}

// findSentByFileID is the inverse of the sent-files map's natural filename
// key: REMOVED arrives addressed by fileId, so the owner scans its
// sent-files entries for a match. spec.md keeps sent files keyed by
// filename (§3), so this linear scan is the price of that choice — the
// registry is not expected to hold more than a modest number of entries
// per peer.
func (e *Engine) findSentByFileID(fileID string) (string, error) {
	all, err := e.store.ListSent()
	if err != nil {
		return "", err
	}
	for name, pf := range all {
		if pf.FileID == fileID {
			return name, nil
		}
	}
	return "", nil
}

// rebackup re-runs BACKUP for an already-sent file, excluding peers whose
// GUIDs resolve from keys already present in exclude, per spec.md §4.5.4's
// "SHOULD exclude peers still holding the file".
func (e *Engine) rebackup(filename string, replicationDegree int, exclude map[int]struct{}) {
	excludedPeers := make(map[int]struct{}, len(exclude))
	for key := range exclude {
		if peer, err := e.ring.FindSuccessor(key); err == nil {
			excludedPeers[peer.GUID] = struct{}{}
		}
	}
	e.backupExcluding(filename, replicationDegree, excludedPeers)
}
