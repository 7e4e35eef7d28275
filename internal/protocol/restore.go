package protocol

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/nocturne-chord/peer/internal/chord"
	"github.com/nocturne-chord/peer/internal/peerstate"
	"github.com/nocturne-chord/peer/internal/transport"
)

// SubmitRestore schedules a RESTORE for filename on CLIENT_POOL, per
// spec.md §4.5.2.
func (e *Engine) SubmitRestore(filename string) {
	e.runOnClientPool(func() { e.restore(filename) })
}

func (e *Engine) restore(filename string) {
	pf, ok, err := e.store.GetSent(filename)
	if err != nil {
		e.notify(fmt.Sprintf("Failed to RESTORE file: %v", err))
		return
	}
	if !ok {
		e.notify("File was not backed up: " + filename)
		return
	}

	newFilename := "restored_" + filepath.Base(filename)

	for key := range pf.Keys {
		peer, err := e.ring.FindSuccessor(key)
		if err != nil {
			continue
		}
		if e.restoreFromPeer(peer, pf, newFilename) {
			e.notify(fmt.Sprintf("File: %s restored successfully!", filename))
			return
		}
	}

	e.notify(fmt.Sprintf("File: %s could not be restored!", filename))
}

// restoreFromPeer runs the double-GET receive dialogue against one holder
// of the file, per spec.md §4.5.2 and §9's explicit note that the
// duplicated GET is preserved as a deliberate "start streaming" signal, not
// a bug to fix.
func (e *Engine) restoreFromPeer(peer chord.PeerRef, pf peerstate.PeerFile, newFilename string) bool {
	conn, err := e.transport.Connect(peer.Address)
	if err != nil {
		return false
	}
	defer conn.Close()

	if err := conn.Send(transport.Message{Type: transport.TypeGet, Sender: e.senderRef(), Body: pf.FileID}); err != nil {
		return false
	}

	ack, err := conn.ReceiveBlocking(restoreACKTimeout)
	if err != nil {
		log.Printf("[protocol] restore: no ACK for GET %s from %s: %v", pf.FileID, peer.Address, err)
		return false
	}
	if ack.Type != transport.TypeAck {
		return false
	}

	// Second GET is the documented signal for the remote to start streaming.
	if err := conn.Send(transport.Message{Type: transport.TypeGet, Sender: e.senderRef(), Body: pf.FileID}); err != nil {
		return false
	}

	destPath := filepath.Join(e.restoreDir, newFilename)
	out, err := os.Create(destPath)
	if err != nil {
		log.Printf("[protocol] restore: create %s: %v", destPath, err)
		return false
	}
	defer out.Close()

	if err := conn.ReceiveFile(out, pf.Size); err != nil {
		log.Printf("[protocol] restore: receive file %s: %v", pf.FileID, err)
		return false
	}

	stored := peerstate.NewStoredFile(pf.FileID, pf.Owner, pf.Size, pf.ReplicationDegree, peerstate.NoLocalKey)
	if err := e.store.AddStored(stored); err != nil && !errors.Is(err, peerstate.ErrDuplicateFile) {
		log.Printf("[protocol] restore: persist stored-files entry %s: %v", pf.FileID, err)
		return false
	}

	return true
}

// handleInboundGet is the receiver side of RESTORE's double-GET dialogue,
// per spec.md §4.5.2: ACK/NACK on the first GET, stream on the second.
func (e *Engine) handleInboundGet(msg transport.Message, conn *transport.Conn) {
	fileID := msg.Body

	pf, ok, err := e.store.GetStored(fileID)
	if err != nil {
		log.Printf("[protocol] get %s: %v", fileID, err)
		return
	}
	if !ok {
		conn.Send(transport.Message{Type: transport.TypeNack, Sender: e.senderRef(), Body: nackNotFound}) //nolint:errcheck
		return
	}
	if err := conn.Send(transport.Message{Type: transport.TypeAck, Sender: e.senderRef()}); err != nil {
		return
	}

	second, err := conn.ReceiveBlocking(restoreACKTimeout)
	if err != nil || second.Type != transport.TypeGet {
		return
	}

	f, err := os.Open(e.store.StoredFilePath(fileID))
	if err != nil {
		log.Printf("[protocol] get %s: open stored file: %v", fileID, err)
		return
	}
	defer f.Close()

	if err := conn.SendFile(f, pf.Size); err != nil {
		log.Printf("[protocol] get %s: send file: %v", fileID, err)
	}
}
