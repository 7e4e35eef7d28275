package protocol

import (
	"fmt"
	"log"
	"os"

	"github.com/nocturne-chord/peer/internal/transport"
)

// SubmitDelete schedules a DELETE for filename on CLIENT_POOL, per
// spec.md §4.5.3.
func (e *Engine) SubmitDelete(filename string) {
	e.runOnClientPool(func() { e.deleteFile(filename) })
}

func (e *Engine) deleteFile(filename string) {
	pf, ok, err := e.store.GetSent(filename)
	if err != nil {
		e.notify(fmt.Sprintf("Failed to DELETE file: %v", err))
		return
	}
	if !ok {
		e.notify(fmt.Sprintf("File %s was not backed up!", filename))
		return
	}

	if err := e.store.MarkSentBeingDeleted(filename); err != nil {
		log.Printf("[protocol] delete: mark being-deleted %q: %v", filename, err)
	}

	var targets []string
	for key := range pf.Keys {
		peer, err := e.ring.FindSuccessor(key)
		if err != nil {
			continue
		}
		targets = append(targets, peer.Address)
		e.runOnProtocolPool(func() { e.sendDelete(pf.FileID, peer.Address) })
	}

	if err := e.store.RemoveSent(filename); err != nil {
		log.Printf("[protocol] delete: purge sent-files entry %q: %v", filename, err)
	}

	e.notify(fmt.Sprintf("DELETE for %s was sent to: %v", filename, targets))
}

func (e *Engine) sendDelete(fileID, address string) {
	conn, err := e.transport.Connect(address)
	if err != nil {
		log.Printf("[protocol] delete: connect %s: %v", address, err)
		return
	}
	defer conn.Close()

	if err := conn.Send(transport.Message{Type: transport.TypeDelete, Sender: e.senderRef(), Body: fileID}); err != nil {
		log.Printf("[protocol] delete: send to %s: %v", address, err)
	}
}

// handleInboundDelete is the receiver side of DELETE, per spec.md §4.5.3:
// fire-and-forget, idempotent if the file is already gone.
func (e *Engine) handleInboundDelete(msg transport.Message, _ *transport.Conn) {
	fileID := msg.Body

	if err := os.Remove(e.store.StoredFilePath(fileID)); err != nil && !os.IsNotExist(err) {
		log.Printf("[protocol] delete %s: remove file: %v", fileID, err)
	}
	if err := e.store.RemoveStored(fileID); err != nil {
		log.Printf("[protocol] delete %s: remove stored-files entry: %v", fileID, err)
	}
	if _, err := e.store.UpdateOccupation(); err != nil {
		log.Printf("[protocol] delete %s: update occupation: %v", fileID, err)
	}
}
