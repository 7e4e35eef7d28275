// Package transport provides the length-framed, TLS-encrypted, bidirectional
// message stream used between Nocturne-Chord peers, plus bulk file
// streaming. It is the wire-level half of the teacher's Transport
// (internal/dht/transport.go), reworked from WebSocket+JSON framing to raw
// net.Conn + crypto/tls with the byte-level frame the design calls for.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Message types, per spec.md §6 plus the Chord RPCs needed by §4.3.
const (
	TypeBackup           uint8 = 1
	TypeGet              uint8 = 2
	TypeDelete           uint8 = 3
	TypeRemoved          uint8 = 4
	TypeAck              uint8 = 5
	TypeNack             uint8 = 6
	TypePing             uint8 = 7
	TypeFindSuccessor    uint8 = 8
	TypeSuccessorReply   uint8 = 9
	TypeGetPredecessor   uint8 = 10
	TypePredecessorReply uint8 = 11
	TypeNotify           uint8 = 12
)

// maxBodyLength caps a single message body to guard against a corrupt or
// hostile peer claiming an unbounded frame.
const maxBodyLength = 1 << 20 // 1 MiB

// SenderRef identifies the sender of a message: its listen address and
// Chord GUID.
type SenderRef struct {
	Address string
	GUID    uint32
}

// Message is the common envelope for all peer-to-peer messages, framed as
// type(u8) | senderRef | bodyLength(u32) | body(bytes), per spec.md §4.2.
type Message struct {
	Type   uint8
	Sender SenderRef
	Body   string
}

// WriteMessage writes one framed message to w.
func WriteMessage(w io.Writer, m Message) error {
	bw := bufio.NewWriter(w)

	if err := bw.WriteByte(m.Type); err != nil {
		return fmt.Errorf("write type: %w", err)
	}

	addr := []byte(m.Sender.Address)
	if len(addr) > 0xFFFF {
		return fmt.Errorf("sender address too long: %d bytes", len(addr))
	}
	if err := binary.Write(bw, binary.BigEndian, uint16(len(addr))); err != nil {
		return fmt.Errorf("write address length: %w", err)
	}
	if _, err := bw.Write(addr); err != nil {
		return fmt.Errorf("write address: %w", err)
	}
	if err := binary.Write(bw, binary.BigEndian, m.Sender.GUID); err != nil {
		return fmt.Errorf("write guid: %w", err)
	}

	body := []byte(m.Body)
	if len(body) > maxBodyLength {
		return fmt.Errorf("body too long: %d bytes", len(body))
	}
	if err := binary.Write(bw, binary.BigEndian, uint32(len(body))); err != nil {
		return fmt.Errorf("write body length: %w", err)
	}
	if _, err := bw.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	return bw.Flush()
}

// ReadMessage reads one framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var m Message

	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, typeBuf); err != nil {
		return m, fmt.Errorf("read type: %w", err)
	}
	m.Type = typeBuf[0]

	var addrLen uint16
	if err := binary.Read(r, binary.BigEndian, &addrLen); err != nil {
		return m, fmt.Errorf("read address length: %w", err)
	}
	addrBuf := make([]byte, addrLen)
	if _, err := io.ReadFull(r, addrBuf); err != nil {
		return m, fmt.Errorf("read address: %w", err)
	}
	m.Sender.Address = string(addrBuf)

	if err := binary.Read(r, binary.BigEndian, &m.Sender.GUID); err != nil {
		return m, fmt.Errorf("read guid: %w", err)
	}

	var bodyLen uint32
	if err := binary.Read(r, binary.BigEndian, &bodyLen); err != nil {
		return m, fmt.Errorf("read body length: %w", err)
	}
	if bodyLen > maxBodyLength {
		return m, fmt.Errorf("body too long: %d bytes", bodyLen)
	}
	bodyBuf := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, bodyBuf); err != nil {
		return m, fmt.Errorf("read body: %w", err)
	}
	m.Body = string(bodyBuf)

	return m, nil
}
