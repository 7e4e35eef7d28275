package transport

import "errors"

// Sentinel error kinds, per spec.md §7.
var (
	ErrUnreachable       = errors.New("peer unreachable")
	ErrHandshakeFailed   = errors.New("tls handshake failed")
	ErrTimeout           = errors.New("timed out waiting for message")
	ErrIoError           = errors.New("transport i/o error")
	ErrProtocolViolation = errors.New("unexpected message")
)
