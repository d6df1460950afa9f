package transport

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by send operations while no backend connection
// is up. Frames are never queued across a disconnect; the caller simply keeps
// capturing and the frames in flight are not retried.
var ErrNotConnected = errors.New("transport: not connected")

// ErrTransientDisconnect marks an unexpected connection loss that the
// transport will recover from by scheduling a reconnect. Wrapped inside a
// [ConnectionError]; match with errors.Is.
var ErrTransientDisconnect = errors.New("transport: connection lost")

// ConnectionError wraps a failure of the underlying WebSocket connection.
type ConnectionError struct {
	// Op names the failing operation ("dial", "read", "write", "handshake").
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError marks a malformed or undecodable inbound message. Protocol
// errors are logged, counted, and dropped; they never tear the session down.
type ProtocolError struct {
	// MessageType is the inbound type field if it could be read, else "".
	MessageType string
	Err         error
}

func (e *ProtocolError) Error() string {
	if e.MessageType == "" {
		return fmt.Sprintf("transport: malformed message: %v", e.Err)
	}
	return fmt.Sprintf("transport: malformed %q message: %v", e.MessageType, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// BackendError carries an application-level error event from the backend.
// Surfaced to the session but non-fatal; the connection stays up.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	return "transport: backend error: " + e.Message
}
