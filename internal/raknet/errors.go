package raknet

import (
	"errors"
	"fmt"
	"net/netip"
)

// Protocol anomaly kinds. Match with errors.Is.
var (
	ErrBadMagic            = errors.New("bad offline magic")
	ErrUnexpectedState     = errors.New("message not valid in current state")
	ErrGUIDMismatch        = errors.New("connection guid mismatch")
	ErrSecurityUnsupported = errors.New("security handshake not supported")
	ErrMalformed           = errors.New("malformed message")
)

// Transport and registry errors.
var (
	ErrSessionLimit    = errors.New("too many sessions for address")
	ErrSessionExists   = errors.New("session already exists for endpoint")
	ErrNotInitialized  = errors.New("link not initialized")
	ErrLinkClosed      = errors.New("link closed")
	ErrPayloadTooLarge = errors.New("payload exceeds split limit")
)

// ProtocolError is an expected anomaly from a peer. Reason is set when the
// session must be closed; otherwise the datagram is just dropped.
type ProtocolError struct {
	Kind   error
	ID     byte
	State  State
	Reason DisconnectReason
	Detail string
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("raknet: message 0x%02x in state %s: %v", e.ID, e.State, e.Kind)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Kind
}

// Closes reports whether the anomaly requires closing the session.
func (e *ProtocolError) Closes() bool {
	return e.Reason != ReasonNone
}

// InvariantError reports registry corruption, such as removing a session
// that is no longer tracked. It is never an expected condition.
type InvariantError struct {
	Endpoint netip.AddrPort
	Detail   string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("raknet: session registry invariant violated for %s: %s", e.Endpoint, e.Detail)
}

// FaultHandler receives registry invariant violations.
type FaultHandler func(err *InvariantError)
