package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Transport errors trigger reconnect, protocol errors drop
// the frame, auth errors force a refresh, upstream errors make decision
// engines fall through to the next tier.

var (
	// ErrTimeout covers AI and platform API calls that exceeded their budget.
	ErrTimeout = errors.New("upstream timeout")
	// ErrUpstream is a non-timeout failure from a collaborator service.
	ErrUpstream = errors.New("upstream error")
	// ErrAuthRejected means the platform rejected the credential outright.
	// A refresh that also fails after this marks the account degraded.
	ErrAuthRejected = errors.New("credential rejected")
	// ErrPoolEmpty means a card-pool delivery rule has no unused cards
	// left to hand out.
	ErrPoolEmpty = errors.New("card pool empty")
)

// ProtocolError marks an inbound frame that failed structural validation.
// It is logged and the frame dropped; it never tears down the connection.
type ProtocolError struct {
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Cause)
	}
	return "malformed frame: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// TransportError wraps a read/write/dial failure on the socket.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Cause.Error()
}

func (e *TransportError) Unwrap() error { return e.Cause }

func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
