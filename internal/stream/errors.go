package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol marks session-scoped protocol violations: malformed
	// identifiers, undecodable messages and out-of-order events.
	ErrProtocol = errors.New("stream: protocol error")

	// ErrUnknownStrategy is returned when a session names a strategy that is
	// not configured. It fails session creation before any buffering.
	ErrUnknownStrategy = errors.New("stream: unknown strategy")

	// ErrSessionExists is returned when a call id already has an active
	// session.
	ErrSessionExists = errors.New("stream: session already active")

	// ErrClassificationTimeout means a strategy did not answer before the
	// classification deadline.
	ErrClassificationTimeout = errors.New("stream: classification timed out")

	// ErrClassificationFailure means a strategy returned an error or panicked.
	ErrClassificationFailure = errors.New("stream: classification failed")

	// ErrTooManyMalformed closes a session whose peer keeps sending messages
	// that cannot be decoded or arrive out of order.
	ErrTooManyMalformed = errors.New("stream: malformed message tolerance exceeded")

	// ErrShuttingDown is the close cause of sessions ended by server shutdown.
	ErrShuttingDown = errors.New("stream: server shutting down")
)

// DecodeError describes an inbound message that could not be turned into an
// [Event]. It matches [ErrProtocol] under errors.Is.
type DecodeError struct {
	// Reason is a short machine-friendly cause such as "invalid_json".
	Reason string

	// Event is the event discriminator when one could be read.
	Event string

	// Err is the underlying parse error, if any.
	Err error
}

func (e *DecodeError) Error() string {
	msg := "stream: decode"
	if e.Event != "" {
		msg += " " + e.Event
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is reports ErrProtocol as a match so callers can treat every decode
// failure as a protocol error.
func (e *DecodeError) Is(target error) bool { return target == ErrProtocol }
