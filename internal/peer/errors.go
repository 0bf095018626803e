package peer

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyApplied is returned when a description is applied a second time
	// in the same negotiation round.
	ErrAlreadyApplied = errors.New("peer: description already applied")
	// ErrNoRemoteDescription is returned by AddICECandidate before the remote
	// description has been applied.
	ErrNoRemoteDescription = errors.New("peer: remote description not set")
	ErrClosed              = errors.New("peer: connection closed")
)

// NegotiationError reports a malformed or out-of-order offer/answer step.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("peer: %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// IceStateError reports a remote candidate that cannot be applied yet. Callers
// queue the candidate until the remote description exists.
type IceStateError struct {
	Candidate string
}

func (e *IceStateError) Error() string {
	return fmt.Sprintf("peer: cannot add ice candidate %q: %v", e.Candidate, ErrNoRemoteDescription)
}

func (e *IceStateError) Unwrap() error { return ErrNoRemoteDescription }
