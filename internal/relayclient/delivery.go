package relayclient

import "errors"

var (
	ErrClosed       = errors.New("relayclient: connection closed")
	ErrNotDelivered = errors.New("relayclient: relay could not deliver frame")
	ErrAckTimeout   = errors.New("relayclient: timed out waiting for relay ack")
)

// DeliveryStatus describes how far a frame is known to have travelled.
type DeliveryStatus int

const (
	// DeliveryNone means nothing was sent. It is the zero value.
	DeliveryNone DeliveryStatus = iota
	// DeliveryFailed means the frame was not written, or the relay reported it
	// could not forward it.
	DeliveryFailed
	// DeliveryBestEffort means the frame was written to the relay connection
	// but no acknowledgement was requested or received.
	DeliveryBestEffort
	// DeliveryConfirmed means the relay acknowledged forwarding the frame.
	DeliveryConfirmed
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliveryNone:
		return "none"
	case DeliveryFailed:
		return "failed"
	case DeliveryBestEffort:
		return "best-effort"
	case DeliveryConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// DeliveryResult is returned by every send. Sends are never retried.
type DeliveryResult struct {
	Status DeliveryStatus
	Err    error
}

// Delivered reports whether the frame reached the relay connection.
func (r DeliveryResult) Delivered() bool {
	return r.Status == DeliveryBestEffort || r.Status == DeliveryConfirmed
}
