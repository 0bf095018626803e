package call

import (
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
)

var (
	ErrInvalidState     = errors.New("call: operation not valid in current state")
	ErrSessionEnded     = errors.New("call: session ended")
	ErrCallInProgress   = errors.New("call: another call is in progress")
	ErrConnectionFailed = errors.New("call: peer connection failed")
	ErrChannelClosed    = errors.New("call: relay channel closed")
)

// MediaAcquisitionError reports that local capture failed. Err is typically
// media.ErrPermissionDenied or media.ErrNoDevice.
type MediaAcquisitionError struct {
	Kind media.Kind
	Err  error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("call: acquire %s media: %v", e.Kind, e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// OfflineError is the terminal error of a caller whose callee had no relay
// connection.
type OfflineError struct {
	UserID string
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("call: user %q is offline", e.UserID)
}

// RejectedError is the terminal error of a caller whose call was declined.
type RejectedError struct {
	UserID string
	Busy   bool
}

func (e *RejectedError) Error() string {
	if e.Busy {
		return fmt.Sprintf("call: user %q is busy", e.UserID)
	}
	return fmt.Sprintf("call: user %q rejected the call", e.UserID)
}

// RelayError reports a signaling send the relay connection could not take.
type RelayError struct {
	Event string
	Err   error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("call: send %s: %v", e.Event, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }
