package call

import (
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/relayclient"
)

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

type State string

const (
	StateIdle           State = "idle"
	StateAcquiringMedia State = "acquiring-media"
	StateOfferSent      State = "offer-sent"
	StateRinging        State = "ringing"
	StateNegotiating    State = "negotiating"
	StateActive         State = "active"
	StateEnded          State = "ended"
	StateFailed         State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// EndReason says why a session reached a terminal state.
type EndReason string

const (
	ReasonNone             EndReason = ""
	ReasonHangup           EndReason = "hangup"
	ReasonRemoteHangup     EndReason = "remote-hangup"
	ReasonRejected         EndReason = "rejected"
	ReasonRemoteRejected   EndReason = "remote-rejected"
	ReasonBusy             EndReason = "busy"
	ReasonOffline          EndReason = "offline"
	ReasonMediaError       EndReason = "media-error"
	ReasonNegotiationError EndReason = "negotiation-error"
	ReasonConnectionFailed EndReason = "connection-failed"
	ReasonRelayError       EndReason = "relay-error"
	ReasonRingTimeout      EndReason = "ring-timeout"
	ReasonShutdown         EndReason = "shutdown"
)

// Identity names a user on the relay.
type Identity struct {
	ID   string
	Name string
}

// Update is published on every state change and on informational events.
type Update struct {
	SessionID  string
	Role       Role
	Kind       media.Kind
	RemoteUser Identity
	State      State
	// Event is set for updates that do not change state, e.g.
	// "remote-accepted".
	Event  string
	Reason EndReason
	Err    error
}

// Outcome is the final result of a session, available once Done is closed.
type Outcome struct {
	State  State
	Reason EndReason
	Err    error
	// Teardown reports how the end-call or reject-call sent during teardown
	// was delivered. Its status is relayclient.DeliveryNone when teardown sent
	// nothing.
	Teardown       relayclient.DeliveryResult
	TeardownSent   string
	TracksReleased int
}

const EventRemoteAccepted = "remote-accepted"
