package call

import (
	"context"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
)

type Decision int

const (
	DecisionReject Decision = iota
	DecisionAccept
)

func (d Decision) String() string {
	if d == DecisionAccept {
		return "accept"
	}
	return "reject"
}

// Ring describes an incoming call presented to the user.
type Ring struct {
	SessionID string
	From      Identity
	Kind      media.Kind
}

// Ringer asks the user whether to take an incoming call. Ring blocks until the
// user decides or ctx ends; ctx is cancelled when the caller gives up.
type Ringer interface {
	Ring(ctx context.Context, ring Ring) (Decision, error)
}

type RingerFunc func(ctx context.Context, ring Ring) (Decision, error)

func (f RingerFunc) Ring(ctx context.Context, ring Ring) (Decision, error) {
	return f(ctx, ring)
}
