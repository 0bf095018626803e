// Package ringing provides the ways an incoming call is put to the user.
package ringing

import (
	"context"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/call"
)

// Pending is a ring waiting for a decision.
type Pending struct {
	call.Ring

	ctx     context.Context
	decided chan call.Decision
	once    sync.Once
}

// Accept answers the call. It reports false if the ring was already decided
// or the caller gave up.
func (p *Pending) Accept() bool { return p.decide(call.DecisionAccept) }

// Reject declines the call. It reports false if the ring was already decided
// or the caller gave up.
func (p *Pending) Reject() bool { return p.decide(call.DecisionReject) }

// Missed is closed when the caller stops ringing before a decision.
func (p *Pending) Missed() <-chan struct{} { return p.ctx.Done() }

func (p *Pending) decide(d call.Decision) bool {
	if p.ctx.Err() != nil {
		return false
	}
	ok := false
	p.once.Do(func() {
		p.decided <- d
		ok = true
	})
	return ok
}

// Prompt hands every ring to a UI through Rings.
type Prompt struct {
	rings chan *Pending
}

func NewPrompt(buffer int) *Prompt {
	return &Prompt{rings: make(chan *Pending, buffer)}
}

func (p *Prompt) Rings() <-chan *Pending { return p.rings }

func (p *Prompt) Ring(ctx context.Context, ring call.Ring) (call.Decision, error) {
	pending := &Pending{Ring: ring, ctx: ctx, decided: make(chan call.Decision, 1)}
	select {
	case p.rings <- pending:
	case <-ctx.Done():
		return call.DecisionReject, ctx.Err()
	}
	select {
	case d := <-pending.decided:
		return d, nil
	case <-ctx.Done():
		return call.DecisionReject, ctx.Err()
	}
}

// Auto answers every call the same way after Delay.
type Auto struct {
	Decision call.Decision
	Delay    time.Duration
}

func (a Auto) Ring(ctx context.Context, _ call.Ring) (call.Decision, error) {
	if a.Delay > 0 {
		t := time.NewTimer(a.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return call.DecisionReject, ctx.Err()
		}
	}
	return a.Decision, nil
}
