package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/relayclient"
)

// maxPendingCandidates bounds the remote candidates held before the remote
// description is applied.
const maxPendingCandidates = 512

type message any

type (
	msgAnnounce        struct{}
	msgStart           struct{}
	msgAccept          struct{ reply chan error }
	msgReject          struct{ reply chan error }
	msgOffer           struct{ desc webrtc.SessionDescription }
	msgAnswer          struct{ desc webrtc.SessionDescription }
	msgRemoteCandidate struct{ c webrtc.ICECandidateInit }
	msgLocalCandidate  struct{ c webrtc.ICECandidateInit }
	msgPeerState       struct{ state webrtc.PeerConnectionState }
	msgRingTimeout     struct{}
	msgUnhold          struct{}
	msgRemoteAccepted  struct{}
	msgRemoteRejected  struct{ reason string }
	msgRemoteEnded     struct{}
	msgRemoteOffline   struct{}
)

type msgHangup struct {
	reason EndReason
	reply  chan error
}

type msgMedia struct {
	tracks []media.Track
	err    error
}

type msgRingResult struct {
	decision Decision
	err      error
}

// Session is one call between the local user and one remote user, identified
// by its room id.
//
// All exported methods are safe for concurrent use. The inbound Handle*
// methods never block; Accept, Reject and Hangup wait for the session to act
// on the request.
type Session struct {
	id     string
	seq    uint64
	role   Role
	kind   media.Kind
	remote Identity

	router *Router
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  *mailbox
	done   chan struct{}

	mu      sync.Mutex
	state   State
	outcome Outcome

	// Fields below are owned by the run goroutine.
	pc            PeerConnection
	tracks        []media.Track
	offer         *webrtc.SessionDescription
	remoteApplied bool
	pending       []webrtc.ICECandidateInit
	notifyRemote  bool
	held          bool
	ringTimer     *time.Timer
	finished      bool
	teardownEvent string
	teardown      relayclient.DeliveryResult
}

func newSession(r *Router, id string, seq uint64, role Role, remote Identity, kind media.Kind, held bool) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     id,
		seq:    seq,
		role:   role,
		kind:   kind,
		remote: remote,
		router: r,
		log:    r.log.With("room_id", id, "role", string(role), "remote_user", remote.ID),
		ctx:    ctx,
		cancel: cancel,
		inbox:  newMailbox(),
		done:   make(chan struct{}),
		state:  StateIdle,
		// The callee's counterpart already knows about the call.
		notifyRemote: role == RoleCallee,
		held:         held,
	}
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Role() Role            { return s.role }
func (s *Session) Kind() media.Kind      { return s.kind }
func (s *Session) Remote() Identity      { return s.remote }
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Outcome returns the final result. Before Done is closed it only carries the
// current state.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		return Outcome{State: s.state}
	}
	return s.outcome
}

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		return s.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Accept answers a ringing call. It returns once media acquisition has
// started; progress is reported through updates.
func (s *Session) Accept(ctx context.Context) error {
	reply := make(chan error, 1)
	return s.request(ctx, msgAccept{reply: reply}, reply, ErrSessionEnded)
}

// Reject declines a ringing call without acquiring media.
func (s *Session) Reject(ctx context.Context) error {
	reply := make(chan error, 1)
	return s.request(ctx, msgReject{reply: reply}, reply, ErrSessionEnded)
}

// Hangup ends the call from any non-terminal state. Hanging up an ended
// session is a no-op.
func (s *Session) Hangup(ctx context.Context) error {
	return s.end(ctx, ReasonHangup)
}

func (s *Session) end(ctx context.Context, reason EndReason) error {
	reply := make(chan error, 1)
	return s.request(ctx, msgHangup{reason: reason, reply: reply}, reply, nil)
}

func (s *Session) request(ctx context.Context, msg message, reply chan error, ended error) error {
	if !s.inbox.post(msg) {
		return ended
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) HandleIncomingOffer(desc webrtc.SessionDescription) {
	s.inbox.post(msgOffer{desc: desc})
}

func (s *Session) HandleAnswer(desc webrtc.SessionDescription) {
	s.inbox.post(msgAnswer{desc: desc})
}

func (s *Session) HandleRemoteCandidate(c webrtc.ICECandidateInit) {
	s.inbox.post(msgRemoteCandidate{c: c})
}

func (s *Session) HandleRemoteAccepted()            { s.inbox.post(msgRemoteAccepted{}) }
func (s *Session) HandleRemoteReject(reason string) { s.inbox.post(msgRemoteRejected{reason: reason}) }
func (s *Session) HandleRemoteEnd()                 { s.inbox.post(msgRemoteEnded{}) }
func (s *Session) HandleRemoteOffline()             { s.inbox.post(msgRemoteOffline{}) }

func (s *Session) run() {
	for {
		msg, ok := s.inbox.next()
		if !ok {
			return
		}
		s.handle(msg)
	}
}

func (s *Session) handle(msg message) {
	switch m := msg.(type) {
	case msgAnnounce:
		s.publish("")
	case msgStart:
		s.setState(StateAcquiringMedia)
		s.acquire()
	case msgMedia:
		s.onMedia(m)
	case msgOffer:
		s.onOffer(m.desc)
	case msgAnswer:
		s.onAnswer(m.desc)
	case msgRemoteCandidate:
		s.onRemoteCandidate(m.c)
	case msgLocalCandidate:
		s.onLocalCandidate(m.c)
	case msgPeerState:
		s.onPeerState(m.state)
	case msgAccept:
		m.reply <- s.onAccept()
	case msgReject:
		m.reply <- s.onReject()
	case msgHangup:
		s.hangup(m.reason)
		m.reply <- nil
	case msgRingResult:
		s.onRingResult(m)
	case msgRingTimeout:
		if s.State() == StateOfferSent {
			s.log.Info("no answer before ring timeout")
			s.hangup(ReasonRingTimeout)
		}
	case msgUnhold:
		s.held = false
		if s.State() == StateRinging {
			s.ring()
		}
	case msgRemoteAccepted:
		s.log.Info("remote accepted call")
		s.publish(EventRemoteAccepted)
	case msgRemoteRejected:
		s.onRemoteRejected(m.reason)
	case msgRemoteEnded:
		s.finish(StateEnded, ReasonRemoteHangup, nil)
	case msgRemoteOffline:
		if s.role != RoleCaller {
			return
		}
		s.finish(StateEnded, ReasonOffline, &OfflineError{UserID: s.remote.ID})
	default:
		s.log.Error("unexpected session message", "type", fmt.Sprintf("%T", msg))
	}
}

func (s *Session) acquire() {
	src := s.router.cfg.Media
	ctx := s.ctx
	kind := s.kind
	go func() {
		tracks, err := src.Acquire(ctx, kind)
		if !s.inbox.post(msgMedia{tracks: tracks, err: err}) {
			// The session ended while capture was in flight.
			_ = media.StopAll(tracks)
		}
	}()
}

func (s *Session) onMedia(m msgMedia) {
	if s.State() != StateAcquiringMedia {
		_ = media.StopAll(m.tracks)
		return
	}
	if m.err != nil {
		_ = media.StopAll(m.tracks)
		s.router.metrics.Inc(metrics.MediaAcquireFailure)
		s.abort(ReasonMediaError, &MediaAcquisitionError{Kind: s.kind, Err: m.err})
		return
	}
	s.tracks = m.tracks

	pc, err := s.router.cfg.NewPeer()
	if err != nil {
		s.abort(ReasonNegotiationError, negotiationErr("create peer connection", err))
		return
	}
	s.pc = pc
	s.bindPeer(pc)

	if err := pc.AddLocalTracks(m.tracks); err != nil {
		s.abort(ReasonNegotiationError, negotiationErr("add local tracks", err))
		return
	}

	if s.role == RoleCaller {
		s.sendOffer()
	} else {
		s.sendAnswer()
	}
}

func (s *Session) bindPeer(pc PeerConnection) {
	pc.OnIceCandidateGenerated(func(c webrtc.ICECandidateInit) {
		s.inbox.post(msgLocalCandidate{c: c})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.inbox.post(msgPeerState{state: state})
	})
	if h := s.router.cfg.OnRemoteTrack; h != nil {
		pc.OnRemoteTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			h(s, pc, track, receiver)
		})
	}
}

func (s *Session) sendOffer() {
	offer, err := s.pc.CreateOffer()
	if err != nil {
		s.abort(ReasonNegotiationError, negotiationErr("create offer", err))
		return
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.abort(ReasonNegotiationError, negotiationErr("set local offer", err))
		return
	}

	start := protocol.StartCall{
		From:     s.router.cfg.Self.ID,
		To:       s.remote.ID,
		RoomID:   s.id,
		CallType: string(s.kind),
	}
	if !s.signal(protocol.EventStartCall, start) {
		return
	}
	s.notifyRemote = true
	if !s.signal(protocol.EventOffer, protocol.Offer{RoomID: s.id, Offer: protocol.DescriptionFromPion(offer)}) {
		return
	}

	s.setState(StateOfferSent)
	if d := s.router.cfg.RingTimeout; d > 0 {
		s.ringTimer = time.AfterFunc(d, func() { s.inbox.post(msgRingTimeout{}) })
	}
}

func (s *Session) sendAnswer() {
	if s.offer == nil {
		s.abort(ReasonNegotiationError, negotiationErr("answer", peer.ErrNoRemoteDescription))
		return
	}
	if err := s.pc.SetRemoteDescription(*s.offer); err != nil {
		s.abort(ReasonNegotiationError, negotiationErr("set remote offer", err))
		return
	}
	s.remoteApplied = true
	s.flushPending()

	answer, err := s.pc.CreateAnswer()
	if err != nil {
		s.abort(ReasonNegotiationError, negotiationErr("create answer", err))
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.abort(ReasonNegotiationError, negotiationErr("set local answer", err))
		return
	}

	if !s.signal(protocol.EventAcceptCall, protocol.AcceptCall{To: s.remote.ID, RoomID: s.id}) {
		return
	}
	if !s.signal(protocol.EventAnswer, protocol.Answer{RoomID: s.id, Answer: protocol.DescriptionFromPion(answer)}) {
		return
	}
	s.setState(StateNegotiating)
}

// signal sends a negotiation frame; a frame the relay connection cannot take
// fails the session.
func (s *Session) signal(event string, payload any) bool {
	res := s.router.send(event, payload, false)
	if res.Delivered() {
		return true
	}
	s.abort(ReasonRelayError, &RelayError{Event: event, Err: res.Err})
	return false
}

func (s *Session) onOffer(desc webrtc.SessionDescription) {
	if s.role != RoleCallee || s.offer != nil || s.State() != StateIdle {
		s.log.Debug("ignoring offer", "state", s.State())
		return
	}
	s.offer = &desc
	s.setState(StateRinging)
	if s.held {
		s.log.Info("call waiting behind active call")
		return
	}
	s.ring()
}

func (s *Session) ring() {
	ringer := s.router.cfg.Ringer
	if ringer == nil {
		return
	}
	ctx := s.ctx
	ring := Ring{SessionID: s.id, From: s.remote, Kind: s.kind}
	go func() {
		d, err := ringer.Ring(ctx, ring)
		s.inbox.post(msgRingResult{decision: d, err: err})
	}()
}

func (s *Session) onRingResult(m msgRingResult) {
	if s.State() != StateRinging {
		return
	}
	if m.err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn("ringer failed, rejecting call", "err", m.err)
		m.decision = DecisionReject
	}
	if m.decision == DecisionAccept {
		if err := s.onAccept(); err != nil {
			s.log.Warn("accept failed", "err", err)
		}
		return
	}
	_ = s.onReject()
}

func (s *Session) onAccept() error {
	if s.State() != StateRinging {
		return ErrInvalidState
	}
	if s.held {
		return ErrCallInProgress
	}
	s.setState(StateAcquiringMedia)
	s.acquire()
	return nil
}

func (s *Session) onReject() error {
	if s.State() != StateRinging {
		return ErrInvalidState
	}
	s.sendTeardown(protocol.EventRejectCall, protocol.RejectCall{To: s.remote.ID, RoomID: s.id})
	s.finish(StateEnded, ReasonRejected, nil)
	return nil
}

func (s *Session) onAnswer(desc webrtc.SessionDescription) {
	if s.role != RoleCaller || s.State() != StateOfferSent || s.remoteApplied {
		s.log.Debug("ignoring answer", "state", s.State())
		return
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		s.abort(ReasonNegotiationError, negotiationErr("set remote answer", err))
		return
	}
	s.remoteApplied = true
	s.stopRingTimer()
	s.flushPending()
	s.setState(StateNegotiating)
}

func (s *Session) onRemoteCandidate(c webrtc.ICECandidateInit) {
	if s.remoteApplied {
		s.applyCandidate(c)
		return
	}
	if len(s.pending) >= maxPendingCandidates {
		s.log.Warn("pending candidate queue full, dropping candidate")
		return
	}
	s.pending = append(s.pending, c)
}

func (s *Session) flushPending() {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		s.applyCandidate(c)
	}
}

func (s *Session) applyCandidate(c webrtc.ICECandidateInit) {
	if err := s.pc.AddICECandidate(c); err != nil {
		s.log.Warn("failed to apply remote candidate", "err", err)
	}
}

func (s *Session) onLocalCandidate(c webrtc.ICECandidateInit) {
	if !s.notifyRemote {
		return
	}
	res := s.router.send(protocol.EventICECandidate, protocol.ICECandidate{
		RoomID:    s.id,
		Candidate: protocol.CandidateFromPion(c),
	}, false)
	if !res.Delivered() {
		s.log.Debug("failed to send local candidate", "err", res.Err)
	}
}

func (s *Session) onPeerState(state webrtc.PeerConnectionState) {
	s.log.Debug("peer connection state", "state", state.String())
	cur := s.State()
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if cur == StateNegotiating {
			s.router.metrics.Inc(metrics.CallActive)
			s.setState(StateActive)
		}
	case webrtc.PeerConnectionStateFailed:
		if cur == StateNegotiating || cur == StateActive {
			s.abort(ReasonConnectionFailed, ErrConnectionFailed)
		}
	case webrtc.PeerConnectionStateDisconnected:
		s.log.Info("peer connection interrupted")
	}
}

func (s *Session) onRemoteRejected(reason string) {
	busy := reason == protocol.RejectReasonBusy
	end := ReasonRemoteRejected
	if busy {
		end = ReasonBusy
	}
	s.finish(StateEnded, end, &RejectedError{UserID: s.remote.ID, Busy: busy})
}

func (s *Session) hangup(reason EndReason) {
	if s.finished {
		return
	}
	if s.notifyRemote {
		s.sendTeardown(protocol.EventEndCall, protocol.EndCall{To: s.remote.ID, RoomID: s.id})
	}
	s.finish(StateEnded, reason, nil)
}

// abort fails the session, telling the remote side if it knows about the call.
func (s *Session) abort(reason EndReason, err error) {
	if s.finished {
		return
	}
	if reason == ReasonNegotiationError {
		s.router.metrics.Inc(metrics.NegotiationFailure)
	}
	if s.notifyRemote {
		s.sendTeardown(protocol.EventEndCall, protocol.EndCall{To: s.remote.ID, RoomID: s.id})
	}
	s.log.Warn("call failed", "reason", string(reason), "err", err)
	s.finish(StateFailed, reason, err)
}

func (s *Session) sendTeardown(event string, payload any) {
	res := s.router.send(event, payload, true)
	s.teardownEvent = event
	s.teardown = res
	if !res.Delivered() {
		s.router.metrics.Inc(metrics.TeardownSendFailed)
		s.log.Warn("teardown signal not delivered", "event", event, "err", res.Err)
	}
}

// finish is the only path to a terminal state.
func (s *Session) finish(state State, reason EndReason, err error) {
	if s.finished {
		return
	}
	s.finished = true

	released := 0
	for _, t := range s.tracks {
		s.isolate("stop local track", func() error { return t.Stop() })
		released++
	}
	s.tracks = nil
	if s.pc != nil {
		s.isolate("close peer connection", s.pc.Close)
	}
	s.pending = nil
	s.cancel()
	s.stopRingTimer()

	s.mu.Lock()
	s.state = state
	s.outcome = Outcome{
		State:          state,
		Reason:         reason,
		Err:            err,
		Teardown:       s.teardown,
		TeardownSent:   s.teardownEvent,
		TracksReleased: released,
	}
	s.mu.Unlock()

	s.router.release(s)
	s.router.recordEnd(state, reason)
	s.log.Info("call ended", "state", string(state), "reason", string(reason))
	s.publishTerminal(state, reason, err)

	for _, msg := range s.inbox.close() {
		s.discard(msg)
	}
	close(s.done)
}

// discard releases whatever an unhandled message carries.
func (s *Session) discard(msg message) {
	switch m := msg.(type) {
	case msgMedia:
		s.isolate("stop late tracks", func() error { return media.StopAll(m.tracks) })
	case msgAccept:
		m.reply <- ErrSessionEnded
	case msgReject:
		m.reply <- ErrSessionEnded
	case msgHangup:
		m.reply <- nil
	}
}

func (s *Session) isolate(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("teardown step panicked", "step", step, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.log.Warn("teardown step failed", "step", step, "err", err)
	}
}

func (s *Session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.log.Debug("call state", "state", string(state))
	s.publish("")
}

func (s *Session) publish(event string) {
	s.router.publish(Update{
		SessionID:  s.id,
		Role:       s.role,
		Kind:       s.kind,
		RemoteUser: s.remote,
		State:      s.State(),
		Event:      event,
	})
}

func (s *Session) publishTerminal(state State, reason EndReason, err error) {
	s.router.publish(Update{
		SessionID:  s.id,
		Role:       s.role,
		Kind:       s.kind,
		RemoteUser: s.remote,
		State:      state,
		Reason:     reason,
		Err:        err,
	})
}

func negotiationErr(op string, err error) error {
	var ne *peer.NegotiationError
	if errors.As(err, &ne) {
		return err
	}
	return &peer.NegotiationError{Op: op, Err: err}
}
