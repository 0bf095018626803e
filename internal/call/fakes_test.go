package call

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/relayclient"
)

const waitTimeout = 2 * time.Second

type fakeChannel struct {
	sent   chan protocol.Frame
	frames chan protocol.Frame

	unsubscribed atomic.Bool

	mu   sync.Mutex
	fail map[string]bool
	// sentUnsubscribed records, per event, whether the subscription had
	// already been released when that event was last sent.
	sentUnsubscribed map[string]bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		sent:   make(chan protocol.Frame, 256),
		frames: make(chan protocol.Frame, 64),
		fail:   make(map[string]bool),

		sentUnsubscribed: make(map[string]bool),
	}
}

func (c *fakeChannel) failEvent(event string) {
	c.mu.Lock()
	c.fail[event] = true
	c.mu.Unlock()
}

func (c *fakeChannel) SendFrame(_ context.Context, f protocol.Frame, confirm bool) relayclient.DeliveryResult {
	c.mu.Lock()
	fail := c.fail[f.Event]
	c.sentUnsubscribed[f.Event] = c.unsubscribed.Load()
	c.mu.Unlock()
	if fail {
		return relayclient.DeliveryResult{Status: relayclient.DeliveryFailed, Err: io.ErrClosedPipe}
	}
	c.sent <- f
	if confirm {
		return relayclient.DeliveryResult{Status: relayclient.DeliveryConfirmed}
	}
	return relayclient.DeliveryResult{Status: relayclient.DeliveryBestEffort}
}

func (c *fakeChannel) Subscribe(int) (<-chan protocol.Frame, func()) {
	return c.frames, func() { c.unsubscribed.Store(true) }
}

func (c *fakeChannel) unsubscribedWhenSent(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentUnsubscribed[event]
}

// next returns the next sent frame, failing on anything other than event.
func (c *fakeChannel) next(t *testing.T, event string) protocol.Frame {
	t.Helper()
	for {
		select {
		case f := <-c.sent:
			if f.Event == protocol.EventICECandidate && event != protocol.EventICECandidate {
				continue
			}
			if f.Event != event {
				t.Fatalf("sent event=%q, want %q", f.Event, event)
			}
			return f
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for %q", event)
			return protocol.Frame{}
		}
	}
}

func (c *fakeChannel) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-c.sent:
		t.Fatalf("unexpected %q sent", f.Event)
	case <-time.After(d):
	}
}

type fakePeer struct {
	mu         sync.Mutex
	localSet   bool
	remoteSet  bool
	remote     webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []media.Track
	closes     int
	remoteErr  error

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remoteSet {
		return webrtc.SessionDescription{}, &peer.NegotiationError{Op: "create answer", Err: peer.ErrNoRemoteDescription}
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.localSet {
		return &peer.NegotiationError{Op: "set local description", Err: peer.ErrAlreadyApplied}
	}
	p.localSet = true
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return &peer.NegotiationError{Op: "set remote description", Err: p.remoteErr}
	}
	if p.remoteSet {
		return &peer.NegotiationError{Op: "set remote description", Err: peer.ErrAlreadyApplied}
	}
	p.remoteSet = true
	p.remote = desc
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.remoteSet {
		return &peer.IceStateError{Candidate: c.Candidate}
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) AddLocalTracks(tracks []media.Track) error {
	p.mu.Lock()
	p.tracks = append(p.tracks, tracks...)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) OnIceCandidateGenerated(f func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = f
	p.mu.Unlock()
}

func (p *fakePeer) OnRemoteTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) emitState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	f(state)
}

func (p *fakePeer) emitCandidate(c string) {
	p.mu.Lock()
	f := p.onCandidate
	p.mu.Unlock()
	f(webrtc.ICECandidateInit{Candidate: c})
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.candidates))
	for i, c := range p.candidates {
		out[i] = c.Candidate
	}
	return out
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

type fakeTrack struct {
	*webrtc.TrackLocalStaticSample
	stops   atomic.Int32
	panicky bool
}

func newFakeTrack(t *testing.T, id string) *fakeTrack {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "test")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	return &fakeTrack{TrackLocalStaticSample: tr}
}

func (t *fakeTrack) Stop() error {
	t.stops.Add(1)
	if t.panicky {
		panic("device wedged")
	}
	return nil
}

type fakeSource struct {
	t *testing.T

	mu      sync.Mutex
	calls   int
	err     error
	release chan struct{}
	issued  []*fakeTrack
	panicky bool
}

func (s *fakeSource) Acquire(_ context.Context, kind media.Kind) ([]media.Track, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	release := s.release
	s.mu.Unlock()

	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}

	audio := newFakeTrack(s.t, "audio")
	audio.panicky = s.panicky
	tracks := []*fakeTrack{audio}
	if kind.HasVideo() {
		tracks = append(tracks, newFakeTrack(s.t, "video"))
	}

	s.mu.Lock()
	s.issued = append(s.issued, tracks...)
	s.mu.Unlock()

	out := make([]media.Track, len(tracks))
	for i, tr := range tracks {
		out[i] = tr
	}
	return out, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSource) tracks() []*fakeTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeTrack(nil), s.issued...)
}

// scriptedRinger reports each ring on rings and answers with decision.
type scriptedRinger struct {
	rings    chan Ring
	decision chan Decision
}

func newScriptedRinger() *scriptedRinger {
	return &scriptedRinger{rings: make(chan Ring, 8), decision: make(chan Decision, 8)}
}

func (r *scriptedRinger) Ring(ctx context.Context, ring Ring) (Decision, error) {
	r.rings <- ring
	select {
	case d := <-r.decision:
		return d, nil
	case <-ctx.Done():
		return DecisionReject, ctx.Err()
	}
}

type harness struct {
	t       *testing.T
	router  *Router
	channel *fakeChannel
	source  *fakeSource
	ringer  *scriptedRinger
	metrics *metrics.Metrics

	// remoteErr is injected into every peer's SetRemoteDescription.
	remoteErr error

	mu      sync.Mutex
	peers   []*fakePeer
	updates []Update
}

func newHarness(t *testing.T, self string, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		channel: newFakeChannel(),
		source:  &fakeSource{t: t},
		ringer:  newScriptedRinger(),
		metrics: metrics.New(),
	}
	cfg := Config{
		Self:    Identity{ID: self, Name: self},
		Channel: h.channel,
		Media:   h.source,
		NewPeer: func() (PeerConnection, error) {
			h.mu.Lock()
			p := &fakePeer{remoteErr: h.remoteErr}
			h.peers = append(h.peers, p)
			h.mu.Unlock()
			return p, nil
		},
		Ringer:  h.ringer,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: h.metrics,
		OnUpdate: func(u Update) {
			h.mu.Lock()
			h.updates = append(h.updates, u)
			h.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewRouter(cfg)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	h.router = r
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = r.Close(ctx)
	})
	return h
}

func (h *harness) peer(i int) *fakePeer {
	h.t.Helper()
	var p *fakePeer
	waitFor(h.t, "peer connection created", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(h.peers) > i {
			p = h.peers[i]
			return true
		}
		return false
	})
	return p
}

// states returns the states published for one session, in order.
func (h *harness) states(id string) []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []State
	for _, u := range h.updates {
		if u.SessionID == id && u.Event == "" {
			out = append(out, u.State)
		}
	}
	return out
}

func (h *harness) deliver(event, from string, payload any) {
	h.t.Helper()
	f, err := protocol.NewFrame(event, from, payload)
	if err != nil {
		h.t.Fatalf("NewFrame: %v", err)
	}
	h.router.dispatch(f)
}

func (h *harness) incomingCall(from, roomID string) *Session {
	h.t.Helper()
	h.deliver(protocol.EventIncomingCall, from, protocol.IncomingCall{From: from, RoomID: roomID, CallType: "audio", FromName: from + " name"})
	s, ok := h.router.Session(roomID)
	if !ok {
		h.t.Fatalf("no session for room %q", roomID)
	}
	h.deliver(protocol.EventOffer, from, protocol.Offer{
		RoomID: roomID,
		Offer:  protocol.SessionDescription{Type: "offer", SDP: "v=0 remote offer"},
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool { return s.State() == want })
}

func waitDone(t *testing.T, s *Session) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	out, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v (state %s)", err, s.State())
	}
	return out
}

func decodeFrame[T any, P interface {
	*T
	protocol.Payload
}](t *testing.T, f protocol.Frame) T {
	t.Helper()
	var v T
	if err := f.Decode(P(&v)); err != nil {
		t.Fatalf("Decode %s: %v", f.Event, err)
	}
	return v
}
