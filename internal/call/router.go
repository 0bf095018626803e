package call

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/relayclient"
)

const (
	DefaultSendTimeout = 5 * time.Second

	subscribeBuffer = 64
	shutdownTimeout = 5 * time.Second
)

var ErrRouterClosed = errors.New("call: router closed")

// BusyPolicy decides what happens to an incoming call while another call is
// live.
type BusyPolicy string

const (
	// BusyReject declines with a plain reject-call.
	BusyReject BusyPolicy = "reject"
	// BusyReply declines with reject-call reason "busy".
	BusyReply BusyPolicy = "busy"
	// BusyQueue holds the call without ringing until the live call ends.
	BusyQueue BusyPolicy = "queue"
)

func ParseBusyPolicy(raw string) (BusyPolicy, error) {
	switch p := BusyPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case BusyReject, BusyReply, BusyQueue:
		return p, nil
	case "":
		return BusyReply, nil
	default:
		return "", fmt.Errorf("invalid busy policy %q (expected reject, busy or queue)", raw)
	}
}

// Channel is the relay connection as the router uses it. *relayclient.Client
// implements it.
type Channel interface {
	SendFrame(ctx context.Context, f protocol.Frame, confirm bool) relayclient.DeliveryResult
	Subscribe(buffer int) (<-chan protocol.Frame, func())
}

var _ Channel = (*relayclient.Client)(nil)

// RemoteTrackHandler receives each remote track together with the connection
// it arrived on, so handlers can write RTCP feedback.
type RemoteTrackHandler func(s *Session, pc PeerConnection, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

type Config struct {
	Self    Identity
	Channel Channel
	Media   media.Source
	NewPeer PeerFactory
	// Ringer is asked about every incoming call. When nil, incoming calls wait
	// in ringing for Accept or Reject.
	Ringer Ringer

	BusyPolicy BusyPolicy
	// RingTimeout ends an outgoing call nobody answered. Zero disables it.
	RingTimeout time.Duration
	// SendTimeout bounds each relay write, including the wait for an ack.
	SendTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnUpdate is called from session goroutines and must not block.
	OnUpdate      func(Update)
	OnRemoteTrack RemoteTrackHandler
}

// Router owns every session of one local user.
type Router struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	seen     map[string]struct{}
	active   *Session
	held     []*Session
	seq      uint64
	closed   bool
}

func NewRouter(cfg Config) (*Router, error) {
	switch {
	case cfg.Self.ID == "":
		return nil, errors.New("call: missing local user id")
	case cfg.Channel == nil:
		return nil, errors.New("call: missing relay channel")
	case cfg.Media == nil:
		return nil, errors.New("call: missing media source")
	case cfg.NewPeer == nil:
		return nil, errors.New("call: missing peer factory")
	}
	policy, err := ParseBusyPolicy(string(cfg.BusyPolicy))
	if err != nil {
		return nil, err
	}
	cfg.BusyPolicy = policy
	if cfg.RingTimeout < 0 {
		return nil, fmt.Errorf("call: ring timeout must be >= 0 (got %s)", cfg.RingTimeout)
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Router{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "call", "user", cfg.Self.ID),
		metrics:  cfg.Metrics,
		sessions: make(map[string]*Session),
		seen:     make(map[string]struct{}),
	}, nil
}

// Initiate starts an outgoing call. The returned session acquires media and
// sends the offer asynchronously; watch Done or updates for the result.
func (r *Router) Initiate(ctx context.Context, remoteUserID string, kind media.Kind) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	remoteUserID = strings.TrimSpace(remoteUserID)
	if remoteUserID == "" {
		return nil, errors.New("call: missing remote user id")
	}
	if remoteUserID == r.cfg.Self.ID {
		return nil, errors.New("call: cannot call yourself")
	}
	kind, err := media.ParseKind(string(kind))
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	if len(r.sessions) > 0 {
		r.mu.Unlock()
		return nil, ErrCallInProgress
	}
	id := uuid.NewString()
	for {
		if _, dup := r.seen[id]; !dup {
			break
		}
		id = uuid.NewString()
	}
	r.seq++
	s := newSession(r, id, r.seq, RoleCaller, Identity{ID: remoteUserID}, kind, false)
	r.seen[id] = struct{}{}
	r.sessions[id] = s
	r.active = s
	r.mu.Unlock()

	r.metrics.Inc(metrics.CallInitiated)
	s.log.Info("starting call", "kind", string(kind))
	go s.run()
	s.inbox.post(msgStart{})
	return s, nil
}

// Session looks up a live session by room id.
func (r *Router) Session(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Active returns the session holding the call slot, if any.
func (r *Router) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Sessions returns every live session, oldest first.
func (r *Router) Sessions() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b *Session) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// Run dispatches relay frames until ctx ends or the channel closes, then hangs
// up every live session.
func (r *Router) Run(ctx context.Context) error {
	frames, unsubscribe := r.cfg.Channel.Subscribe(subscribeBuffer)
	defer func() {
		// Unsubscribe first: a full, unread subscription would stall the
		// channel's reader and with it the acks teardown waits for.
		unsubscribe()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.Close(shutdownCtx); err != nil {
			r.log.Warn("router shutdown incomplete", "err", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return ErrChannelClosed
			}
			r.dispatch(f)
		}
	}
}

// Close hangs up every live session with reason shutdown and waits for them
// to finish. New calls are refused afterwards.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(live))
	for i, s := range live {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.end(ctx, ReasonShutdown); err != nil {
				errs[i] = err
				return
			}
			if _, err := s.Wait(ctx); err != nil {
				errs[i] = err
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (r *Router) dispatch(f protocol.Frame) {
	switch f.Event {
	case protocol.EventIncomingCall:
		r.onIncomingCall(f)

	case protocol.EventOffer:
		var p protocol.Offer
		if !r.decode(f, &p) {
			return
		}
		desc, err := p.Offer.ToPion()
		if err != nil {
			r.dropBadFrame(f, err)
			return
		}
		if s := r.route(f, p.RoomID); s != nil {
			s.HandleIncomingOffer(desc)
		}

	case protocol.EventAnswer:
		var p protocol.Answer
		if !r.decode(f, &p) {
			return
		}
		desc, err := p.Answer.ToPion()
		if err != nil {
			r.dropBadFrame(f, err)
			return
		}
		if s := r.route(f, p.RoomID); s != nil {
			s.HandleAnswer(desc)
		}

	case protocol.EventICECandidate:
		var p protocol.ICECandidate
		if !r.decode(f, &p) {
			return
		}
		if s := r.route(f, p.RoomID); s != nil {
			s.HandleRemoteCandidate(p.Candidate.ToPion())
		}

	case protocol.EventAcceptCall, protocol.EventCallAccepted:
		roomID, _, ok := r.notice(f)
		if !ok {
			return
		}
		if s := r.route(f, roomID); s != nil {
			s.HandleRemoteAccepted()
		}

	case protocol.EventRejectCall, protocol.EventCallRejected:
		roomID, reason, ok := r.notice(f)
		if !ok {
			return
		}
		if s := r.route(f, roomID); s != nil {
			s.HandleRemoteReject(reason)
		}

	case protocol.EventEndCall, protocol.EventCallEnded:
		roomID, _, ok := r.notice(f)
		if !ok {
			return
		}
		if s := r.route(f, roomID); s != nil {
			s.HandleRemoteEnd()
		}

	case protocol.EventReceiverOffline:
		roomID, _, ok := r.notice(f)
		if !ok {
			return
		}
		if s := r.route(f, roomID); s != nil {
			s.HandleRemoteOffline()
		}

	case protocol.EventError:
		var p protocol.Error
		if !r.decode(f, &p) {
			return
		}
		r.log.Warn("relay reported error", "code", p.Code, "message", p.Message)

	case protocol.EventAck:

	default:
		r.dropBadFrame(f, fmt.Errorf("unexpected event %q", f.Event))
	}
}

// notice extracts the room id and reason carried by the accept, reject, end
// and offline events. The relay's own notices may carry no data at all.
func (r *Router) notice(f protocol.Frame) (roomID, reason string, ok bool) {
	switch f.Event {
	case protocol.EventAcceptCall:
		var p protocol.AcceptCall
		if !r.decode(f, &p) {
			return "", "", false
		}
		return p.RoomID, "", true
	case protocol.EventRejectCall:
		var p protocol.RejectCall
		if !r.decode(f, &p) {
			return "", "", false
		}
		return p.RoomID, p.Reason, true
	case protocol.EventEndCall:
		var p protocol.EndCall
		if !r.decode(f, &p) {
			return "", "", false
		}
		return p.RoomID, "", true
	}
	var p protocol.Notice
	if len(f.Data) > 0 && !r.decode(f, &p) {
		return "", "", false
	}
	return p.RoomID, p.Reason, true
}

func (r *Router) decode(f protocol.Frame, v protocol.Payload) bool {
	if err := f.Decode(v); err != nil {
		r.dropBadFrame(f, err)
		return false
	}
	return true
}

func (r *Router) dropBadFrame(f protocol.Frame, err error) {
	r.metrics.Inc(metrics.SignalDroppedBadFrame)
	r.log.Warn("dropping malformed signaling frame", "event", f.Event, "from", f.From, "err", err)
}

// route finds the session a frame belongs to, falling back to the sender's
// most recent session when the payload has no room id.
func (r *Router) route(f protocol.Frame, roomID string) *Session {
	r.mu.Lock()
	var s *Session
	if roomID != "" {
		s = r.sessions[roomID]
	} else {
		for _, cand := range r.sessions {
			if cand.remote.ID == f.From && (s == nil || cand.seq > s.seq) {
				s = cand
			}
		}
	}
	r.mu.Unlock()

	if s == nil {
		r.metrics.Inc(metrics.SignalDroppedUnknownSession)
		r.log.Debug("dropping frame for unknown session", "event", f.Event, "room_id", roomID, "from", f.From)
		return nil
	}
	if f.From != s.remote.ID {
		r.metrics.Inc(metrics.SignalDroppedSender)
		r.log.Warn("dropping frame from unexpected sender", "event", f.Event, "room_id", s.id, "from", f.From, "want", s.remote.ID)
		return nil
	}
	return s
}

func (r *Router) onIncomingCall(f protocol.Frame) {
	var p protocol.IncomingCall
	if !r.decode(f, &p) {
		return
	}
	if f.From != "" && f.From != p.From {
		r.metrics.Inc(metrics.SignalDroppedSender)
		r.log.Warn("dropping incoming call with mismatched sender", "from", f.From, "caller", p.From)
		return
	}
	if p.From == r.cfg.Self.ID {
		r.dropBadFrame(f, errors.New("incoming call from self"))
		return
	}
	kind, err := media.ParseKind(p.CallType)
	if err != nil {
		r.dropBadFrame(f, err)
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if _, dup := r.seen[p.RoomID]; dup {
		r.mu.Unlock()
		r.log.Debug("ignoring duplicate incoming call", "room_id", p.RoomID)
		return
	}
	r.seen[p.RoomID] = struct{}{}

	held := false
	if r.active != nil {
		if r.cfg.BusyPolicy != BusyQueue {
			r.mu.Unlock()
			r.declineBusy(p)
			return
		}
		held = true
	}
	r.seq++
	s := newSession(r, p.RoomID, r.seq, RoleCallee, Identity{ID: p.From, Name: p.FromName}, kind, held)
	r.sessions[s.id] = s
	if held {
		r.held = append(r.held, s)
	} else {
		r.active = s
	}
	r.mu.Unlock()

	if held {
		r.metrics.Inc(metrics.CallQueued)
	}
	r.metrics.Inc(metrics.CallIncoming)
	s.log.Info("incoming call", "kind", string(kind), "held", held)
	go s.run()
	s.inbox.post(msgAnnounce{})
}

func (r *Router) declineBusy(p protocol.IncomingCall) {
	reject := protocol.RejectCall{To: p.From, RoomID: p.RoomID}
	if r.cfg.BusyPolicy == BusyReply {
		reject.Reason = protocol.RejectReasonBusy
	}
	r.metrics.Inc(metrics.CallBusyRejected)
	r.log.Info("declining call while busy", "room_id", p.RoomID, "caller", p.From, "policy", string(r.cfg.BusyPolicy))
	if res := r.send(protocol.EventRejectCall, reject, false); !res.Delivered() {
		r.log.Warn("failed to decline call", "room_id", p.RoomID, "err", res.Err)
	}
}

// release removes a finished session and hands the call slot to the oldest
// held call.
func (r *Router) release(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	if i := slices.Index(r.held, s); i >= 0 {
		r.held = slices.Delete(r.held, i, i+1)
	}
	var next *Session
	if r.active == s {
		r.active = nil
		if len(r.held) > 0 && !r.closed {
			next = r.held[0]
			r.held = r.held[1:]
			r.active = next
		}
	}
	r.mu.Unlock()

	if next != nil {
		next.log.Info("call slot free, ringing held call")
		next.inbox.post(msgUnhold{})
	}
}

func (r *Router) send(event string, payload any, confirm bool) relayclient.DeliveryResult {
	f, err := protocol.NewFrame(event, r.cfg.Self.ID, payload)
	if err != nil {
		return relayclient.DeliveryResult{Status: relayclient.DeliveryFailed, Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SendTimeout)
	defer cancel()
	return r.cfg.Channel.SendFrame(ctx, f, confirm)
}

func (r *Router) publish(u Update) {
	if r.cfg.OnUpdate != nil {
		r.cfg.OnUpdate(u)
	}
}

func (r *Router) recordEnd(state State, reason EndReason) {
	if state == StateFailed {
		r.metrics.Inc(metrics.CallFailed)
	} else {
		r.metrics.Inc(metrics.CallEnded)
	}
	switch reason {
	case ReasonOffline:
		r.metrics.Inc(metrics.CallOffline)
	case ReasonRejected, ReasonRemoteRejected, ReasonBusy:
		r.metrics.Inc(metrics.CallRejected)
	}
}
