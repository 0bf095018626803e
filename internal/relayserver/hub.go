package relayserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/calllog"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/protocol"
)

const (
	errCodeBadFrame         = "bad_frame"
	errCodeSenderMismatch   = "sender_mismatch"
	errCodeUnsupportedEvent = "unsupported_event"
	errCodeNotParticipant   = "not_participant"
	errCodeRoomConflict     = "room_conflict"

	reasonDisconnected = "disconnected"

	callLogTimeout = 2 * time.Second
)

// CallLog receives call lifecycle records. *calllog.Store implements it.
type CallLog interface {
	Started(ctx context.Context, c calllog.Call) error
	Answered(ctx context.Context, roomID string, at time.Time) error
	Finished(ctx context.Context, roomID string, status calllog.Status, reason string, at time.Time) error
	ListByUser(ctx context.Context, userID string, limit int) ([]calllog.Call, error)
}

var _ CallLog = (*calllog.Store)(nil)

type room struct {
	id       string
	caller   string
	callee   string
	callType string
	accepted bool
	started  time.Time
}

func (r *room) has(userID string) bool {
	return r.caller == userID || r.callee == userID
}

func (r *room) peerOf(userID string) string {
	switch userID {
	case r.caller:
		return r.callee
	case r.callee:
		return r.caller
	}
	return ""
}

// Presence is the operator view of one user.
type Presence struct {
	UserID      string `json:"userId"`
	Online      bool   `json:"online"`
	ActiveCalls int    `json:"activeCalls"`
}

// Hub owns the presence registry and the room table.
type Hub struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	users map[string]*conn
	rooms map[string]*room
}

func newHub(cfg Config) *Hub {
	return &Hub{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		users:   make(map[string]*conn),
		rooms:   make(map[string]*room),
	}
}

// register makes c the live connection for its user. An older connection for
// the same user is closed and its rooms are torn down.
func (h *Hub) register(c *conn) {
	h.metrics.Inc(metrics.RelayConnections)

	h.mu.Lock()
	old := h.users[c.id.UserID]
	h.users[c.id.UserID] = c
	var dropped []*room
	if old != nil {
		dropped = h.dropRoomsLocked(c.id.UserID)
	}
	h.mu.Unlock()

	if old != nil {
		h.metrics.Inc(metrics.RelayReplaced)
		c.log.Info("relay connection replaced")
		old.close(websocket.CloseNormalClosure, "replaced by a new connection")
	}
	h.finishRooms(dropped, calllog.StatusDropped, reasonDisconnected)
	c.log.Info("relay connection registered")
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	var dropped []*room
	if h.users[c.id.UserID] == c {
		delete(h.users, c.id.UserID)
		dropped = h.dropRoomsLocked(c.id.UserID)
	}
	h.mu.Unlock()

	h.finishRooms(dropped, calllog.StatusDropped, reasonDisconnected)
	c.log.Info("relay connection closed", "dropped_rooms", len(dropped))
}

// dropRoomsLocked removes every room userID takes part in and tells the other
// participant the call ended.
func (h *Hub) dropRoomsLocked(userID string) []*room {
	var dropped []*room
	for id, rm := range h.rooms {
		if !rm.has(userID) {
			continue
		}
		delete(h.rooms, id)
		dropped = append(dropped, rm)
		if peer := h.users[rm.peerOf(userID)]; peer != nil {
			h.deliverLocked(peer, protocol.EventCallEnded, userID, protocol.Notice{RoomID: rm.id, Reason: reasonDisconnected})
		}
	}
	return dropped
}

// Presence reports whether userID has a live connection.
func (h *Hub) Presence(userID string) Presence {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := Presence{UserID: userID, Online: h.users[userID] != nil}
	for _, rm := range h.rooms {
		if rm.has(userID) {
			p.ActiveCalls++
		}
	}
	return p
}

// Close disconnects every user.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.users))
	for _, c := range h.users {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "relay shutting down")
	}
}

func (h *Hub) handle(sender *conn, raw []byte) {
	f, err := protocol.ParseFrame(raw)
	if err != nil {
		h.badFrame(sender, "", err.Error())
		return
	}
	if f.From != "" && f.From != sender.id.UserID {
		h.metrics.Inc(metrics.RelayBadFrame)
		sender.log.Warn("frame sender does not match connection", "event", f.Event, "from", f.From)
		sender.sendError(errCodeSenderMismatch, "from does not match the authenticated user")
		h.ack(sender, f, false)
		return
	}
	f.From = sender.id.UserID

	var delivered bool
	switch f.Event {
	case protocol.EventStartCall:
		delivered = h.startCall(sender, f)
	case protocol.EventOffer, protocol.EventAnswer, protocol.EventICECandidate:
		delivered = h.forward(sender, f)
	case protocol.EventAcceptCall, protocol.EventRejectCall, protocol.EventEndCall:
		delivered = h.notify(sender, f)
	default:
		h.metrics.Inc(metrics.RelayBadFrame)
		sender.sendError(errCodeUnsupportedEvent, "clients may not send "+f.Event)
	}
	h.ack(sender, f, delivered)
}

func (h *Hub) ack(sender *conn, f protocol.Frame, delivered bool) {
	if f.ID != "" {
		sender.sendAck(f.ID, delivered)
	}
}

func (h *Hub) badFrame(sender *conn, event, msg string) {
	h.metrics.Inc(metrics.RelayBadFrame)
	sender.log.Debug("dropping malformed frame", "event", event, "err", msg)
	sender.sendError(errCodeBadFrame, msg)
}

func (h *Hub) startCall(sender *conn, f protocol.Frame) bool {
	var p protocol.StartCall
	if err := f.Decode(&p); err != nil {
		h.badFrame(sender, f.Event, err.Error())
		return false
	}
	if p.From != sender.id.UserID {
		h.metrics.Inc(metrics.RelayBadFrame)
		sender.sendError(errCodeSenderMismatch, "start-call from does not match the authenticated user")
		return false
	}
	now := h.cfg.Now()

	h.mu.Lock()
	if existing := h.rooms[p.RoomID]; existing != nil {
		h.mu.Unlock()
		if existing.caller == p.From && existing.callee == p.To {
			return true
		}
		sender.sendError(errCodeRoomConflict, "room id already in use")
		return false
	}
	target := h.users[p.To]
	if target == nil {
		h.deliverLocked(sender, protocol.EventReceiverOffline, p.To, protocol.Notice{RoomID: p.RoomID})
		h.mu.Unlock()

		h.metrics.Inc(metrics.RelayReceiverOffline)
		sender.log.Info("callee offline", "room_id", p.RoomID, "callee", p.To)
		h.record(func(ctx context.Context, cl CallLog) error {
			if err := cl.Started(ctx, callRecord(p, now)); err != nil {
				return err
			}
			return cl.Finished(ctx, p.RoomID, calllog.StatusOffline, "", now)
		})
		return false
	}
	h.rooms[p.RoomID] = &room{id: p.RoomID, caller: p.From, callee: p.To, callType: p.CallType, started: now}
	ok := h.deliverLocked(target, protocol.EventIncomingCall, p.From, protocol.IncomingCall{
		From:     p.From,
		RoomID:   p.RoomID,
		CallType: p.CallType,
		FromName: sender.id.Name,
	})
	h.mu.Unlock()

	sender.log.Info("call started", "room_id", p.RoomID, "callee", p.To, "call_type", p.CallType)
	h.record(func(ctx context.Context, cl CallLog) error {
		return cl.Started(ctx, callRecord(p, now))
	})
	return ok
}

// forward relays offer, answer and ice-candidate frames to the other
// participant of their room.
func (h *Hub) forward(sender *conn, f protocol.Frame) bool {
	roomID, err := roomOf(f)
	if err != nil {
		h.badFrame(sender, f.Event, err.Error())
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.rooms[roomID]
	if rm == nil {
		sender.log.Debug("dropping frame for unknown room", "event", f.Event, "room_id", roomID)
		return false
	}
	peerID := rm.peerOf(sender.id.UserID)
	if peerID == "" {
		h.metrics.Inc(metrics.RelayBadFrame)
		sender.sendError(errCodeNotParticipant, "not a participant of room "+roomID)
		return false
	}
	target := h.users[peerID]
	if target == nil {
		h.metrics.Inc(metrics.RelayReceiverOffline)
		h.deliverLocked(sender, protocol.EventReceiverOffline, peerID, protocol.Notice{RoomID: roomID})
		return false
	}
	return h.send(target, f)
}

func roomOf(f protocol.Frame) (string, error) {
	switch f.Event {
	case protocol.EventOffer:
		var p protocol.Offer
		err := f.Decode(&p)
		return p.RoomID, err
	case protocol.EventAnswer:
		var p protocol.Answer
		err := f.Decode(&p)
		return p.RoomID, err
	default:
		var p protocol.ICECandidate
		err := f.Decode(&p)
		return p.RoomID, err
	}
}

// notify turns accept-call, reject-call and end-call into the matching notice
// for the addressed user and updates the room table.
func (h *Hub) notify(sender *conn, f protocol.Frame) bool {
	var to, roomID, reason, event string
	switch f.Event {
	case protocol.EventAcceptCall:
		var p protocol.AcceptCall
		if err := f.Decode(&p); err != nil {
			h.badFrame(sender, f.Event, err.Error())
			return false
		}
		to, roomID, event = p.To, p.RoomID, protocol.EventCallAccepted
	case protocol.EventRejectCall:
		var p protocol.RejectCall
		if err := f.Decode(&p); err != nil {
			h.badFrame(sender, f.Event, err.Error())
			return false
		}
		to, roomID, reason, event = p.To, p.RoomID, p.Reason, protocol.EventCallRejected
	default:
		var p protocol.EndCall
		if err := f.Decode(&p); err != nil {
			h.badFrame(sender, f.Event, err.Error())
			return false
		}
		to, roomID, event = p.To, p.RoomID, protocol.EventCallEnded
	}
	self := sender.id.UserID
	now := h.cfg.Now()

	h.mu.Lock()
	rm := h.roomLocked(roomID, self, to)
	if rm != nil && !(rm.has(self) && rm.has(to)) {
		h.mu.Unlock()
		h.metrics.Inc(metrics.RelayBadFrame)
		sender.sendError(errCodeNotParticipant, "not a participant of room "+roomID)
		return false
	}
	if rm != nil {
		roomID = rm.id
	}

	var status calllog.Status
	switch {
	case rm == nil:
	case f.Event == protocol.EventAcceptCall:
		rm.accepted = true
	case f.Event == protocol.EventRejectCall:
		delete(h.rooms, rm.id)
		status = calllog.StatusRejected
	case rm.accepted:
		delete(h.rooms, rm.id)
		status = calllog.StatusComplete
	default:
		delete(h.rooms, rm.id)
		status = calllog.StatusCanceled
	}

	target := h.users[to]
	delivered := false
	if target != nil {
		delivered = h.deliverLocked(target, event, self, protocol.Notice{RoomID: roomID, Reason: reason})
	} else if f.Event == protocol.EventAcceptCall {
		// The caller left while we were ringing.
		h.metrics.Inc(metrics.RelayReceiverOffline)
		h.deliverLocked(sender, protocol.EventReceiverOffline, to, protocol.Notice{RoomID: roomID})
		if rm != nil {
			delete(h.rooms, rm.id)
			status = calllog.StatusDropped
			reason = reasonDisconnected
		}
	}
	h.mu.Unlock()

	sender.log.Info("call notice", "event", event, "room_id", roomID, "to", to, "delivered", delivered)
	if rm != nil {
		h.record(func(ctx context.Context, cl CallLog) error {
			if status == "" {
				return cl.Answered(ctx, roomID, now)
			}
			return cl.Finished(ctx, roomID, status, reason, now)
		})
	}
	return delivered
}

// roomLocked resolves the room a notice refers to. Without a room id the most
// recent room between the two users is used.
func (h *Hub) roomLocked(roomID, a, b string) *room {
	if roomID != "" {
		return h.rooms[roomID]
	}
	var best *room
	for _, rm := range h.rooms {
		if rm.has(a) && rm.has(b) && (best == nil || rm.started.After(best.started)) {
			best = rm
		}
	}
	return best
}

func (h *Hub) deliverLocked(target *conn, event, from string, payload any) bool {
	f, err := protocol.NewFrame(event, from, payload)
	if err != nil {
		h.log.Error("failed to build frame", "event", event, "err", err)
		return false
	}
	return h.send(target, f)
}

func (h *Hub) send(target *conn, f protocol.Frame) bool {
	f.ID = ""
	if !target.enqueue(f) {
		return false
	}
	h.metrics.Inc(metrics.RelayFramesRouted)
	return true
}

func (h *Hub) finishRooms(rooms []*room, status calllog.Status, reason string) {
	if len(rooms) == 0 {
		return
	}
	now := h.cfg.Now()
	h.record(func(ctx context.Context, cl CallLog) error {
		for _, rm := range rooms {
			if err := cl.Finished(ctx, rm.id, status, reason, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *Hub) record(fn func(ctx context.Context, cl CallLog) error) {
	if h.cfg.CallLog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callLogTimeout)
	defer cancel()
	if err := fn(ctx, h.cfg.CallLog); err != nil {
		h.log.Warn("call log write failed", "err", err)
	}
}

func callRecord(p protocol.StartCall, now time.Time) calllog.Call {
	return calllog.Call{
		RoomID:    p.RoomID,
		CallerID:  p.From,
		CalleeID:  p.To,
		CallType:  p.CallType,
		StartedAt: now,
	}
}
