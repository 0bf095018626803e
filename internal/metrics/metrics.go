package metrics

import "sync"

// Event names. Each one is exported as a label value of a single counter.
const (
	CallInitiated       = "call_initiated"
	CallIncoming        = "call_incoming"
	CallActive          = "call_active"
	CallEnded           = "call_ended"
	CallFailed          = "call_failed"
	CallOffline         = "call_offline"
	CallRejected        = "call_rejected"
	CallBusyRejected    = "call_busy_rejected"
	CallQueued          = "call_queued"
	MediaAcquireFailure = "media_acquire_failure"
	NegotiationFailure  = "negotiation_failure"
	TeardownSendFailed  = "teardown_send_failed"

	SignalDroppedUnknownSession = "signal_dropped_unknown_session"
	SignalDroppedBadFrame       = "signal_dropped_bad_frame"
	SignalDroppedSender         = "signal_dropped_sender_mismatch"

	RelayConnections     = "relay_connections"
	RelayReplaced        = "relay_connection_replaced"
	RelayFramesRouted    = "relay_frames_routed"
	RelayReceiverOffline = "relay_receiver_offline"
	RelayRateLimited     = "relay_rate_limited"
	RelaySendOverflow    = "relay_send_overflow"
	RelayAuthFailure     = "relay_auth_failure"
	RelayBadFrame        = "relay_bad_frame"
)

// Metrics is a concurrency-safe counter registry.
//
// A nil *Metrics is valid and discards everything.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
