package peer

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
)

// Adapter owns one PeerConnection for the lifetime of one call.
//
// A call negotiates exactly one round: the local and the remote description
// may each be applied once.
type Adapter struct {
	log *slog.Logger
	pc  *webrtc.PeerConnection

	mu        sync.Mutex
	localSet  bool
	remoteSet bool
	closed    bool

	closeOnce sync.Once
	closeErr  error
}

func New(api *webrtc.API, cfg webrtc.Configuration, logger *slog.Logger) (*Adapter, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Adapter{log: logger, pc: pc}, nil
}

// PeerConnection exposes the underlying pion object for RTCP writes and stats.
func (a *Adapter) PeerConnection() *webrtc.PeerConnection {
	return a.pc
}

func (a *Adapter) CreateOffer() (webrtc.SessionDescription, error) {
	if err := a.checkOpen(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := a.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{Op: "create offer", Err: err}
	}
	return offer, nil
}

func (a *Adapter) CreateAnswer() (webrtc.SessionDescription, error) {
	a.mu.Lock()
	remoteSet, closed := a.remoteSet, a.closed
	a.mu.Unlock()
	if closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if !remoteSet {
		return webrtc.SessionDescription{}, &NegotiationError{Op: "create answer", Err: ErrNoRemoteDescription}
	}
	answer, err := a.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{Op: "create answer", Err: err}
	}
	return answer, nil
}

func (a *Adapter) SetLocalDescription(desc webrtc.SessionDescription) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.localSet {
		return &NegotiationError{Op: "set local description", Err: ErrAlreadyApplied}
	}
	if err := a.pc.SetLocalDescription(desc); err != nil {
		return &NegotiationError{Op: "set local description", Err: err}
	}
	a.localSet = true
	return nil
}

func (a *Adapter) SetRemoteDescription(desc webrtc.SessionDescription) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.remoteSet {
		return &NegotiationError{Op: "set remote description", Err: ErrAlreadyApplied}
	}
	if err := a.pc.SetRemoteDescription(desc); err != nil {
		return &NegotiationError{Op: "set remote description", Err: err}
	}
	a.remoteSet = true
	return nil
}

// AddICECandidate applies a remote candidate. It returns *IceStateError when
// the remote description has not been applied yet.
func (a *Adapter) AddICECandidate(c webrtc.ICECandidateInit) error {
	a.mu.Lock()
	remoteSet, closed := a.remoteSet, a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !remoteSet {
		return &IceStateError{Candidate: c.Candidate}
	}
	return a.pc.AddICECandidate(c)
}

// AddLocalTracks attaches tracks to the connection. The tracks stay owned by
// the caller; Close does not stop them.
func (a *Adapter) AddLocalTracks(tracks []media.Track) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	for _, t := range tracks {
		sender, err := a.pc.AddTrack(t)
		if err != nil {
			return err
		}
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP keeps reading sender reports so interceptors (NACK, TWCC) run.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (a *Adapter) OnIceCandidateGenerated(f func(webrtc.ICECandidateInit)) {
	a.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		f(c.ToJSON())
	})
}

func (a *Adapter) OnRemoteTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	a.pc.OnTrack(f)
}

func (a *Adapter) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	a.pc.OnConnectionStateChange(f)
}

// Close closes the PeerConnection. It is safe to call multiple times.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()

		if err := a.pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
			a.log.Warn("peer connection close failed", "err", err)
			a.closeErr = err
		}
	})
	return a.closeErr
}

func (a *Adapter) checkOpen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return nil
}
