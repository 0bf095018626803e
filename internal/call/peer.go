package call

import (
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
)

// PeerConnection is the part of peer.Adapter a session drives.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	AddLocalTracks(tracks []media.Track) error
	OnIceCandidateGenerated(f func(webrtc.ICECandidateInit))
	OnRemoteTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

var _ PeerConnection = (*peer.Adapter)(nil)

// PeerFactory creates the connection for one call.
type PeerFactory func() (PeerConnection, error)

// PionPeers returns a factory of peer.Adapters sharing api and cfg.
func PionPeers(api *webrtc.API, cfg webrtc.Configuration, logger *slog.Logger) PeerFactory {
	return func() (PeerConnection, error) {
		a, err := peer.New(api, cfg, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}
