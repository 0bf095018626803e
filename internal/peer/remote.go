package peer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PLIInterval is how often DrainRemoteTrack asks a remote video sender for a
// key frame.
const PLIInterval = 3 * time.Second

// RTCPWriter is satisfied by *webrtc.PeerConnection.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

type TrackStats struct {
	Packets     uint64
	Bytes       uint64
	LastSeq     uint16
	PLIRequests uint64
}

// DrainRemoteTrack consumes RTP from a remote track until the track ends or ctx
// is done. For video tracks it periodically sends a PictureLossIndication via w.
// onPacket, if set, sees every packet before it is discarded.
func DrainRemoteTrack(ctx context.Context, track *webrtc.TrackRemote, w RTCPWriter, onPacket func(*rtp.Packet)) (TrackStats, error) {
	var stats TrackStats

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = track.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	var pliTick <-chan time.Time
	if track.Kind() == webrtc.RTPCodecTypeVideo && w != nil {
		ticker := time.NewTicker(PLIInterval)
		defer ticker.Stop()
		pliTick = ticker.C
		if err := requestKeyFrame(w, track); err == nil {
			stats.PLIRequests++
		}
	}

	for {
		select {
		case <-pliTick:
			if err := requestKeyFrame(w, track); err == nil {
				stats.PLIRequests++
			}
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return stats, nil
			}
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			return stats, err
		}
		stats.Packets++
		stats.Bytes += uint64(len(pkt.Payload))
		stats.LastSeq = pkt.SequenceNumber
		if onPacket != nil {
			onPacket(pkt)
		}
	}
}

func requestKeyFrame(w RTCPWriter, track *webrtc.TrackRemote) error {
	return w.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
	})
}
