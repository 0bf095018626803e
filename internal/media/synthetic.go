package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	audioFrameDuration = 20 * time.Millisecond
	videoFrameDuration = time.Second / 30
)

var (
	// Opus TOC byte for a 20ms CELT frame followed by a silent payload.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	blankFrame  = make([]byte, 64)
)

// SyntheticSource produces generated audio (Opus silence) and video tracks.
type SyntheticSource struct {
	// NoMicrophone and NoCamera make Acquire fail with ErrNoDevice for kinds
	// that need the missing device.
	NoMicrophone bool
	NoCamera     bool
	// Deny makes every Acquire fail with ErrPermissionDenied.
	Deny bool
}

func (s SyntheticSource) Acquire(ctx context.Context, kind Kind) ([]Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Deny {
		return nil, ErrPermissionDenied
	}
	if s.NoMicrophone || (kind.HasVideo() && s.NoCamera) {
		return nil, ErrNoDevice
	}

	streamID := "local-" + uuid.NewString()
	audio, err := newSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", streamID, opusSilence, audioFrameDuration)
	if err != nil {
		return nil, err
	}
	tracks := []Track{audio}

	if kind.HasVideo() {
		video, err := newSampleTrack(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, "video", streamID, blankFrame, videoFrameDuration)
		if err != nil {
			_ = StopAll(tracks)
			return nil, err
		}
		tracks = append(tracks, video)
	}
	return tracks, nil
}

// sampleTrack writes the same frame at a fixed cadence until stopped.
type sampleTrack struct {
	*webrtc.TrackLocalStaticSample

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newSampleTrack(c webrtc.RTPCodecCapability, id, streamID string, frame []byte, every time.Duration) (*sampleTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(c, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", id, err)
	}
	t := &sampleTrack{
		TrackLocalStaticSample: local,
		stop:                   make(chan struct{}),
		done:                   make(chan struct{}),
	}
	go t.run(frame, every)
	return t, nil
}

func (t *sampleTrack) run(frame []byte, every time.Duration) {
	defer close(t.done)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			// Writes before the track is bound are dropped by pion.
			_ = t.WriteSample(pionmedia.Sample{Data: frame, Duration: every})
		}
	}
}

func (t *sampleTrack) Stop() error {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
	return nil
}
