//go:build mediadevices

package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures the local camera and microphone.
type DeviceSource struct {
	log      *slog.Logger
	selector *mediadevices.CodecSelector
}

func NewDeviceSource(logger *slog.Logger) (*DeviceSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &DeviceSource{
		log: logger.With("component", "media"),
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (s *DeviceSource) RegisterCodecs(me *webrtc.MediaEngine) error {
	s.selector.Populate(me)
	return nil
}

type acquireResult struct {
	tracks []Track
	err    error
}

// Acquire opens the devices for kind. If ctx ends first the capture is still
// allowed to finish, and its tracks are closed as soon as they arrive.
func (s *DeviceSource) Acquire(ctx context.Context, kind Kind) ([]Track, error) {
	resCh := make(chan acquireResult, 1)
	go func() {
		tracks, err := s.capture(kind)
		resCh <- acquireResult{tracks: tracks, err: err}
	}()

	select {
	case res := <-resCh:
		return res.tracks, res.err
	case <-ctx.Done():
		go func() {
			res := <-resCh
			_ = StopAll(res.tracks)
		}()
		return nil, ctx.Err()
	}
}

func (s *DeviceSource) capture(kind Kind) ([]Track, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: s.selector,
		Audio: func(*mediadevices.MediaTrackConstraints) {},
	}
	if kind.HasVideo() {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		if len(mediadevices.EnumerateDevices()) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	var tracks []Track
	for _, t := range stream.GetTracks() {
		t.OnEnded(func(err error) {
			if err != nil {
				s.log.Warn("local track ended", "track_id", t.ID(), "err", err)
			}
		})
		tracks = append(tracks, &deviceTrack{Track: t})
	}
	s.log.Debug("local media captured", "kind", kind, "tracks", len(tracks))
	return tracks, nil
}

type deviceTrack struct {
	mediadevices.Track

	once sync.Once
	err  error
}

func (t *deviceTrack) Stop() error {
	t.once.Do(func() { t.err = t.Track.Close() })
	return t.err
}
