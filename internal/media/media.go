package media

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Kind selects which local tracks a call acquires.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(KindAudio):
		return KindAudio, nil
	case string(KindVideo):
		return KindVideo, nil
	default:
		return "", fmt.Errorf("invalid media kind %q (expected audio or video)", raw)
	}
}

// HasVideo reports whether the kind includes a camera track. Every kind
// includes a microphone track.
func (k Kind) HasVideo() bool { return k == KindVideo }

var (
	ErrPermissionDenied = errors.New("media: permission denied")
	ErrNoDevice         = errors.New("media: no capture device")
)

// Track is a local track owned by a single call. Stop releases the underlying
// device and must be safe to call more than once.
type Track interface {
	webrtc.TrackLocal
	Stop() error
}

// Source acquires local tracks.
//
// Implementations must either return tracks the caller owns or an error with
// no tracks; partial acquisitions are released before returning.
type Source interface {
	Acquire(ctx context.Context, kind Kind) ([]Track, error)
}

// CodecRegistrar is implemented by sources whose tracks need codecs registered
// on the MediaEngine before PeerConnections are created.
type CodecRegistrar interface {
	RegisterCodecs(me *webrtc.MediaEngine) error
}

// StopAll stops every track and returns the joined errors.
func StopAll(tracks []Track) error {
	var errs []error
	for _, t := range tracks {
		if t == nil {
			continue
		}
		if err := t.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop track %s: %w", t.ID(), err))
		}
	}
	return errors.Join(errs...)
}
