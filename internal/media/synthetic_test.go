package media

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestSyntheticSource_AcquireVideo(t *testing.T) {
	tracks, err := SyntheticSource{}.Acquire(context.Background(), KindVideo)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { _ = StopAll(tracks) })

	if len(tracks) != 2 {
		t.Fatalf("len(tracks)=%d, want 2", len(tracks))
	}
	if tracks[0].Kind() != webrtc.RTPCodecTypeAudio || tracks[1].Kind() != webrtc.RTPCodecTypeVideo {
		t.Fatalf("kinds=%v,%v, want audio,video", tracks[0].Kind(), tracks[1].Kind())
	}
	if tracks[0].StreamID() != tracks[1].StreamID() {
		t.Fatalf("tracks must share a stream id")
	}
}

func TestSyntheticSource_AudioOnly(t *testing.T) {
	tracks, err := SyntheticSource{NoCamera: true}.Acquire(context.Background(), KindAudio)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer func() { _ = StopAll(tracks) }()
	if len(tracks) != 1 {
		t.Fatalf("len(tracks)=%d, want 1", len(tracks))
	}
}

func TestSyntheticSource_Errors(t *testing.T) {
	if _, err := (SyntheticSource{Deny: true}).Acquire(context.Background(), KindAudio); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err=%v, want %v", err, ErrPermissionDenied)
	}
	if _, err := (SyntheticSource{NoCamera: true}).Acquire(context.Background(), KindVideo); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("err=%v, want %v", err, ErrNoDevice)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (SyntheticSource{}).Acquire(ctx, KindAudio); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want %v", err, context.Canceled)
	}
}

func TestSampleTrack_StopIsIdempotent(t *testing.T) {
	tracks, err := SyntheticSource{}.Acquire(context.Background(), KindAudio)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := tracks[0].Stop(); err != nil {
			t.Fatalf("stop #%d: %v", i+1, err)
		}
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(" Video "); err != nil || k != KindVideo {
		t.Fatalf("ParseKind=%q,%v, want %q", k, err, KindVideo)
	}
	if _, err := ParseKind("screen"); err == nil {
		t.Fatalf("expected error")
	}
}
