package protocol

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestParseFrame_Offer(t *testing.T) {
	raw := []byte(`{"event":"offer","from":"u1","data":{"roomId":"r1","offer":{"type":"offer","sdp":"v=0"}}}`)

	f, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Event != EventOffer || f.From != "u1" {
		t.Fatalf("unexpected frame: %#v", f)
	}

	var offer Offer
	if err := f.Decode(&offer); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if offer.RoomID != "r1" || offer.Offer.SDP != "v=0" {
		t.Fatalf("unexpected offer: %#v", offer)
	}

	desc, err := offer.Offer.ToPion()
	if err != nil {
		t.Fatalf("to pion: %v", err)
	}
	if desc.Type != webrtc.SDPTypeOffer {
		t.Fatalf("type=%v, want %v", desc.Type, webrtc.SDPTypeOffer)
	}
}

func TestParseFrame_RejectsUnknownEvent(t *testing.T) {
	_, err := ParseFrame([]byte(`{"event":"renegotiate"}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("err=%v, want %v", err, ErrUnknownEvent)
	}
}

func TestParseFrame_DisallowUnknownFields(t *testing.T) {
	if _, err := ParseFrame([]byte(`{"event":"end-call","unexpected":true}`)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseFrame_RejectsTrailingData(t *testing.T) {
	_, err := ParseFrame([]byte(`{"event":"end-call"} {"event":"end-call"}`))
	if !errors.Is(err, ErrTrailingData) {
		t.Fatalf("err=%v, want %v", err, ErrTrailingData)
	}
}

func TestFrameDecode_ValidatesPayload(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		v    Payload
	}{
		{"answer with offer sdp", `{"event":"answer","data":{"roomId":"r","answer":{"type":"offer","sdp":"v=0"}}}`, &Answer{}},
		{"start-call without room", `{"event":"start-call","data":{"from":"a","to":"b","callType":"audio"}}`, &StartCall{}},
		{"start-call to self", `{"event":"start-call","data":{"from":"a","to":"a","roomId":"r","callType":"audio"}}`, &StartCall{}},
		{"start-call bad type", `{"event":"start-call","data":{"from":"a","to":"b","roomId":"r","callType":"screen"}}`, &StartCall{}},
		{"candidate empty", `{"event":"ice-candidate","data":{"roomId":"r","candidate":{"candidate":""}}}`, &ICECandidate{}},
		{"end-call without room", `{"event":"end-call","data":{"to":"b"}}`, &EndCall{}},
		{"missing data", `{"event":"end-call"}`, &EndCall{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := ParseFrame([]byte(tc.raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if err := f.Decode(tc.v); err == nil {
				t.Fatalf("expected decode error")
			}
		})
	}
}

func TestNewFrame_CandidateKeepsOptionalFields(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	f, err := NewFrame(EventICECandidate, "u1", ICECandidate{
		RoomID: "r1",
		Candidate: CandidateFromPion(webrtc.ICECandidateInit{
			Candidate:     "candidate:1 1 udp 1 127.0.0.1 9 typ host",
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		}),
	})
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	b, err := f.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := ParseFrame(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var c ICECandidate
	if err := got.Decode(&c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	init := c.Candidate.ToPion()
	if init.SDPMid == nil || *init.SDPMid != "0" || init.SDPMLineIndex == nil || *init.SDPMLineIndex != 0 {
		t.Fatalf("optional fields lost: %#v", init)
	}
}
