package protocol

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Call types carried in start-call and incoming-call.
const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"
)

// RejectReasonBusy marks a reject-call sent by a client that already has a
// call in progress.
const RejectReasonBusy = "busy"

var (
	errMissingRoomID = errors.New("missing roomId")
	errMissingTo     = errors.New("missing to")
	errMissingFrom   = errors.New("missing from")
)

// SessionDescription is the JSON form of an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func DescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func (d SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch d.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", d.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
}

func (d SessionDescription) validate(want string) error {
	if d.Type != want {
		return fmt.Errorf("sdp.type=%q, want %q", d.Type, want)
	}
	if d.SDP == "" {
		return errors.New("missing sdp")
	}
	return nil
}

// Candidate is the JSON form of a trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

type StartCall struct {
	From     string `json:"from"`
	To       string `json:"to"`
	RoomID   string `json:"roomId"`
	CallType string `json:"callType"`
}

func (p StartCall) Validate() error {
	switch {
	case p.From == "":
		return errMissingFrom
	case p.To == "":
		return errMissingTo
	case p.RoomID == "":
		return errMissingRoomID
	case p.From == p.To:
		return errors.New("from and to must differ")
	}
	return validateCallType(p.CallType)
}

type IncomingCall struct {
	From     string `json:"from"`
	RoomID   string `json:"roomId"`
	CallType string `json:"callType"`
	FromName string `json:"fromName,omitempty"`
}

func (p IncomingCall) Validate() error {
	if p.From == "" {
		return errMissingFrom
	}
	if p.RoomID == "" {
		return errMissingRoomID
	}
	return validateCallType(p.CallType)
}

type Offer struct {
	RoomID string             `json:"roomId"`
	Offer  SessionDescription `json:"offer"`
}

func (p Offer) Validate() error {
	if p.RoomID == "" {
		return errMissingRoomID
	}
	return p.Offer.validate("offer")
}

type Answer struct {
	RoomID string             `json:"roomId"`
	Answer SessionDescription `json:"answer"`
}

func (p Answer) Validate() error {
	if p.RoomID == "" {
		return errMissingRoomID
	}
	return p.Answer.validate("answer")
}

type ICECandidate struct {
	RoomID    string    `json:"roomId"`
	Candidate Candidate `json:"candidate"`
}

func (p ICECandidate) Validate() error {
	if p.RoomID == "" {
		return errMissingRoomID
	}
	if p.Candidate.Candidate == "" {
		return errors.New("missing candidate.candidate")
	}
	return nil
}

type AcceptCall struct {
	To     string `json:"to"`
	RoomID string `json:"roomId,omitempty"`
}

func (p AcceptCall) Validate() error {
	if p.To == "" {
		return errMissingTo
	}
	return nil
}

type RejectCall struct {
	To     string `json:"to"`
	RoomID string `json:"roomId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (p RejectCall) Validate() error {
	if p.To == "" {
		return errMissingTo
	}
	return nil
}

type EndCall struct {
	To     string `json:"to"`
	RoomID string `json:"roomId"`
}

func (p EndCall) Validate() error {
	if p.To == "" {
		return errMissingTo
	}
	if p.RoomID == "" {
		return errMissingRoomID
	}
	return nil
}

// Notice is the payload of the relay's informational events (call-accepted,
// call-rejected, call-ended, receiver-offline). All fields are optional.
type Notice struct {
	RoomID string `json:"roomId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (p Notice) Validate() error { return nil }

type Ack struct {
	Delivered bool `json:"delivered"`
}

func (p Ack) Validate() error { return nil }

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p Error) Validate() error {
	if p.Code == "" || p.Message == "" {
		return errors.New("error missing code/message")
	}
	return nil
}

func validateCallType(t string) error {
	switch t {
	case CallTypeAudio, CallTypeVideo:
		return nil
	default:
		return fmt.Errorf("unsupported callType %q", t)
	}
}
