package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Event names exchanged over the relay.
const (
	EventStartCall    = "start-call"
	EventIncomingCall = "incoming-call"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventAcceptCall   = "accept-call"
	EventRejectCall   = "reject-call"
	EventEndCall      = "end-call"

	EventCallAccepted    = "call-accepted"
	EventCallRejected    = "call-rejected"
	EventCallEnded       = "call-ended"
	EventReceiverOffline = "receiver-offline"

	EventAck   = "ack"
	EventError = "error"
)

const maxFrameIDLen = 64

var (
	ErrUnknownEvent = errors.New("protocol: unknown event")
	ErrMissingData  = errors.New("protocol: missing data")
	ErrTrailingData = errors.New("protocol: unexpected trailing data")
)

// Frame is the envelope of every relay message.
//
// ID is set by senders that want a relay acknowledgement; the relay echoes it
// on the matching ack frame. From is the sender's user id.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	From  string          `json:"from,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Payload is implemented by every event payload type.
type Payload interface {
	Validate() error
}

// NewFrame marshals payload into a frame for event.
func NewFrame(event, from string, payload any) (Frame, error) {
	f := Frame{Event: event, From: from}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		f.Data = data
	}
	return f, nil
}

// ParseFrame strictly decodes a single frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := decodeStrict(data, &f); err != nil {
		return Frame{}, err
	}
	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) validate() error {
	if !KnownEvent(f.Event) {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
	if len(f.ID) > maxFrameIDLen {
		return fmt.Errorf("protocol: frame id too long (%d > %d)", len(f.ID), maxFrameIDLen)
	}
	return nil
}

// Decode strictly unmarshals the frame data into v and validates it.
func (f Frame) Decode(v Payload) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: %s", ErrMissingData, f.Event)
	}
	if err := decodeStrict(f.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Event, err)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("invalid %s: %w", f.Event, err)
	}
	return nil
}

// Marshal encodes the frame for a WebSocket text message.
func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

func KnownEvent(event string) bool {
	switch event {
	case EventStartCall, EventIncomingCall, EventOffer, EventAnswer, EventICECandidate,
		EventAcceptCall, EventRejectCall, EventEndCall,
		EventCallAccepted, EventCallRejected, EventCallEnded, EventReceiverOffline,
		EventAck, EventError:
		return true
	default:
		return false
	}
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ErrTrailingData
	}
	return nil
}
