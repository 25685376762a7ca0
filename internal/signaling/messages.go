package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Call/internal/core"
	"github.com/dkeye/Call/internal/domain"
)

// Event names a message type on the signaling channel.
type Event string

const (
	EventCallStart        Event = "call:start"
	EventCallIncoming     Event = "call:incoming"
	EventCallAnswer       Event = "call:answer"
	EventCallICECandidate Event = "call:ice-candidate"
	EventCallReject       Event = "call:reject"
	EventCallEnd          Event = "call:end"

	EventChatJoin  Event = "chat:join"
	EventChatLeave Event = "chat:leave"
	EventError     Event = "error"
)

// Envelope is the wire frame: {"event": "...", "data": {...}}.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is an immutable inbound message handed to listeners.
type Message struct {
	Event Event
	data  json.RawMessage
}

func NewMessage(event Event, data []byte) Message {
	cp := make(json.RawMessage, len(data))
	copy(cp, data)
	return Message{Event: event, data: cp}
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Event)
	}
	if err := json.Unmarshal(m.data, v); err != nil {
		return fmt.Errorf("%s: %w", m.Event, err)
	}
	return nil
}

// Raw returns a copy of the payload bytes.
func (m Message) Raw() []byte {
	cp := make([]byte, len(m.data))
	copy(cp, m.data)
	return cp
}

// Encode builds the wire frame for event and payload.
func Encode(event Event, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses a wire frame.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, errors.New("missing event")
	}
	return env, nil
}

// SDP is a session description as it travels on the wire. Type is kept as a
// plain string so malformed descriptions can be reported instead of failing
// the whole frame.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func FromDescription(d webrtc.SessionDescription) SDP {
	return SDP{Type: d.Type.String(), SDP: d.SDP}
}

// Description validates the wire SDP against the expected type and returns
// the pion form. Any mismatch is an InvalidOfferError.
func (s SDP) Description(want webrtc.SDPType) (webrtc.SessionDescription, error) {
	op := "parse " + want.String()
	if s.Type == "" || s.SDP == "" {
		return webrtc.SessionDescription{}, core.Errorf(core.KindInvalidOffer, op, "missing type or sdp")
	}
	if webrtc.NewSDPType(s.Type) != want {
		return webrtc.SessionDescription{}, core.Errorf(core.KindInvalidOffer, op, "unexpected type %q", s.Type)
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(s.SDP)); err != nil {
		return webrtc.SessionDescription{}, core.NewError(core.KindInvalidOffer, op, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return webrtc.SessionDescription{}, core.Errorf(core.KindInvalidOffer, op, "no media sections")
	}
	return webrtc.SessionDescription{Type: want, SDP: s.SDP}, nil
}

// HasVideo reports whether the description negotiates a video section.
func (s SDP) HasVideo() bool {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(s.SDP)); err != nil {
		return false
	}
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media == "video" {
			return true
		}
	}
	return false
}

// CallRef is the routing part every call:* payload carries. CallID is
// chosen by the caller and names one call across both ends.
type CallRef struct {
	ChatID domain.ChatID `json:"chatId"`
	CallID string        `json:"callId,omitempty"`
}

type StartPayload struct {
	ChatID  domain.ChatID `json:"chatId"`
	CallID  string        `json:"callId,omitempty"`
	Offer   SDP           `json:"offer"`
	IsVideo bool          `json:"isVideo"`
}

type IncomingPayload struct {
	ChatID  domain.ChatID `json:"chatId"`
	CallID  string        `json:"callId,omitempty"`
	Offer   SDP           `json:"offer"`
	IsVideo bool          `json:"isVideo"`
	Caller  domain.User   `json:"caller"`
}

type AnswerPayload struct {
	ChatID domain.ChatID `json:"chatId"`
	CallID string        `json:"callId,omitempty"`
	Answer SDP           `json:"answer"`
}

type CandidatePayload struct {
	ChatID    domain.ChatID           `json:"chatId"`
	CallID    string                  `json:"callId,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type RejectPayload struct {
	ChatID domain.ChatID `json:"chatId"`
	CallID string        `json:"callId,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

type EndPayload struct {
	ChatID domain.ChatID `json:"chatId"`
	CallID string        `json:"callId,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

type ChatPayload struct {
	ChatID domain.ChatID `json:"chatId"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}
