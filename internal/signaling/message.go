package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Outbound events.
const (
	EventCallInitiate = "call:initiate"
	EventCallAccept   = "call:accept"
	EventCallReject   = "call:reject"
	EventCallEnd      = "call:end"
)

// Inbound events.
const (
	EventCallInitiated = "call:initiated"
	EventCallIncoming  = "call:incoming"
	EventCallAccepted  = "call:accepted"
	EventCallRejected  = "call:rejected"
	EventCallEnded     = "call:ended"
	EventCallError     = "call:error"
)

// Negotiation events travel in both directions.
const (
	EventOffer        = "webrtc:offer"
	EventAnswer       = "webrtc:answer"
	EventICECandidate = "webrtc:ice-candidate"
)

// Envelope is one relay frame: {"event": "...", "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, errors.New("missing event name")
	}
	return &env, nil
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type InitiatePayload struct {
	ConversationID string `json:"conversationId"`
	TargetUserID   string `json:"targetUserId"`
	IsVideoCall    bool   `json:"isVideoCall"`
}

// CallRef is the payload of call:accept, call:reject, call:end,
// call:initiated and the inbound acknowledgements.
type CallRef struct {
	CallID string `json:"callId,omitempty"`
}

type IncomingPayload struct {
	CallID         string `json:"callId"`
	Initiator      User   `json:"initiator"`
	ConversationID string `json:"conversationId"`
	IsVideoCall    bool   `json:"isVideoCall"`
}

type ErrorPayload struct {
	CallID string `json:"callId,omitempty"`
	Error  string `json:"error"`
}

type OfferPayload struct {
	CallID       string                    `json:"callId,omitempty"`
	TargetUserID string                    `json:"targetUserId,omitempty"`
	FromUserID   string                    `json:"fromUserId,omitempty"`
	Offer        webrtc.SessionDescription `json:"offer"`
}

type AnswerPayload struct {
	CallID       string                    `json:"callId,omitempty"`
	TargetUserID string                    `json:"targetUserId,omitempty"`
	FromUserID   string                    `json:"fromUserId,omitempty"`
	Answer       webrtc.SessionDescription `json:"answer"`
}

type CandidatePayload struct {
	CallID       string                  `json:"callId,omitempty"`
	TargetUserID string                  `json:"targetUserId,omitempty"`
	FromUserID   string                  `json:"fromUserId,omitempty"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
}

// CallIDOf extracts the callId field common to most payloads, or "".
func CallIDOf(env Envelope) string {
	var ref CallRef
	if err := env.Decode(&ref); err != nil {
		return ""
	}
	return ref.CallID
}
