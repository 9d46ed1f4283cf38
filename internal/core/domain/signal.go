package domain

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

type MessageType string

const (
	MsgCallUser        MessageType = "call-user"
	MsgIncomingCall    MessageType = "incoming-call"
	MsgAnswerCall      MessageType = "answer-call"
	MsgCallAnswered    MessageType = "call-answered"
	MsgRejectCall      MessageType = "reject-call"
	MsgCallRejected    MessageType = "call-rejected"
	MsgEndCall         MessageType = "end-call"
	MsgCallEnded       MessageType = "call-ended"
	MsgICECandidate    MessageType = "ice-candidate"
	MsgUserUnavailable MessageType = "user-unavailable"
	MsgRestartOffer    MessageType = "restart-offer"
	MsgRestartAnswer   MessageType = "restart-answer"
	MsgRestartRequest  MessageType = "restart-request"
	MsgError           MessageType = "error"
)

// SignalMessage is the relay envelope: {"type": ..., "payload": {...}}.
type SignalMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewSignalMessage encodes payload into an envelope of the given type.
func NewSignalMessage(t MessageType, payload interface{}) (SignalMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SignalMessage{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return SignalMessage{Type: t, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (m SignalMessage) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

type CallUserPayload struct {
	CallID       CallID                    `json:"callId"`
	TargetUserID UserID                    `json:"targetUserId"`
	Offer        webrtc.SessionDescription `json:"offer"`
	CallType     MediaKind                 `json:"callType"`
}

type IncomingCallPayload struct {
	CallID           CallID                    `json:"callId"`
	CallerID         UserID                    `json:"callerId"`
	CallerChannelRef ChannelRef                `json:"callerChannelRef"`
	Offer            webrtc.SessionDescription `json:"offer"`
	CallType         MediaKind                 `json:"callType"`
}

type AnswerCallPayload struct {
	CallID           CallID                    `json:"callId"`
	CallerChannelRef ChannelRef                `json:"callerChannelRef"`
	Answer           webrtc.SessionDescription `json:"answer"`
}

type CallAnsweredPayload struct {
	CallID           CallID                    `json:"callId"`
	CalleeID         UserID                    `json:"calleeId"`
	CalleeChannelRef ChannelRef                `json:"calleeChannelRef"`
	Answer           webrtc.SessionDescription `json:"answer"`
}

type RejectCallPayload struct {
	CallID           CallID     `json:"callId"`
	CallerChannelRef ChannelRef `json:"callerChannelRef"`
}

type CallRejectedPayload struct {
	CallID CallID `json:"callId"`
}

// EndCallPayload is addressed by channel ref when known, else by user.
type EndCallPayload struct {
	CallID           CallID     `json:"callId"`
	TargetUserID     UserID     `json:"targetUserId,omitempty"`
	TargetChannelRef ChannelRef `json:"targetChannelRef,omitempty"`
}

type CallEndedPayload struct {
	CallID           CallID     `json:"callId"`
	SenderID         UserID     `json:"senderId"`
	SenderChannelRef ChannelRef `json:"senderChannelRef"`
}

// ICECandidatePayload is used in both directions; the relay fills the
// sender fields and strips nothing.
type ICECandidatePayload struct {
	CallID           CallID                  `json:"callId"`
	TargetUserID     UserID                  `json:"targetUserId,omitempty"`
	TargetChannelRef ChannelRef              `json:"targetChannelRef,omitempty"`
	SenderID         UserID                  `json:"senderId,omitempty"`
	SenderChannelRef ChannelRef              `json:"senderChannelRef,omitempty"`
	Candidate        webrtc.ICECandidateInit `json:"candidate"`
}

type UserUnavailablePayload struct {
	CallID       CallID `json:"callId"`
	TargetUserID UserID `json:"targetUserId"`
}

// RestartPayload carries restart-offer and restart-answer.
type RestartPayload struct {
	CallID           CallID                    `json:"callId"`
	TargetChannelRef ChannelRef                `json:"targetChannelRef"`
	SenderChannelRef ChannelRef                `json:"senderChannelRef,omitempty"`
	Description      webrtc.SessionDescription `json:"description"`
}

type RestartRequestPayload struct {
	CallID           CallID     `json:"callId"`
	TargetChannelRef ChannelRef `json:"targetChannelRef"`
	SenderChannelRef ChannelRef `json:"senderChannelRef,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
