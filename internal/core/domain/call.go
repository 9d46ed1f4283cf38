package domain

import "time"

type UserID string

// ChannelRef is the relay-assigned address of one signaling connection.
type ChannelRef string

type CallID string

type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// MediaKind doubles as the wire callType.
type MediaKind string

const (
	MediaVoice MediaKind = "voice"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaVoice || k == MediaVideo
}

type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateConnected
	StateEnded
	StateRejected
	StateFailed
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the exits that converge back to Idle.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateFailed, StateUnavailable:
		return true
	}
	return false
}

type EndReason string

const (
	ReasonNone          EndReason = ""
	ReasonLocalHangup   EndReason = "local-hangup"
	ReasonRemoteHangup  EndReason = "remote-hangup"
	ReasonRejected      EndReason = "rejected"
	ReasonDeclined      EndReason = "declined"
	ReasonUnavailable   EndReason = "user-unavailable"
	ReasonNoAnswer      EndReason = "no-answer"
	ReasonMissed        EndReason = "missed"
	ReasonAcquisition   EndReason = "media-acquisition"
	ReasonNegotiation   EndReason = "negotiation-failed"
	ReasonConnectivity  EndReason = "connectivity-failed"
	ReasonSignalingLost EndReason = "signaling-lost"
	ReasonShutdown      EndReason = "shutdown"
)

// CallInfo is a read-only snapshot of the active call.
type CallInfo struct {
	ID           CallID
	Role         Role
	Peer         UserID
	PeerChannel  ChannelRef
	Kind         MediaKind
	State        State
	Muted        bool
	VideoEnabled bool
	StartedAt    time.Time
	ConnectedAt  time.Time
}
