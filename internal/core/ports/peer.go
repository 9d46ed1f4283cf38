package ports

import (
	"github.com/pion/webrtc/v3"
)

// RTPSender is the outgoing side of one transceiver.
type RTPSender interface {
	// ReplaceTrack swaps the sent track without renegotiation; nil sends nothing.
	ReplaceTrack(track LocalTrack) error
}

// PeerConnection is the slice of a WebRTC peer connection the negotiator uses.
type PeerConnection interface {
	AddTrack(track LocalTrack) (RTPSender, error)
	AddRecvTransceiver(kind webrtc.RTPCodecType) error
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// PeerEvents are invoked from transport goroutines.
type PeerEvents struct {
	// OnLocalCandidate is called with nil when gathering completes.
	OnLocalCandidate func(candidate *webrtc.ICECandidateInit)
	OnICEState       func(state webrtc.ICEConnectionState)
	OnRemoteTrack    func(kind webrtc.RTPCodecType, trackID string)
}

type PeerConnectionFactory interface {
	NewPeerConnection(servers []webrtc.ICEServer, events PeerEvents) (PeerConnection, error)
}
