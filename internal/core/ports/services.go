package ports

import (
	"context"

	"peercall/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// CallService is the surface a UI layer drives.
type CallService interface {
	PlaceCall(ctx context.Context, peer domain.UserID, kind domain.MediaKind) (domain.CallID, error)
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	End(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	SetVideoEnabled(ctx context.Context, enabled bool) error
	SwitchCamera(ctx context.Context) error
	State() domain.State
	Snapshot() (domain.CallInfo, bool)
	Notifications() <-chan domain.Notification
}

// ICEConfigSource yields the ICE servers for a new session. It never fails.
type ICEConfigSource interface {
	ICEConfiguration(ctx context.Context) []webrtc.ICEServer
}

// CredentialFetcher retrieves relay credentials from the trust boundary.
type CredentialFetcher interface {
	Fetch(ctx context.Context) (*domain.RelayCredentials, error)
}

type MediaAcquirer interface {
	Acquire(ctx context.Context, kind domain.MediaKind) (MediaStream, error)
	// SwitchCamera stops current and captures the opposite-facing camera.
	SwitchCamera(ctx context.Context, current LocalTrack) (LocalTrack, error)
}

// CallMetrics records call lifecycle metrics.
type CallMetrics interface {
	CallStarted(role domain.Role, kind domain.MediaKind)
	CallFinished(role domain.Role, outcome domain.State, reason domain.EndReason)
	CallConnected(setupSeconds float64)
	PathRestart(role domain.Role)
	SilentAudioRetry()
}

// RelayMetrics records relay-side routing metrics.
type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageRouted(msgType domain.MessageType)
	MessageDropped(msgType domain.MessageType, reason string)
	CredentialsIssued(success bool)
}
