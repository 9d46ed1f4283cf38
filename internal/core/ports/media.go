package ports

import (
	"context"

	"peercall/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// LocalTrack is one captured audio or video track.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	DeviceID() string
	Label() string
	// TrackLocal is what gets bound to a sender; nil for test doubles.
	TrackLocal() webrtc.TrackLocal
	// Close is idempotent.
	Close() error
}

// MediaStream owns the local tracks of one call.
type MediaStream interface {
	Audio() LocalTrack
	Video() LocalTrack
	// SetVideo swaps the video track and returns the previous one.
	SetVideo(track LocalTrack) LocalTrack
	Close()
}

// LevelMeter samples the energy of an audio track.
type LevelMeter interface {
	// Peak returns the highest absolute sample level seen since the last
	// call, normalised to [0,1].
	Peak() (float64, error)
	Close() error
}

// Capturer is the device layer below the media acquirer.
type Capturer interface {
	AudioInputs(ctx context.Context) ([]domain.AudioDevice, error)
	CaptureAudio(ctx context.Context, c domain.AudioConstraints) (LocalTrack, error)
	CaptureVideo(ctx context.Context, c domain.VideoConstraints) (LocalTrack, error)
	LevelMeter(track LocalTrack) (LevelMeter, error)
}
