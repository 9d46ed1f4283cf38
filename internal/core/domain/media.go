package domain

import "strings"

type AudioDevice struct {
	ID    string
	Label string
}

type VideoDevice struct {
	ID    string
	Label string
}

type Facing int

const (
	FacingUnknown Facing = iota
	FacingUser
	FacingEnvironment
)

func (f Facing) String() string {
	switch f {
	case FacingUser:
		return "user"
	case FacingEnvironment:
		return "environment"
	default:
		return "unknown"
	}
}

// Opposite treats an unknown facing as user-facing.
func (f Facing) Opposite() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

var (
	userFacingWords        = []string{"front", "user", "facetime", "integrated", "internal"}
	environmentFacingWords = []string{"back", "rear", "environment", "world"}
)

// FacingFromLabel guesses a camera's facing from its device label.
func FacingFromLabel(label string) Facing {
	l := strings.ToLower(label)
	for _, w := range environmentFacingWords {
		if strings.Contains(l, w) {
			return FacingEnvironment
		}
	}
	for _, w := range userFacingWords {
		if strings.Contains(l, w) {
			return FacingUser
		}
	}
	return FacingUnknown
}

type AudioConstraints struct {
	DeviceID         string // empty means platform default
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int // 0 means unconstrained
	ChannelCount     int
}

type VideoConstraints struct {
	DeviceID string
	Width    int
	Height   int
	Facing   Facing
	// Exact fails with ErrOverconstrained instead of falling back.
	Exact           bool
	ExcludeDeviceID string
}
