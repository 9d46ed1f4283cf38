package domain

import "errors"

var (
	ErrSessionActive    = errors.New("a call session is already active")
	ErrNoActiveCall     = errors.New("no active call")
	ErrInvalidState     = errors.New("operation not valid in current call state")
	ErrInvalidPeer      = errors.New("invalid peer")
	ErrMediaAcquisition = errors.New("media acquisition failed")
	ErrNoUsableDevice   = errors.New("no usable capture device")
	ErrOverconstrained  = errors.New("no device satisfies the constraints")
	ErrSignalingClosed  = errors.New("signaling channel closed")
	ErrUserOffline      = errors.New("user has no active channel")
	ErrMachineStopped   = errors.New("call machine stopped")
)
