package domain

// Notification is one of StateChanged, IncomingCall, RemoteTrack or CallError.
type Notification interface {
	notification()
}

type StateChanged struct {
	CallID CallID
	From   State
	To     State
	Reason EndReason
}

type IncomingCall struct {
	CallID CallID
	Peer   UserID
	Kind   MediaKind
}

type RemoteTrack struct {
	CallID  CallID
	Kind    string // "audio" or "video"
	TrackID string
}

type ErrorKind string

const (
	ErrorAcquisition  ErrorKind = "acquisition"
	ErrorNegotiation  ErrorKind = "negotiation"
	ErrorConnectivity ErrorKind = "connectivity"
	ErrorUnavailable  ErrorKind = "unavailable"
	ErrorSignaling    ErrorKind = "signaling"
)

type CallError struct {
	CallID  CallID
	Kind    ErrorKind
	Message string
}

func (StateChanged) notification() {}
func (IncomingCall) notification() {}
func (RemoteTrack) notification()  {}
func (CallError) notification()    {}
