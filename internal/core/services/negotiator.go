package services

import (
	"context"
	"fmt"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/clock"
	apperrors "peercall/pkg/errors"
	"peercall/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PathAction is what the owner should do after a connectivity change.
type PathAction int

const (
	PathNone PathAction = iota
	PathRestart
	PathFail
)

func (a PathAction) String() string {
	switch a {
	case PathRestart:
		return "restart"
	case PathFail:
		return "fail"
	default:
		return "none"
	}
}

type NegotiatorConfig struct {
	CallID            domain.CallID
	Peer              domain.UserID
	Role              domain.Role
	Kind              domain.MediaKind
	Generation        uint64
	CheckingTimeout   time.Duration
	DisconnectedGrace time.Duration
	MaxRestarts       int
}

// Events the negotiator posts back to its owner. They carry the session
// generation so stale deliveries can be dropped.
type (
	localCandidateEvent struct {
		gen       uint64
		candidate *webrtc.ICECandidateInit
	}
	iceStateEvent struct {
		gen   uint64
		state webrtc.ICEConnectionState
	}
	remoteTrackEvent struct {
		gen     uint64
		kind    webrtc.RTPCodecType
		trackID string
	}
	watchdogEvent struct {
		gen     uint64
		episode uint64
		state   webrtc.ICEConnectionState
	}
)

// Negotiator owns one peer connection. It is not safe for concurrent use;
// every method runs on the owner's goroutine and transport callbacks are
// forwarded through post.
type Negotiator struct {
	config NegotiatorConfig
	pc     ports.PeerConnection
	clock  clock.Clock
	post   func(interface{})
	logger *zap.SugaredLogger

	audioSender ports.RTPSender
	videoSender ports.RTPSender
	audioTrack  ports.LocalTrack
	videoTrack  ports.LocalTrack

	hasRemote bool
	pending   []webrtc.ICECandidateInit

	iceState        webrtc.ICEConnectionState
	episode         uint64
	watchdog        clock.Timer
	restarts        int
	restartInFlight bool
	closed          bool
}

func NewNegotiator(
	config NegotiatorConfig,
	factory ports.PeerConnectionFactory,
	servers []webrtc.ICEServer,
	clk clock.Clock,
	post func(interface{}),
	logger *zap.SugaredLogger,
) (*Negotiator, error) {
	n := &Negotiator{
		config: config,
		clock:  clk,
		post:   post,
		logger: logger.With("call_id", config.CallID, "role", config.Role.String()),
	}

	gen := config.Generation
	pc, err := factory.NewPeerConnection(servers, ports.PeerEvents{
		OnLocalCandidate: func(c *webrtc.ICECandidateInit) {
			post(localCandidateEvent{gen: gen, candidate: c})
		},
		OnICEState: func(s webrtc.ICEConnectionState) {
			post(iceStateEvent{gen: gen, state: s})
		},
		OnRemoteTrack: func(kind webrtc.RTPCodecType, trackID string) {
			post(remoteTrackEvent{gen: gen, kind: kind, trackID: trackID})
		},
	})
	if err != nil {
		return nil, apperrors.NewNegotiationError("create_peer_connection", err)
	}
	n.pc = pc
	return n, nil
}

// AddLocalTracks attaches the stream's tracks and makes sure audio, and
// video for video calls, is received even without a matching local track.
func (n *Negotiator) AddLocalTracks(stream ports.MediaStream) error {
	if audio := stream.Audio(); audio != nil {
		sender, err := n.pc.AddTrack(audio)
		if err != nil {
			return apperrors.NewNegotiationError("add_audio_track", err)
		}
		n.audioSender, n.audioTrack = sender, audio
	}
	if video := stream.Video(); video != nil {
		sender, err := n.pc.AddTrack(video)
		if err != nil {
			return apperrors.NewNegotiationError("add_video_track", err)
		}
		n.videoSender, n.videoTrack = sender, video
	}

	if n.audioSender == nil {
		if err := n.pc.AddRecvTransceiver(webrtc.RTPCodecTypeAudio); err != nil {
			return apperrors.NewNegotiationError("add_audio_receiver", err)
		}
	}
	if n.config.Kind == domain.MediaVideo && n.videoSender == nil {
		if err := n.pc.AddRecvTransceiver(webrtc.RTPCodecTypeVideo); err != nil {
			return apperrors.NewNegotiationError("add_video_receiver", err)
		}
	}
	return nil
}

// CreateOffer creates the initial offer and applies it locally.
func (n *Negotiator) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	_, span := tracing.TraceCall(ctx, "create_offer", string(n.config.CallID), string(n.config.Peer))
	defer span.End()

	offer, err := n.pc.CreateOffer(false)
	if err != nil {
		return webrtc.SessionDescription{}, apperrors.NewNegotiationError("create_offer", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, apperrors.NewNegotiationError("set_local_offer", err)
	}
	return offer, nil
}

// CreateAnswer applies the remote offer, drains queued candidates and
// answers it.
func (n *Negotiator) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	ctx, span := tracing.TraceCall(ctx, "create_answer", string(n.config.CallID), string(n.config.Peer))
	defer span.End()

	if err := n.applyRemote(offer, "set_remote_offer"); err != nil {
		tracing.RecordError(ctx, err)
		return webrtc.SessionDescription{}, err
	}

	answer, err := n.pc.CreateAnswer()
	if err != nil {
		tracing.RecordError(ctx, err)
		return webrtc.SessionDescription{}, apperrors.NewNegotiationError("create_answer", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		tracing.RecordError(ctx, err)
		return webrtc.SessionDescription{}, apperrors.NewNegotiationError("set_local_answer", err)
	}
	return answer, nil
}

// ApplyRemoteAnswer applies an answer to our offer, initial or restart.
func (n *Negotiator) ApplyRemoteAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	ctx, span := tracing.TraceCall(ctx, "apply_answer", string(n.config.CallID), string(n.config.Peer))
	defer span.End()

	if err := n.applyRemote(answer, "set_remote_answer"); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	n.restartInFlight = false
	return nil
}

func (n *Negotiator) applyRemote(desc webrtc.SessionDescription, step string) error {
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return apperrors.NewNegotiationError(step, err)
	}
	if n.hasRemote {
		return nil
	}
	n.hasRemote = true

	queued := n.pending
	n.pending = nil
	for _, c := range queued {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.logger.Warnw("queued remote candidate rejected", "error", err)
		}
	}
	if len(queued) > 0 {
		n.logger.Debugw("drained queued remote candidates", "count", len(queued))
	}
	return nil
}

// AddRemoteCandidate applies c now or queues it until a remote
// description exists.
func (n *Negotiator) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	if !n.hasRemote {
		n.pending = append(n.pending, c)
		return nil
	}
	return n.pc.AddICECandidate(c)
}

// PendingCandidates reports how many remote candidates await a description.
func (n *Negotiator) PendingCandidates() int {
	return len(n.pending)
}

// HandleICEState records a connectivity transition and arms the matching
// watchdog. Only a failed state asks for immediate action.
func (n *Negotiator) HandleICEState(state webrtc.ICEConnectionState) PathAction {
	if n.closed || state == n.iceState {
		return PathNone
	}
	n.iceState = state
	n.stopWatchdog()

	switch state {
	case webrtc.ICEConnectionStateChecking:
		n.arm(n.config.CheckingTimeout)
	case webrtc.ICEConnectionStateDisconnected:
		n.arm(n.config.DisconnectedGrace)
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		n.restartInFlight = false
	case webrtc.ICEConnectionStateFailed:
		if n.restartInFlight {
			// give the restart in progress one checking period to land
			n.arm(n.config.CheckingTimeout)
			return PathNone
		}
		return n.restartOrFail()
	}
	return PathNone
}

// HandleWatchdog resolves a fired watchdog. Stale episodes are ignored.
func (n *Negotiator) HandleWatchdog(episode uint64) PathAction {
	if n.closed || episode != n.episode {
		return PathNone
	}
	n.watchdog = nil
	n.restartInFlight = false

	switch n.iceState {
	case webrtc.ICEConnectionStateFailed:
		return n.restartOrFail()
	case webrtc.ICEConnectionStateChecking, webrtc.ICEConnectionStateDisconnected:
		if n.canRestart() {
			n.logger.Infow("connectivity watchdog fired", "ice_state", n.iceState.String())
			return PathRestart
		}
		n.logger.Warnw("connectivity watchdog fired with restart budget exhausted",
			"ice_state", n.iceState.String(),
			"restarts", n.restarts,
		)
	}
	return PathNone
}

func (n *Negotiator) arm(d time.Duration) {
	n.episode++
	episode, gen, state := n.episode, n.config.Generation, n.iceState
	n.watchdog = n.clock.AfterFunc(d, func() {
		n.post(watchdogEvent{gen: gen, episode: episode, state: state})
	})
}

func (n *Negotiator) stopWatchdog() {
	n.episode++
	if n.watchdog != nil {
		n.watchdog.Stop()
		n.watchdog = nil
	}
}

func (n *Negotiator) restartOrFail() PathAction {
	if n.canRestart() {
		return PathRestart
	}
	n.logger.Warnw("connectivity failed with restart budget exhausted", "restarts", n.restarts)
	return PathFail
}

func (n *Negotiator) canRestart() bool {
	return !n.restartInFlight && n.restarts < n.config.MaxRestarts
}

// BeginRestart consumes one unit of the restart budget.
func (n *Negotiator) BeginRestart() bool {
	if n.closed || !n.canRestart() {
		return false
	}
	n.restarts++
	n.restartInFlight = true
	n.stopWatchdog()
	// the restarted agent reports its states afresh
	n.iceState = webrtc.ICEConnectionState(0)
	return true
}

// Restarts returns how many path restarts this call has used.
func (n *Negotiator) Restarts() int {
	return n.restarts
}

// RestartPath creates an ICE-restart offer. Only the caller offers.
func (n *Negotiator) RestartPath(ctx context.Context) (webrtc.SessionDescription, error) {
	_, span := tracing.TraceCall(ctx, "restart_path", string(n.config.CallID), string(n.config.Peer))
	defer span.End()

	offer, err := n.pc.CreateOffer(true)
	if err != nil {
		return webrtc.SessionDescription{}, apperrors.NewNegotiationError("create_restart_offer", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, apperrors.NewNegotiationError("set_local_restart_offer", err)
	}
	return offer, nil
}

// ApplyRestartOffer answers a restart offer from the caller.
func (n *Negotiator) ApplyRestartOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	answer, err := n.CreateAnswer(ctx, offer)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	n.restartInFlight = false
	return answer, nil
}

// SetAudioEnabled sends the audio track or nothing, without renegotiation.
func (n *Negotiator) SetAudioEnabled(enabled bool) error {
	if n.audioSender == nil {
		return fmt.Errorf("%w: no audio sender", domain.ErrInvalidState)
	}
	var track ports.LocalTrack
	if enabled {
		track = n.audioTrack
	}
	return n.audioSender.ReplaceTrack(track)
}

// SetVideoEnabled sends the current video track or nothing.
func (n *Negotiator) SetVideoEnabled(enabled bool) error {
	if n.videoSender == nil {
		return fmt.Errorf("%w: no video sender", domain.ErrInvalidState)
	}
	var track ports.LocalTrack
	if enabled {
		track = n.videoTrack
	}
	return n.videoSender.ReplaceTrack(track)
}

// ReplaceVideoTrack swaps the outgoing video in place on the existing
// sender. With send false the track is kept for a later SetVideoEnabled.
func (n *Negotiator) ReplaceVideoTrack(track ports.LocalTrack, send bool) error {
	if n.videoSender == nil {
		return fmt.Errorf("%w: no video sender", domain.ErrInvalidState)
	}
	n.videoTrack = track
	if !send {
		return n.videoSender.ReplaceTrack(nil)
	}
	return n.videoSender.ReplaceTrack(track)
}

// Close stops watchdogs and closes the peer connection. Safe to repeat.
func (n *Negotiator) Close() error {
	if n.closed {
		return nil
	}
	n.closed = true
	n.stopWatchdog()
	n.pending = nil
	return n.pc.Close()
}
