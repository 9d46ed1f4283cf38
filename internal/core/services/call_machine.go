package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/clock"
	apperrors "peercall/pkg/errors"
	"peercall/pkg/tracing"
	"peercall/pkg/utils"
	"peercall/pkg/validation"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	callFailedMessage      = "call could not be established"
	userUnavailableMessage = "user is not available"
	noAnswerMessage        = "no answer"
	signalingLostMessage   = "signaling connection lost"
)

type MachineConfig struct {
	Self               domain.UserID
	SetupTimeout       time.Duration // 0 disables
	CheckingTimeout    time.Duration
	DisconnectedGrace  time.Duration
	MaxPathRestarts    int
	NotificationBuffer int
	InboxSize          int
}

func DefaultMachineConfig(self domain.UserID) MachineConfig {
	return MachineConfig{
		Self:               self,
		SetupTimeout:       45 * time.Second,
		CheckingTimeout:    10 * time.Second,
		DisconnectedGrace:  3 * time.Second,
		MaxPathRestarts:    3,
		NotificationBuffer: 32,
		InboxSize:          64,
	}
}

// MachineDeps are the collaborators a CallMachine drives.
type MachineDeps struct {
	Signaler ports.Signaler
	ICE      ports.ICEConfigSource
	Acquirer ports.MediaAcquirer
	Factory  ports.PeerConnectionFactory
	Metrics  ports.CallMetrics
	Clock    clock.Clock
}

// session is the state-scoped payload of the one non-Idle call.
type session struct {
	id          domain.CallID
	gen         uint64
	role        domain.Role
	peer        domain.UserID
	peerChannel domain.ChannelRef
	kind        domain.MediaKind
	state       domain.State

	remoteOffer     *webrtc.SessionDescription
	earlyCandidates []webrtc.ICECandidateInit

	stream     ports.MediaStream
	negotiator *Negotiator
	setupTimer clock.Timer

	signaled     bool // the peer knows about this call
	accepting    bool
	switching    bool
	muted        bool
	videoEnabled bool
	startedAt    time.Time
	connectedAt  time.Time
}

// CallMachine is the single owner of call lifecycle state. Every input is
// an event on one inbox processed by the goroutine running Run.
type CallMachine struct {
	config   MachineConfig
	signaler ports.Signaler
	ice      ports.ICEConfigSource
	acquirer ports.MediaAcquirer
	factory  ports.PeerConnectionFactory
	metrics  ports.CallMetrics
	clock    clock.Clock
	logger   *zap.SugaredLogger

	inbox         chan interface{}
	notifications chan domain.Notification
	done          chan struct{}
	runCtx        context.Context

	// owned by the Run goroutine
	session *session
	gen     uint64

	state    atomic.Int32
	infoMu   sync.RWMutex
	info     *domain.CallInfo
	started  atomic.Bool
	stopOnce sync.Once
}

var _ ports.CallService = (*CallMachine)(nil)
var _ ports.SignalHandler = (*CallMachine)(nil)

func NewCallMachine(config MachineConfig, deps MachineDeps, logger *zap.SugaredLogger) *CallMachine {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopCallMetrics{}
	}
	if config.InboxSize <= 0 {
		config.InboxSize = 64
	}
	if config.NotificationBuffer <= 0 {
		config.NotificationBuffer = 32
	}
	return &CallMachine{
		config:        config,
		signaler:      deps.Signaler,
		ice:           deps.ICE,
		acquirer:      deps.Acquirer,
		factory:       deps.Factory,
		metrics:       deps.Metrics,
		clock:         deps.Clock,
		logger:        logger.With("user_id", config.Self),
		inbox:         make(chan interface{}, config.InboxSize),
		notifications: make(chan domain.Notification, config.NotificationBuffer),
		done:          make(chan struct{}),
		runCtx:        context.Background(),
	}
}

// Inputs posted to the inbox.
type (
	placeCallRequest struct {
		ctx   context.Context
		peer  domain.UserID
		kind  domain.MediaKind
		reply chan placeCallResult
	}
	placeCallResult struct {
		id  domain.CallID
		err error
	}
	controlRequest struct {
		op    controlOp
		flag  bool
		reply chan error
	}
	signalEvent struct {
		msg domain.SignalMessage
	}
	disconnectEvent struct {
		err error
	}
	preparedEvent struct {
		gen     uint64
		servers []webrtc.ICEServer
		stream  ports.MediaStream
		err     error
	}
	setupTimeoutEvent struct {
		gen uint64
	}
)

type controlOp int

const (
	opAccept controlOp = iota
	opReject
	opEnd
	opMute
	opVideo
	opSwitchCamera
)

// Run processes events until ctx is done. An active call is ended on exit
// and the notification channel is closed.
func (m *CallMachine) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("call machine already running")
	}
	m.runCtx = ctx
	defer m.stopOnce.Do(func() {
		close(m.done)
		close(m.notifications)
	})

	m.logger.Infow("call machine started")
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			m.logger.Infow("call machine stopped")
			return ctx.Err()
		case ev := <-m.inbox:
			m.dispatch(ev)
		}
	}
}

func (m *CallMachine) dispatch(ev interface{}) {
	switch e := ev.(type) {
	case placeCallRequest:
		id, err := m.handlePlaceCall(e)
		e.reply <- placeCallResult{id: id, err: err}
	case controlRequest:
		e.reply <- m.handleControl(e)
	case signalEvent:
		m.handleSignal(e.msg)
	case disconnectEvent:
		m.handleDisconnect(e.err)
	case preparedEvent:
		m.handlePrepared(e)
	case setupTimeoutEvent:
		m.handleSetupTimeout(e)
	case localCandidateEvent:
		m.handleLocalCandidate(e)
	case iceStateEvent:
		m.handleICEState(e)
	case watchdogEvent:
		m.handleWatchdog(e)
	case remoteTrackEvent:
		m.handleRemoteTrack(e)
	case cameraSwitchedEvent:
		m.handleCameraSwitched(e)
	default:
		m.logger.Warnw("unknown call machine event", "type", fmt.Sprintf("%T", ev))
	}
}

func (m *CallMachine) post(ev interface{}) {
	select {
	case m.inbox <- ev:
	case <-m.done:
	}
}

func (m *CallMachine) request(ctx context.Context, ev interface{}) error {
	select {
	case m.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return domain.ErrMachineStopped
	}
}

// PlaceCall starts an outgoing call. Media acquisition and the offer
// happen asynchronously; progress is reported on Notifications.
func (m *CallMachine) PlaceCall(ctx context.Context, peer domain.UserID, kind domain.MediaKind) (domain.CallID, error) {
	reply := make(chan placeCallResult, 1)
	if err := m.request(ctx, placeCallRequest{ctx: ctx, peer: peer, kind: kind, reply: reply}); err != nil {
		return "", err
	}
	select {
	case res := <-reply:
		return res.id, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-m.done:
		return "", domain.ErrMachineStopped
	}
}

func (m *CallMachine) control(ctx context.Context, op controlOp, flag bool) error {
	reply := make(chan error, 1)
	if err := m.request(ctx, controlRequest{op: op, flag: flag, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return domain.ErrMachineStopped
	}
}

func (m *CallMachine) Accept(ctx context.Context) error { return m.control(ctx, opAccept, false) }
func (m *CallMachine) Reject(ctx context.Context) error { return m.control(ctx, opReject, false) }
func (m *CallMachine) End(ctx context.Context) error    { return m.control(ctx, opEnd, false) }

func (m *CallMachine) SetMuted(ctx context.Context, muted bool) error {
	return m.control(ctx, opMute, muted)
}

func (m *CallMachine) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return m.control(ctx, opVideo, enabled)
}

func (m *CallMachine) SwitchCamera(ctx context.Context) error {
	return m.control(ctx, opSwitchCamera, false)
}

func (m *CallMachine) State() domain.State {
	return domain.State(m.state.Load())
}

// Snapshot returns the active call, if any.
func (m *CallMachine) Snapshot() (domain.CallInfo, bool) {
	m.infoMu.RLock()
	defer m.infoMu.RUnlock()
	if m.info == nil {
		return domain.CallInfo{}, false
	}
	return *m.info, true
}

// Notifications is closed when Run returns.
func (m *CallMachine) Notifications() <-chan domain.Notification {
	return m.notifications
}

// HandleSignal implements ports.SignalHandler.
func (m *CallMachine) HandleSignal(msg domain.SignalMessage) {
	m.post(signalEvent{msg: msg})
}

// HandleDisconnect implements ports.SignalHandler.
func (m *CallMachine) HandleDisconnect(err error) {
	m.post(disconnectEvent{err: err})
}

func (m *CallMachine) handlePlaceCall(req placeCallRequest) (domain.CallID, error) {
	if m.session != nil {
		return "", domain.ErrSessionActive
	}
	if err := validation.ValidateUserID(string(req.peer)); err != nil || req.peer == m.config.Self {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidPeer, req.peer)
	}
	if !req.kind.Valid() {
		return "", apperrors.NewInvalidInputError(fmt.Sprintf("unknown media kind %q", req.kind))
	}

	s := m.newSession(domain.RoleCaller, req.peer, req.kind, domain.CallID(utils.GenerateCallID()))
	_, span := tracing.TraceCall(req.ctx, "place_call", string(s.id), string(s.peer))
	span.End()

	m.logger.Infow("placing call",
		"call_id", s.id,
		"peer", s.peer,
		"kind", s.kind,
	)
	m.setState(s, domain.StateOutgoing, domain.ReasonNone)
	m.armSetupTimer(s)
	m.prepare(s)
	return s.id, nil
}

func (m *CallMachine) newSession(role domain.Role, peer domain.UserID, kind domain.MediaKind, id domain.CallID) *session {
	m.gen++
	s := &session{
		id:           id,
		gen:          m.gen,
		role:         role,
		peer:         peer,
		kind:         kind,
		state:        domain.StateIdle,
		videoEnabled: kind == domain.MediaVideo,
		startedAt:    m.clock.Now(),
	}
	m.session = s
	m.metrics.CallStarted(role, kind)
	return s
}

// prepare fetches ICE servers and acquires media off the machine goroutine.
func (m *CallMachine) prepare(s *session) {
	gen, kind, ctx := s.gen, s.kind, m.runCtx
	go func() {
		servers := m.ice.ICEConfiguration(ctx)
		stream, err := m.acquirer.Acquire(ctx, kind)
		m.post(preparedEvent{gen: gen, servers: servers, stream: stream, err: err})
	}()
}

func (m *CallMachine) handlePrepared(ev preparedEvent) {
	s := m.session
	if s == nil || s.gen != ev.gen || (s.state != domain.StateOutgoing && !(s.state == domain.StateIncoming && s.accepting)) {
		if ev.stream != nil {
			ev.stream.Close()
		}
		m.logger.Debugw("media ready for a call that is gone, released")
		return
	}

	if ev.err != nil {
		m.logger.Warnw("media acquisition failed", "call_id", s.id, "error", ev.err)
		if s.role == domain.RoleCallee {
			m.sendEndCall(s)
		}
		m.terminate(domain.StateFailed, domain.ReasonAcquisition, domain.ErrorAcquisition, ev.err.Error())
		return
	}
	s.stream = ev.stream

	neg, err := NewNegotiator(NegotiatorConfig{
		CallID:            s.id,
		Peer:              s.peer,
		Role:              s.role,
		Kind:              s.kind,
		Generation:        s.gen,
		CheckingTimeout:   m.config.CheckingTimeout,
		DisconnectedGrace: m.config.DisconnectedGrace,
		MaxRestarts:       m.config.MaxPathRestarts,
	}, m.factory, ev.servers, m.clock, m.post, m.logger)
	if err != nil {
		m.failNegotiation(s, err)
		return
	}
	s.negotiator = neg

	for _, c := range s.earlyCandidates {
		_ = neg.AddRemoteCandidate(c)
	}
	s.earlyCandidates = nil

	if err := neg.AddLocalTracks(s.stream); err != nil {
		m.failNegotiation(s, err)
		return
	}

	switch s.role {
	case domain.RoleCaller:
		offer, err := neg.CreateOffer(m.runCtx)
		if err != nil {
			m.failNegotiation(s, err)
			return
		}
		if err := m.send(domain.MsgCallUser, domain.CallUserPayload{
			CallID:       s.id,
			TargetUserID: s.peer,
			Offer:        offer,
			CallType:     s.kind,
		}); err != nil {
			m.failSignaling(s, err)
			return
		}
		s.signaled = true

	case domain.RoleCallee:
		answer, err := neg.CreateAnswer(m.runCtx, *s.remoteOffer)
		if err != nil {
			m.failNegotiation(s, err)
			return
		}
		if err := m.send(domain.MsgAnswerCall, domain.AnswerCallPayload{
			CallID:           s.id,
			CallerChannelRef: s.peerChannel,
			Answer:           answer,
		}); err != nil {
			m.failSignaling(s, err)
			return
		}
		m.connect(s)
	}
}

func (m *CallMachine) connect(s *session) {
	if s.setupTimer != nil {
		s.setupTimer.Stop()
		s.setupTimer = nil
	}
	s.accepting = false
	s.connectedAt = m.clock.Now()
	m.metrics.CallConnected(s.connectedAt.Sub(s.startedAt).Seconds())
	m.setState(s, domain.StateConnected, domain.ReasonNone)
}

func (m *CallMachine) armSetupTimer(s *session) {
	if m.config.SetupTimeout <= 0 {
		return
	}
	gen := s.gen
	s.setupTimer = m.clock.AfterFunc(m.config.SetupTimeout, func() {
		m.post(setupTimeoutEvent{gen: gen})
	})
}

func (m *CallMachine) handleSetupTimeout(ev setupTimeoutEvent) {
	s := m.session
	if s == nil || s.gen != ev.gen {
		return
	}
	s.setupTimer = nil

	switch {
	case s.state == domain.StateOutgoing:
		m.logger.Infow("call setup timed out", "call_id", s.id, "peer", s.peer)
		if s.signaled {
			m.sendEndCall(s)
		}
		m.terminate(domain.StateUnavailable, domain.ReasonNoAnswer, domain.ErrorUnavailable, noAnswerMessage)
	case s.state == domain.StateIncoming && !s.accepting:
		m.logger.Infow("incoming call missed", "call_id", s.id, "peer", s.peer)
		m.terminate(domain.StateEnded, domain.ReasonMissed, "", "")
	}
}

func (m *CallMachine) handleControl(req controlRequest) error {
	s := m.session
	if s == nil {
		return domain.ErrNoActiveCall
	}

	switch req.op {
	case opAccept:
		if s.state != domain.StateIncoming || s.accepting {
			return fmt.Errorf("%w: accept in %s", domain.ErrInvalidState, s.state)
		}
		s.accepting = true
		m.logger.Infow("accepting call", "call_id", s.id, "peer", s.peer)
		m.prepare(s)
		return nil

	case opReject:
		if s.state != domain.StateIncoming {
			return fmt.Errorf("%w: reject in %s", domain.ErrInvalidState, s.state)
		}
		if err := m.send(domain.MsgRejectCall, domain.RejectCallPayload{
			CallID:           s.id,
			CallerChannelRef: s.peerChannel,
		}); err != nil {
			m.logger.Warnw("failed to send reject", "call_id", s.id, "error", err)
		}
		m.terminate(domain.StateRejected, domain.ReasonDeclined, "", "")
		return nil

	case opEnd:
		if s.signaled {
			m.sendEndCall(s)
		}
		m.terminate(domain.StateEnded, domain.ReasonLocalHangup, "", "")
		return nil

	case opMute:
		return m.setMuted(s, req.flag)
	case opVideo:
		return m.setVideoEnabled(s, req.flag)
	case opSwitchCamera:
		return m.switchCamera(s)
	}
	return fmt.Errorf("unknown control op %d", req.op)
}

// origin is the sender the relay stamped on a per-call message.
type origin struct {
	user    domain.UserID
	channel domain.ChannelRef
}

// matching returns the active session if callID refers to it and the
// message came from the session's peer. Once the peer's channel is known
// only that channel is accepted. A message without a callId must carry
// its sender.
func (m *CallMachine) matching(callID domain.CallID, from origin) *session {
	s := m.session
	if s == nil {
		return nil
	}
	if callID != "" && callID != s.id {
		return nil
	}
	if callID == "" && from == (origin{}) {
		return nil
	}
	if from.user != "" && from.user != s.peer {
		return nil
	}
	if from.channel != "" && s.peerChannel != "" && from.channel != s.peerChannel {
		return nil
	}
	return s
}

func (m *CallMachine) handleSignal(msg domain.SignalMessage) {
	switch msg.Type {
	case domain.MsgIncomingCall:
		var p domain.IncomingCallPayload
		if m.decode(msg, &p) {
			m.onIncomingCall(p)
		}

	case domain.MsgCallAnswered:
		var p domain.CallAnsweredPayload
		if !m.decode(msg, &p) {
			return
		}
		s := m.matching(p.CallID, origin{user: p.CalleeID})
		if s == nil || s.role != domain.RoleCaller || s.state != domain.StateOutgoing || s.negotiator == nil {
			m.ignored(msg, p.CallID)
			return
		}
		s.peerChannel = p.CalleeChannelRef
		if err := s.negotiator.ApplyRemoteAnswer(m.runCtx, p.Answer); err != nil {
			m.failNegotiation(s, err)
			return
		}
		m.connect(s)

	case domain.MsgCallRejected:
		var p domain.CallRejectedPayload
		if !m.decode(msg, &p) {
			return
		}
		if s := m.matching(p.CallID, origin{}); s != nil && s.role == domain.RoleCaller && s.state == domain.StateOutgoing {
			m.terminate(domain.StateRejected, domain.ReasonRejected, "", "")
			return
		}
		m.ignored(msg, p.CallID)

	case domain.MsgUserUnavailable:
		var p domain.UserUnavailablePayload
		if !m.decode(msg, &p) {
			return
		}
		if s := m.matching(p.CallID, origin{user: p.TargetUserID}); s != nil && s.role == domain.RoleCaller && s.state == domain.StateOutgoing {
			m.terminate(domain.StateUnavailable, domain.ReasonUnavailable, domain.ErrorUnavailable, userUnavailableMessage)
			return
		}
		m.ignored(msg, p.CallID)

	case domain.MsgCallEnded:
		var p domain.CallEndedPayload
		if !m.decode(msg, &p) {
			return
		}
		if s := m.matching(p.CallID, origin{user: p.SenderID, channel: p.SenderChannelRef}); s != nil {
			m.terminate(domain.StateEnded, domain.ReasonRemoteHangup, "", "")
			return
		}
		m.ignored(msg, p.CallID)

	case domain.MsgICECandidate:
		var p domain.ICECandidatePayload
		if !m.decode(msg, &p) {
			return
		}
		s := m.matching(p.CallID, origin{user: p.SenderID, channel: p.SenderChannelRef})
		if s == nil {
			m.ignored(msg, p.CallID)
			return
		}
		if s.negotiator == nil {
			s.earlyCandidates = append(s.earlyCandidates, p.Candidate)
			return
		}
		if err := s.negotiator.AddRemoteCandidate(p.Candidate); err != nil {
			m.logger.Warnw("remote candidate rejected", "call_id", s.id, "error", err)
		}

	case domain.MsgRestartOffer:
		var p domain.RestartPayload
		if !m.decode(msg, &p) {
			return
		}
		s := m.matching(p.CallID, origin{channel: p.SenderChannelRef})
		if s == nil || s.role != domain.RoleCallee || s.state != domain.StateConnected || s.negotiator == nil {
			m.ignored(msg, p.CallID)
			return
		}
		answer, err := s.negotiator.ApplyRestartOffer(m.runCtx, p.Description)
		if err != nil {
			m.failNegotiation(s, err)
			return
		}
		if err := m.send(domain.MsgRestartAnswer, domain.RestartPayload{
			CallID:           s.id,
			TargetChannelRef: s.peerChannel,
			Description:      answer,
		}); err != nil {
			m.logger.Warnw("failed to send restart answer", "call_id", s.id, "error", err)
		}

	case domain.MsgRestartAnswer:
		var p domain.RestartPayload
		if !m.decode(msg, &p) {
			return
		}
		s := m.matching(p.CallID, origin{channel: p.SenderChannelRef})
		if s == nil || s.role != domain.RoleCaller || s.state != domain.StateConnected || s.negotiator == nil {
			m.ignored(msg, p.CallID)
			return
		}
		if err := s.negotiator.ApplyRemoteAnswer(m.runCtx, p.Description); err != nil {
			m.failNegotiation(s, err)
		}

	case domain.MsgRestartRequest:
		var p domain.RestartRequestPayload
		if !m.decode(msg, &p) {
			return
		}
		s := m.matching(p.CallID, origin{channel: p.SenderChannelRef})
		if s == nil || s.role != domain.RoleCaller || s.state != domain.StateConnected {
			m.ignored(msg, p.CallID)
			return
		}
		m.restartPath(s, "peer request")

	case domain.MsgError:
		var p domain.ErrorPayload
		if !m.decode(msg, &p) {
			return
		}
		m.logger.Warnw("relay reported error", "code", p.Code, "message", p.Message)
		if s := m.session; s != nil {
			m.notify(domain.CallError{CallID: s.id, Kind: domain.ErrorSignaling, Message: p.Message})
		}

	default:
		m.logger.Debugw("unhandled signal message", "type", msg.Type)
	}
}

func (m *CallMachine) onIncomingCall(p domain.IncomingCallPayload) {
	if m.session != nil {
		m.logger.Infow("busy, rejecting incoming call",
			"call_id", p.CallID,
			"caller", p.CallerID,
		)
		if err := m.send(domain.MsgRejectCall, domain.RejectCallPayload{
			CallID:           p.CallID,
			CallerChannelRef: p.CallerChannelRef,
		}); err != nil {
			m.logger.Warnw("failed to reject incoming call while busy", "error", err)
		}
		return
	}
	if !p.CallType.Valid() || p.CallerChannelRef == "" {
		m.logger.Warnw("malformed incoming call dropped",
			"call_id", p.CallID,
			"call_type", p.CallType,
		)
		return
	}

	id := p.CallID
	if id == "" {
		id = domain.CallID(utils.GenerateCallID())
	}
	offer := p.Offer
	s := m.newSession(domain.RoleCallee, p.CallerID, p.CallType, id)
	s.peerChannel = p.CallerChannelRef
	s.remoteOffer = &offer
	s.signaled = true

	m.logger.Infow("incoming call",
		"call_id", s.id,
		"peer", s.peer,
		"kind", s.kind,
	)
	m.setState(s, domain.StateIncoming, domain.ReasonNone)
	m.notify(domain.IncomingCall{CallID: s.id, Peer: s.peer, Kind: s.kind})
	m.armSetupTimer(s)
}

func (m *CallMachine) handleDisconnect(err error) {
	s := m.session
	if s == nil {
		return
	}
	m.logger.Warnw("signaling lost during call", "call_id", s.id, "error", err)
	m.terminate(domain.StateFailed, domain.ReasonSignalingLost, domain.ErrorSignaling, signalingLostMessage)
}

func (m *CallMachine) handleLocalCandidate(ev localCandidateEvent) {
	s := m.session
	if s == nil || s.gen != ev.gen {
		return
	}
	if ev.candidate == nil {
		m.logger.Debugw("local candidate gathering complete", "call_id", s.id)
		return
	}
	p := domain.ICECandidatePayload{CallID: s.id, Candidate: *ev.candidate}
	if s.peerChannel != "" {
		p.TargetChannelRef = s.peerChannel
	} else {
		p.TargetUserID = s.peer
	}
	if err := m.send(domain.MsgICECandidate, p); err != nil {
		m.logger.Warnw("failed to send local candidate", "call_id", s.id, "error", err)
	}
}

func (m *CallMachine) handleICEState(ev iceStateEvent) {
	s := m.session
	if s == nil || s.gen != ev.gen || s.negotiator == nil {
		return
	}
	action := s.negotiator.HandleICEState(ev.state)
	m.logger.Debugw("ice state changed",
		"call_id", s.id,
		"ice_state", ev.state.String(),
		"action", action.String(),
	)
	m.applyPathAction(s, action)
}

func (m *CallMachine) handleWatchdog(ev watchdogEvent) {
	s := m.session
	if s == nil || s.gen != ev.gen || s.negotiator == nil {
		return
	}
	m.applyPathAction(s, s.negotiator.HandleWatchdog(ev.episode))
}

func (m *CallMachine) applyPathAction(s *session, action PathAction) {
	switch action {
	case PathRestart:
		m.restartPath(s, "connectivity watchdog")
	case PathFail:
		m.sendEndCall(s)
		m.terminate(domain.StateFailed, domain.ReasonConnectivity, domain.ErrorConnectivity, callFailedMessage)
	}
}

// restartPath renegotiates connectivity. The caller offers; the callee asks
// the caller to.
func (m *CallMachine) restartPath(s *session, why string) {
	if s.state != domain.StateConnected || s.negotiator == nil {
		return
	}
	if !s.negotiator.BeginRestart() {
		m.logger.Debugw("path restart skipped", "call_id", s.id, "why", why)
		return
	}
	m.metrics.PathRestart(s.role)
	m.logger.Infow("restarting network path",
		"call_id", s.id,
		"why", why,
		"attempt", s.negotiator.Restarts(),
	)

	if s.role == domain.RoleCallee {
		if err := m.send(domain.MsgRestartRequest, domain.RestartRequestPayload{
			CallID:           s.id,
			TargetChannelRef: s.peerChannel,
		}); err != nil {
			m.logger.Warnw("failed to request path restart", "call_id", s.id, "error", err)
		}
		return
	}

	offer, err := s.negotiator.RestartPath(m.runCtx)
	if err != nil {
		m.failNegotiation(s, err)
		return
	}
	if err := m.send(domain.MsgRestartOffer, domain.RestartPayload{
		CallID:           s.id,
		TargetChannelRef: s.peerChannel,
		Description:      offer,
	}); err != nil {
		m.logger.Warnw("failed to send restart offer", "call_id", s.id, "error", err)
	}
}

func (m *CallMachine) handleRemoteTrack(ev remoteTrackEvent) {
	s := m.session
	if s == nil || s.gen != ev.gen {
		return
	}
	m.notify(domain.RemoteTrack{CallID: s.id, Kind: ev.kind.String(), TrackID: ev.trackID})
}

func (m *CallMachine) failNegotiation(s *session, err error) {
	m.logger.Errorw("negotiation failed", "call_id", s.id, "error", err)
	if s.signaled {
		m.sendEndCall(s)
	}
	m.terminate(domain.StateFailed, domain.ReasonNegotiation, domain.ErrorNegotiation, callFailedMessage)
}

func (m *CallMachine) failSignaling(s *session, err error) {
	m.logger.Errorw("signaling send failed", "call_id", s.id, "error", err)
	m.terminate(domain.StateFailed, domain.ReasonSignalingLost, domain.ErrorSignaling, signalingLostMessage)
}

func (m *CallMachine) sendEndCall(s *session) {
	p := domain.EndCallPayload{CallID: s.id}
	if s.peerChannel != "" {
		p.TargetChannelRef = s.peerChannel
	} else {
		p.TargetUserID = s.peer
	}
	if err := m.send(domain.MsgEndCall, p); err != nil {
		m.logger.Warnw("failed to send end-call", "call_id", s.id, "error", err)
	}
}

// terminate releases everything the session owns, then reports the
// terminal state and the return to Idle.
func (m *CallMachine) terminate(to domain.State, reason domain.EndReason, kind domain.ErrorKind, message string) {
	s := m.session
	if s == nil {
		return
	}
	if s.setupTimer != nil {
		s.setupTimer.Stop()
		s.setupTimer = nil
	}
	if s.negotiator != nil {
		if err := s.negotiator.Close(); err != nil {
			m.logger.Debugw("peer connection close failed", "call_id", s.id, "error", err)
		}
	}
	if s.stream != nil {
		s.stream.Close()
	}

	m.logger.Infow("call finished",
		"call_id", s.id,
		"state", to.String(),
		"reason", reason,
	)
	m.setState(s, to, reason)
	if kind != "" {
		m.notify(domain.CallError{CallID: s.id, Kind: kind, Message: message})
	}
	m.metrics.CallFinished(s.role, to, reason)

	m.session = nil
	m.setState(s, domain.StateIdle, reason)
}

func (m *CallMachine) setState(s *session, to domain.State, reason domain.EndReason) {
	from := s.state
	s.state = to
	m.state.Store(int32(to))
	m.publish(s)
	m.notify(domain.StateChanged{CallID: s.id, From: from, To: to, Reason: reason})
}

func (m *CallMachine) publish(s *session) {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()
	if m.session == nil || s.state == domain.StateIdle {
		m.info = nil
		return
	}
	m.info = &domain.CallInfo{
		ID:           s.id,
		Role:         s.role,
		Peer:         s.peer,
		PeerChannel:  s.peerChannel,
		Kind:         s.kind,
		State:        s.state,
		Muted:        s.muted,
		VideoEnabled: s.videoEnabled,
		StartedAt:    s.startedAt,
		ConnectedAt:  s.connectedAt,
	}
}

func (m *CallMachine) notify(n domain.Notification) {
	select {
	case m.notifications <- n:
	default:
		m.logger.Warnw("notification dropped, consumer is not keeping up",
			"notification", fmt.Sprintf("%T", n),
		)
	}
}

func (m *CallMachine) send(t domain.MessageType, payload interface{}) error {
	msg, err := domain.NewSignalMessage(t, payload)
	if err != nil {
		return err
	}
	if err := m.signaler.Send(m.runCtx, msg); err != nil {
		return apperrors.NewSignalingError(err)
	}
	return nil
}

func (m *CallMachine) decode(msg domain.SignalMessage, v interface{}) bool {
	if err := msg.Decode(v); err != nil {
		m.logger.Warnw("malformed signal message dropped", "type", msg.Type, "error", err)
		return false
	}
	return true
}

func (m *CallMachine) ignored(msg domain.SignalMessage, callID domain.CallID) {
	m.logger.Debugw("signal message does not match an active call, ignored",
		"type", msg.Type,
		"call_id", callID,
	)
}

func (m *CallMachine) shutdown() {
	s := m.session
	if s == nil {
		return
	}
	if s.signaled {
		p := domain.EndCallPayload{CallID: s.id, TargetChannelRef: s.peerChannel}
		if s.peerChannel == "" {
			p.TargetUserID = s.peer
		}
		if msg, err := domain.NewSignalMessage(domain.MsgEndCall, p); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = m.signaler.Send(ctx, msg)
			cancel()
		}
	}
	m.terminate(domain.StateEnded, domain.ReasonShutdown, "", "")
}

type noopCallMetrics struct{}

func (noopCallMetrics) CallStarted(domain.Role, domain.MediaKind)                {}
func (noopCallMetrics) CallFinished(domain.Role, domain.State, domain.EndReason) {}
func (noopCallMetrics) CallConnected(float64)                                    {}
func (noopCallMetrics) PathRestart(domain.Role)                                  {}
func (noopCallMetrics) SilentAudioRetry()                                        {}
