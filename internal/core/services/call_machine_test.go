package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"peercall/internal/core/domain"
	"peercall/pkg/clock"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type machineHarness struct {
	m        *CallMachine
	sig      *fakeSignaler
	acquirer *fakeAcquirer
	factory  *fakeFactory
	metrics  *fakeMetrics
	clk      *clock.FakeClock
	cancel   context.CancelFunc
	stopped  chan struct{}
	backlog  []domain.Notification
}

func newMachineHarness(t *testing.T, self domain.UserID, configure ...func(*MachineConfig, *fakeAcquirer)) *machineHarness {
	t.Helper()
	h := &machineHarness{
		sig:      newFakeSignaler(),
		acquirer: &fakeAcquirer{},
		factory:  &fakeFactory{},
		metrics:  &fakeMetrics{},
		clk:      clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		stopped:  make(chan struct{}),
	}
	cfg := DefaultMachineConfig(self)
	for _, fn := range configure {
		fn(&cfg, h.acquirer)
	}
	h.m = NewCallMachine(cfg, MachineDeps{
		Signaler: h.sig,
		ICE:      fakeICE{servers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}}},
		Acquirer: h.acquirer,
		Factory:  h.factory,
		Metrics:  h.metrics,
		Clock:    h.clk,
	}, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.stopped)
		_ = h.m.Run(ctx)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *machineHarness) stop() {
	h.cancel()
	<-h.stopped
}

// await returns the first notification matching pred, keeping the rest
// for later calls.
func (h *machineHarness) await(t *testing.T, what string, pred func(domain.Notification) bool) domain.Notification {
	t.Helper()
	for i, n := range h.backlog {
		if pred(n) {
			h.backlog = append(h.backlog[:i], h.backlog[i+1:]...)
			return n
		}
	}
	timeout := time.After(waitTimeout)
	for {
		select {
		case n, ok := <-h.m.Notifications():
			require.True(t, ok, "notifications closed while waiting for %s", what)
			if pred(n) {
				return n
			}
			h.backlog = append(h.backlog, n)
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (h *machineHarness) awaitState(t *testing.T, to domain.State) domain.StateChanged {
	t.Helper()
	return h.await(t, "state "+to.String(), func(n domain.Notification) bool {
		sc, ok := n.(domain.StateChanged)
		return ok && sc.To == to
	}).(domain.StateChanged)
}

func (h *machineHarness) awaitError(t *testing.T) domain.CallError {
	t.Helper()
	return h.await(t, "call error", func(n domain.Notification) bool {
		_, ok := n.(domain.CallError)
		return ok
	}).(domain.CallError)
}

func (h *machineHarness) deliver(t *testing.T, typ domain.MessageType, payload interface{}) {
	t.Helper()
	msg, err := domain.NewSignalMessage(typ, payload)
	require.NoError(t, err)
	h.m.HandleSignal(msg)
}

var testOffer = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- remote offer\r\n"}
var testAnswer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=- remote answer\r\n"}

// connectCaller drives alice's outgoing call to bob into Connected.
func connectCaller(t *testing.T, h *machineHarness, kind domain.MediaKind) (domain.CallID, *fakePeerConnection) {
	t.Helper()
	ctx := context.Background()
	id, err := h.m.PlaceCall(ctx, "bob", kind)
	require.NoError(t, err)
	h.awaitState(t, domain.StateOutgoing)

	var call domain.CallUserPayload
	h.sig.next(t, domain.MsgCallUser, &call)
	require.Equal(t, id, call.CallID)

	h.deliver(t, domain.MsgCallAnswered, domain.CallAnsweredPayload{
		CallID:           id,
		CalleeID:         "bob",
		CalleeChannelRef: "chan-bob",
		Answer:           testAnswer,
	})
	h.awaitState(t, domain.StateConnected)
	return id, h.factory.last(t)
}

// ringCallee delivers an incoming call from alice to bob.
func ringCallee(t *testing.T, h *machineHarness, kind domain.MediaKind) domain.CallID {
	t.Helper()
	id := domain.CallID("call_from_alice")
	h.deliver(t, domain.MsgIncomingCall, domain.IncomingCallPayload{
		CallID:           id,
		CallerID:         "alice",
		CallerChannelRef: "chan-alice",
		Offer:            testOffer,
		CallType:         kind,
	})
	h.awaitState(t, domain.StateIncoming)
	return id
}

func TestCallMachine_OutgoingVoiceCall(t *testing.T) {
	h := newMachineHarness(t, "alice")
	ctx := context.Background()

	id, err := h.m.PlaceCall(ctx, "bob", domain.MediaVoice)
	require.NoError(t, err)
	assert.Equal(t, domain.StateIdle, h.awaitState(t, domain.StateOutgoing).From)

	var call domain.CallUserPayload
	h.sig.next(t, domain.MsgCallUser, &call)
	assert.Equal(t, id, call.CallID)
	assert.Equal(t, domain.UserID("bob"), call.TargetUserID)
	assert.Equal(t, domain.MediaVoice, call.CallType)
	assert.Equal(t, webrtc.SDPTypeOffer, call.Offer.Type)

	pc := h.factory.last(t)
	local := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.168.1.2 50000 typ host"}
	pc.events.OnLocalCandidate(&local)
	var ice domain.ICECandidatePayload
	h.sig.next(t, domain.MsgICECandidate, &ice)
	assert.Equal(t, domain.UserID("bob"), ice.TargetUserID, "callee channel unknown before answer")
	assert.Equal(t, local.Candidate, ice.Candidate.Candidate)

	h.deliver(t, domain.MsgCallAnswered, domain.CallAnsweredPayload{
		CallID:           id,
		CalleeID:         "bob",
		CalleeChannelRef: "chan-bob",
		Answer:           testAnswer,
	})
	h.awaitState(t, domain.StateConnected)
	assert.Equal(t, domain.StateConnected, h.m.State())
	info, ok := h.m.Snapshot()
	require.True(t, ok)
	assert.Equal(t, domain.ChannelRef("chan-bob"), info.PeerChannel)
	assert.Equal(t, domain.RoleCaller, info.Role)

	pc.events.OnRemoteTrack(webrtc.RTPCodecTypeAudio, "bob-audio")
	track := h.await(t, "remote track", func(n domain.Notification) bool {
		_, ok := n.(domain.RemoteTrack)
		return ok
	}).(domain.RemoteTrack)
	assert.Equal(t, "audio", track.Kind)

	require.NoError(t, h.m.End(ctx))
	var end domain.EndCallPayload
	h.sig.next(t, domain.MsgEndCall, &end)
	assert.Equal(t, domain.ChannelRef("chan-bob"), end.TargetChannelRef)

	ended := h.awaitState(t, domain.StateEnded)
	assert.Equal(t, domain.ReasonLocalHangup, ended.Reason)
	h.awaitState(t, domain.StateIdle)

	stream := h.acquirer.stream(t, 0)
	assert.True(t, stream.audio.(*fakeTrack).Closed())
	assert.Equal(t, 1, pc.closeCount())
	_, ok = h.m.Snapshot()
	assert.False(t, ok)

	m := h.metrics.snapshot()
	assert.Equal(t, 1, m.connected)
	require.Len(t, m.finished, 1)
	assert.Equal(t, domain.StateEnded, m.finished[0].outcome)
}

func TestCallMachine_IncomingCallWithEarlyCandidates(t *testing.T) {
	h := newMachineHarness(t, "bob")
	ctx := context.Background()

	id := ringCallee(t, h, domain.MediaVoice)
	incoming := h.await(t, "incoming call", func(n domain.Notification) bool {
		_, ok := n.(domain.IncomingCall)
		return ok
	}).(domain.IncomingCall)
	assert.Equal(t, domain.UserID("alice"), incoming.Peer)
	assert.Equal(t, domain.MediaVoice, incoming.Kind)

	for _, c := range []string{"candidate:a", "candidate:b"} {
		h.deliver(t, domain.MsgICECandidate, domain.ICECandidatePayload{
			CallID:           id,
			SenderID:         "alice",
			SenderChannelRef: "chan-alice",
			Candidate:        webrtc.ICECandidateInit{Candidate: c},
		})
	}

	require.NoError(t, h.m.Accept(ctx))
	var answer domain.AnswerCallPayload
	h.sig.next(t, domain.MsgAnswerCall, &answer)
	assert.Equal(t, id, answer.CallID)
	assert.Equal(t, domain.ChannelRef("chan-alice"), answer.CallerChannelRef)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Answer.Type)
	h.awaitState(t, domain.StateConnected)

	pc := h.factory.last(t)
	assert.Equal(t, []string{
		"add-track:audio",
		"set-remote:offer",
		"candidate:a",
		"candidate:b",
		"create-answer",
		"set-local:answer",
	}, pc.opLog())

	h.deliver(t, domain.MsgCallEnded, domain.CallEndedPayload{CallID: id, SenderID: "alice"})
	assert.Equal(t, domain.ReasonRemoteHangup, h.awaitState(t, domain.StateEnded).Reason)
	h.awaitState(t, domain.StateIdle)
}

func TestCallMachine_SingleSession(t *testing.T) {
	h := newMachineHarness(t, "alice")
	ctx := context.Background()

	_, err := h.m.PlaceCall(ctx, "bob", domain.MediaVoice)
	require.NoError(t, err)
	h.awaitState(t, domain.StateOutgoing)

	_, err = h.m.PlaceCall(ctx, "carol", domain.MediaVoice)
	assert.ErrorIs(t, err, domain.ErrSessionActive)

	h.deliver(t, domain.MsgIncomingCall, domain.IncomingCallPayload{
		CallID:           "call_from_dave",
		CallerID:         "dave",
		CallerChannelRef: "chan-dave",
		Offer:            testOffer,
		CallType:         domain.MediaVoice,
	})
	var reject domain.RejectCallPayload
	h.sig.next(t, domain.MsgRejectCall, &reject)
	assert.Equal(t, domain.CallID("call_from_dave"), reject.CallID)
	assert.Equal(t, domain.ChannelRef("chan-dave"), reject.CallerChannelRef)

	info, ok := h.m.Snapshot()
	require.True(t, ok)
	assert.Equal(t, domain.UserID("bob"), info.Peer)
	assert.Equal(t, domain.StateOutgoing, h.m.State())
}

func TestCallMachine_PlaceCallValidation(t *testing.T) {
	h := newMachineHarness(t, "alice")
	ctx := context.Background()

	_, err := h.m.PlaceCall(ctx, "alice", domain.MediaVoice)
	assert.ErrorIs(t, err, domain.ErrInvalidPeer)
	_, err = h.m.PlaceCall(ctx, "", domain.MediaVoice)
	assert.ErrorIs(t, err, domain.ErrInvalidPeer)
	_, err = h.m.PlaceCall(ctx, "bob", domain.MediaKind("screen"))
	assert.Error(t, err)
	assert.Equal(t, domain.StateIdle, h.m.State())
}

func TestCallMachine_ControlsWithoutCall(t *testing.T) {
	h := newMachineHarness(t, "alice")
	ctx := context.Background()

	assert.ErrorIs(t, h.m.Accept(ctx), domain.ErrNoActiveCall)
	assert.ErrorIs(t, h.m.Reject(ctx), domain.ErrNoActiveCall)
	assert.ErrorIs(t, h.m.End(ctx), domain.ErrNoActiveCall)
	assert.ErrorIs(t, h.m.SetMuted(ctx, true), domain.ErrNoActiveCall)
	assert.ErrorIs(t, h.m.SwitchCamera(ctx), domain.ErrNoActiveCall)
}

func TestCallMachine_RemoteOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		typ     domain.MessageType
		payload func(domain.CallID) interface{}
		state   domain.State
		reason  domain.EndReason
		errKind domain.ErrorKind
	}{
		{
			name:    "rejected",
			typ:     domain.MsgCallRejected,
			payload: func(id domain.CallID) interface{} { return domain.CallRejectedPayload{CallID: id} },
			state:   domain.StateRejected,
			reason:  domain.ReasonRejected,
		},
		{
			name: "unavailable",
			typ:  domain.MsgUserUnavailable,
			payload: func(id domain.CallID) interface{} {
				return domain.UserUnavailablePayload{CallID: id, TargetUserID: "bob"}
			},
			state:   domain.StateUnavailable,
			reason:  domain.ReasonUnavailable,
			errKind: domain.ErrorUnavailable,
		},
		{
			name:    "ended before answer",
			typ:     domain.MsgCallEnded,
			payload: func(id domain.CallID) interface{} { return domain.CallEndedPayload{CallID: id} },
			state:   domain.StateEnded,
			reason:  domain.ReasonRemoteHangup,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newMachineHarness(t, "alice")
			id, err := h.m.PlaceCall(context.Background(), "bob", domain.MediaVoice)
			require.NoError(t, err)
			h.sig.next(t, domain.MsgCallUser, nil)
			pc := h.factory.last(t)
			stream := h.acquirer.stream(t, 0)

			h.deliver(t, tt.typ, tt.payload(id))
			sc := h.awaitState(t, tt.state)
			assert.Equal(t, tt.reason, sc.Reason)

			// resources are released before the outcome is reported
			assert.True(t, stream.audio.(*fakeTrack).Closed())
			assert.Equal(t, 1, pc.closeCount())

			if tt.errKind != "" {
				assert.Equal(t, tt.errKind, h.awaitError(t).Kind)
			}
			h.awaitState(t, domain.StateIdle)
		})
	}
}

func TestCallMachine_AcquisitionFailure(t *testing.T) {
	h := newMachineHarness(t, "alice", func(_ *MachineConfig, a *fakeAcquirer) {
		a.err = errors.New("camera in use")
	})

	_, err := h.m.PlaceCall(context.Background(), "bob", domain.MediaVideo)
	require.NoError(t, err)

	sc := h.awaitState(t, domain.StateFailed)
	assert.Equal(t, domain.ReasonAcquisition, sc.Reason)
	assert.Equal(t, domain.ErrorAcquisition, h.awaitError(t).Kind)
	h.awaitState(t, domain.StateIdle)

	assert.Zero(t, h.factory.count())
	assert.Zero(t, h.sig.count(domain.MsgCallUser))
}

func TestCallMachine_CalleeAcquisitionFailureEndsCall(t *testing.T) {
	h := newMachineHarness(t, "bob", func(_ *MachineConfig, a *fakeAcquirer) {
		a.err = errors.New("no microphone")
	})

	ringCallee(t, h, domain.MediaVoice)
	require.NoError(t, h.m.Accept(context.Background()))

	var end domain.EndCallPayload
	h.sig.next(t, domain.MsgEndCall, &end)
	assert.Equal(t, domain.ChannelRef("chan-alice"), end.TargetChannelRef)
	h.awaitState(t, domain.StateFailed)
}

func TestCallMachine_RejectIncoming(t *testing.T) {
	h := newMachineHarness(t, "bob")
	ctx := context.Background()

	id := ringCallee(t, h, domain.MediaVideo)
	require.NoError(t, h.m.Reject(ctx))

	var reject domain.RejectCallPayload
	h.sig.next(t, domain.MsgRejectCall, &reject)
	assert.Equal(t, id, reject.CallID)
	assert.Equal(t, domain.ReasonDeclined, h.awaitState(t, domain.StateRejected).Reason)
	h.awaitState(t, domain.StateIdle)
	assert.Zero(t, h.factory.count())
}

func TestCallMachine_LateEventsAreIgnored(t *testing.T) {
	h := newMachineHarness(t, "alice")
	ctx := context.Background()

	id, pc := connectCaller(t, h, domain.MediaVoice)
	require.NoError(t, h.m.End(ctx))
	h.awaitState(t, domain.StateIdle)
	h.backlog = nil

	h.deliver(t, domain.MsgCallAnswered, domain.CallAnsweredPayload{CallID: id, Answer: testAnswer})
	h.deliver(t, domain.MsgICECandidate, domain.ICECandidatePayload{CallID: id, Candidate: webrtc.ICECandidateInit{Candidate: "candidate:late"}})
	h.deliver(t, domain.MsgCallEnded, domain.CallEndedPayload{CallID: id})
	pc.events.OnICEState(webrtc.ICEConnectionStateFailed)

	// a round trip through the inbox proves the late events were processed
	assert.ErrorIs(t, h.m.End(ctx), domain.ErrNoActiveCall)
	assert.Equal(t, domain.StateIdle, h.m.State())
	assert.Empty(t, h.backlog)
	select {
	case n := <-h.m.Notifications():
		t.Fatalf("unexpected notification %#v", n)
	default:
	}
	assert.NotContains(t, pc.opLog(), "candidate:late")
}

func TestCallMachine_ForeignSenderIgnored(t *testing.T) {
	h := newMachineHarness(t, "alice")

	id, pc := connectCaller(t, h, domain.MediaVoice)

	h.deliver(t, domain.MsgICECandidate, domain.ICECandidatePayload{
		SenderID:         "mallory",
		SenderChannelRef: "chan-mallory",
		Candidate:        webrtc.ICECandidateInit{Candidate: "candidate:mallory"},
	})
	h.deliver(t, domain.MsgICECandidate, domain.ICECandidatePayload{
		SenderID:         "bob",
		SenderChannelRef: "chan-bob-other",
		Candidate:        webrtc.ICECandidateInit{Candidate: "candidate:other-device"},
	})
	h.deliver(t, domain.MsgICECandidate, domain.ICECandidatePayload{
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:anonymous"},
	})
	h.deliver(t, domain.MsgCallEnded, domain.CallEndedPayload{SenderID: "mallory", SenderChannelRef: "chan-mallory"})
	h.deliver(t, domain.MsgCallEnded, domain.CallEndedPayload{CallID: id, SenderID: "mallory", SenderChannelRef: "chan-mallory"})
	h.deliver(t, domain.MsgRestartAnswer, domain.RestartPayload{SenderChannelRef: "chan-mallory", Description: testAnswer})

	h.deliver(t, domain.MsgICECandidate, domain.ICECandidatePayload{
		SenderID:         "bob",
		SenderChannelRef: "chan-bob",
		Candidate:        webrtc.ICECandidateInit{Candidate: "candidate:bob"},
	})
	require.Eventually(t, func() bool {
		for _, op := range pc.opLog() {
			if op == "candidate:bob" {
				return true
			}
		}
		return false
	}, waitTimeout, time.Millisecond)

	ops := pc.opLog()
	assert.NotContains(t, ops, "candidate:mallory")
	assert.NotContains(t, ops, "candidate:other-device")
	assert.NotContains(t, ops, "candidate:anonymous")
	assert.Equal(t, domain.StateConnected, h.m.State())

	h.deliver(t, domain.MsgCallEnded, domain.CallEndedPayload{SenderID: "bob", SenderChannelRef: "chan-bob"})
	assert.Equal(t, domain.ReasonRemoteHangup, h.awaitState(t, domain.StateEnded).Reason)
	h.awaitState(t, domain.StateIdle)
}

func TestCallMachine_AnswerFromWrongCalleeIgnored(t *testing.T) {
	h := newMachineHarness(t, "alice")

	id, err := h.m.PlaceCall(context.Background(), "bob", domain.MediaVoice)
	require.NoError(t, err)
	h.sig.next(t, domain.MsgCallUser, nil)
	pc := h.factory.last(t)

	h.deliver(t, domain.MsgCallAnswered, domain.CallAnsweredPayload{
		CallID:           id,
		CalleeID:         "mallory",
		CalleeChannelRef: "chan-mallory",
		Answer:           testAnswer,
	})
	h.deliver(t, domain.MsgCallAnswered, domain.CallAnsweredPayload{
		CallID:           id,
		CalleeID:         "bob",
		CalleeChannelRef: "chan-bob",
		Answer:           testAnswer,
	})
	h.awaitState(t, domain.StateConnected)

	info, ok := h.m.Snapshot()
	require.True(t, ok)
	assert.Equal(t, domain.ChannelRef("chan-bob"), info.PeerChannel)
	set := 0
	for _, op := range pc.opLog() {
		if op == "set-remote:answer" {
			set++
		}
	}
	assert.Equal(t, 1, set)
}

func TestCallMachine_StaleMediaIsReleased(t *testing.T) {
	gate := make(chan struct{})
	h := newMachineHarness(t, "alice", func(_ *MachineConfig, a *fakeAcquirer) {
		a.gate = gate
	})
	ctx := context.Background()

	_, err := h.m.PlaceCall(ctx, "bob", domain.MediaVoice)
	require.NoError(t, err)
	require.NoError(t, h.m.End(ctx))
	h.awaitState(t, domain.StateIdle)

	close(gate)
	stream := h.acquirer.stream(t, 0)
	require.Eventually(t, func() bool {
		return stream.audio.(*fakeTrack).Closed()
	}, waitTimeout, time.Millisecond)
	assert.Zero(t, h.factory.count())
	assert.Zero(t, h.sig.count(domain.MsgEndCall), "peer was never signaled")
}

func TestCallMachine_SetupTimeout(t *testing.T) {
	t.Run("outgoing no answer", func(t *testing.T) {
		h := newMachineHarness(t, "alice")
		_, err := h.m.PlaceCall(context.Background(), "bob", domain.MediaVoice)
		require.NoError(t, err)
		h.sig.next(t, domain.MsgCallUser, nil)

		h.clk.Advance(45 * time.Second)

		h.sig.next(t, domain.MsgEndCall, nil)
		assert.Equal(t, domain.ReasonNoAnswer, h.awaitState(t, domain.StateUnavailable).Reason)
		assert.Equal(t, domain.ErrorUnavailable, h.awaitError(t).Kind)
	})

	t.Run("incoming missed", func(t *testing.T) {
		h := newMachineHarness(t, "bob")
		ringCallee(t, h, domain.MediaVoice)
		h.clk.WaitForTimers(1)

		h.clk.Advance(45 * time.Second)

		assert.Equal(t, domain.ReasonMissed, h.awaitState(t, domain.StateEnded).Reason)
		assert.Zero(t, h.sig.count(domain.MsgRejectCall))
	})

	t.Run("connected call keeps running", func(t *testing.T) {
		h := newMachineHarness(t, "alice")
		connectCaller(t, h, domain.MediaVoice)

		h.clk.Advance(time.Minute)
		require.NoError(t, h.m.SetMuted(context.Background(), true))
		assert.Equal(t, domain.StateConnected, h.m.State())
	})
}

func TestCallMachine_SignalingLost(t *testing.T) {
	h := newMachineHarness(t, "alice")
	connectCaller(t, h, domain.MediaVoice)

	h.m.HandleDisconnect(errors.New("websocket: close 1006"))

	assert.Equal(t, domain.ReasonSignalingLost, h.awaitState(t, domain.StateFailed).Reason)
	assert.Equal(t, domain.ErrorSignaling, h.awaitError(t).Kind)
	h.awaitState(t, domain.StateIdle)
}

func TestCallMachine_CallerRestartsStuckPath(t *testing.T) {
	h := newMachineHarness(t, "alice")
	id, pc := connectCaller(t, h, domain.MediaVoice)

	pc.events.OnICEState(webrtc.ICEConnectionStateChecking)
	h.clk.WaitForTimers(1)
	h.clk.Advance(10 * time.Second)

	var restart domain.RestartPayload
	h.sig.next(t, domain.MsgRestartOffer, &restart)
	assert.Equal(t, id, restart.CallID)
	assert.Equal(t, domain.ChannelRef("chan-bob"), restart.TargetChannelRef)
	assert.Equal(t, []bool{false, true}, pc.offerFlags())

	h.deliver(t, domain.MsgRestartAnswer, domain.RestartPayload{CallID: id, Description: testAnswer})
	pc.events.OnICEState(webrtc.ICEConnectionStateConnected)

	require.NoError(t, h.m.SetMuted(context.Background(), false))
	assert.Equal(t, domain.StateConnected, h.m.State())
	assert.Equal(t, 1, h.metrics.snapshot().restarts)
}

func TestCallMachine_CalleeRequestsRestart(t *testing.T) {
	h := newMachineHarness(t, "bob")
	id := ringCallee(t, h, domain.MediaVoice)
	require.NoError(t, h.m.Accept(context.Background()))
	h.awaitState(t, domain.StateConnected)
	pc := h.factory.last(t)

	pc.events.OnICEState(webrtc.ICEConnectionStateFailed)

	var req domain.RestartRequestPayload
	h.sig.next(t, domain.MsgRestartRequest, &req)
	assert.Equal(t, id, req.CallID)
	assert.Equal(t, domain.ChannelRef("chan-alice"), req.TargetChannelRef)

	h.deliver(t, domain.MsgRestartOffer, domain.RestartPayload{CallID: id, Description: testOffer})
	var answer domain.RestartPayload
	h.sig.next(t, domain.MsgRestartAnswer, &answer)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Description.Type)
	assert.Equal(t, domain.StateConnected, h.m.State())
}

func TestCallMachine_CallerHonoursRestartRequest(t *testing.T) {
	h := newMachineHarness(t, "alice")
	id, pc := connectCaller(t, h, domain.MediaVoice)

	h.deliver(t, domain.MsgRestartRequest, domain.RestartRequestPayload{CallID: id})

	h.sig.next(t, domain.MsgRestartOffer, nil)
	assert.Equal(t, []bool{false, true}, pc.offerFlags())
}

func TestCallMachine_ConnectivityFailureAfterBudget(t *testing.T) {
	h := newMachineHarness(t, "alice", func(cfg *MachineConfig, _ *fakeAcquirer) {
		cfg.MaxPathRestarts = 0
	})
	_, pc := connectCaller(t, h, domain.MediaVoice)

	pc.events.OnICEState(webrtc.ICEConnectionStateFailed)

	h.sig.next(t, domain.MsgEndCall, nil)
	assert.Equal(t, domain.ReasonConnectivity, h.awaitState(t, domain.StateFailed).Reason)
	assert.Equal(t, domain.ErrorConnectivity, h.awaitError(t).Kind)
}

func TestCallMachine_NegotiationFailure(t *testing.T) {
	h := newMachineHarness(t, "alice")
	id, err := h.m.PlaceCall(context.Background(), "bob", domain.MediaVoice)
	require.NoError(t, err)
	h.sig.next(t, domain.MsgCallUser, nil)
	pc := h.factory.last(t)
	pc.mu.Lock()
	pc.remoteErr = errors.New("malformed sdp")
	pc.mu.Unlock()

	h.deliver(t, domain.MsgCallAnswered, domain.CallAnsweredPayload{CallID: id, CalleeChannelRef: "chan-bob", Answer: testAnswer})

	h.sig.next(t, domain.MsgEndCall, nil)
	assert.Equal(t, domain.ReasonNegotiation, h.awaitState(t, domain.StateFailed).Reason)
	ce := h.awaitError(t)
	assert.Equal(t, domain.ErrorNegotiation, ce.Kind)
	assert.Equal(t, callFailedMessage, ce.Message)
}

func TestCallMachine_ShutdownEndsActiveCall(t *testing.T) {
	h := newMachineHarness(t, "alice")
	_, pc := connectCaller(t, h, domain.MediaVoice)

	h.stop()

	h.sig.next(t, domain.MsgEndCall, nil)
	assert.Equal(t, 1, pc.closeCount())
	assert.Equal(t, domain.StateIdle, h.m.State())

	_, err := h.m.PlaceCall(context.Background(), "bob", domain.MediaVoice)
	assert.ErrorIs(t, err, domain.ErrMachineStopped)
}
