package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"peercall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockCallService struct {
	mock.Mock
}

func (m *MockCallService) PlaceCall(ctx context.Context, peer domain.UserID, kind domain.MediaKind) (domain.CallID, error) {
	args := m.Called(peer, kind)
	return args.Get(0).(domain.CallID), args.Error(1)
}

func (m *MockCallService) Accept(ctx context.Context) error { return m.Called().Error(0) }
func (m *MockCallService) Reject(ctx context.Context) error { return m.Called().Error(0) }
func (m *MockCallService) End(ctx context.Context) error    { return m.Called().Error(0) }

func (m *MockCallService) SetMuted(ctx context.Context, muted bool) error {
	return m.Called(muted).Error(0)
}

func (m *MockCallService) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return m.Called(enabled).Error(0)
}

func (m *MockCallService) SwitchCamera(ctx context.Context) error { return m.Called().Error(0) }
func (m *MockCallService) State() domain.State                   { return m.Called().Get(0).(domain.State) }

func (m *MockCallService) Snapshot() (domain.CallInfo, bool) {
	args := m.Called()
	return args.Get(0).(domain.CallInfo), args.Bool(1)
}

func (m *MockCallService) Notifications() <-chan domain.Notification { return nil }

func TestParseCommand(t *testing.T) {
	cmd, ok := parseCommand("  CALL\tbob  video \x07")
	require.True(t, ok)
	assert.Equal(t, "call", cmd.name)
	assert.Equal(t, []string{"bob", "video"}, cmd.args)

	_, ok = parseCommand("   ")
	assert.False(t, ok)
}

func TestExecute_Call(t *testing.T) {
	svc := new(MockCallService)
	svc.On("PlaceCall", domain.UserID("bob"), domain.MediaVideo).Return(domain.CallID("call_1"), nil).Once()
	svc.On("PlaceCall", domain.UserID("carol"), domain.MediaVoice).Return(domain.CallID(""), domain.ErrSessionActive).Once()

	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), svc, command{name: "call", args: []string{"bob", "video"}}, &out))
	assert.Contains(t, out.String(), "call_1")

	err := execute(context.Background(), svc, command{name: "call", args: []string{"carol"}}, &out)
	assert.ErrorIs(t, err, domain.ErrSessionActive)

	for _, args := range [][]string{nil, {"bob", "audio"}, {"bad user"}, {"a", "b", "c"}} {
		assert.Error(t, execute(context.Background(), svc, command{name: "call", args: args}, &out), "%v", args)
	}
	svc.AssertExpectations(t)
}

func TestExecute_Controls(t *testing.T) {
	svc := new(MockCallService)
	svc.On("Accept").Return(nil).Once()
	svc.On("Reject").Return(nil).Once()
	svc.On("End").Return(domain.ErrNoActiveCall).Once()
	svc.On("SetMuted", true).Return(nil).Once()
	svc.On("SetMuted", false).Return(nil).Once()
	svc.On("SetVideoEnabled", false).Return(nil).Once()
	svc.On("SwitchCamera").Return(nil).Once()

	ctx := context.Background()
	var out bytes.Buffer
	assert.NoError(t, execute(ctx, svc, command{name: "accept"}, &out))
	assert.NoError(t, execute(ctx, svc, command{name: "reject"}, &out))
	assert.ErrorIs(t, execute(ctx, svc, command{name: "hangup"}, &out), domain.ErrNoActiveCall)
	assert.NoError(t, execute(ctx, svc, command{name: "mute"}, &out))
	assert.NoError(t, execute(ctx, svc, command{name: "unmute"}, &out))
	assert.NoError(t, execute(ctx, svc, command{name: "video", args: []string{"OFF"}}, &out))
	assert.Error(t, execute(ctx, svc, command{name: "video", args: []string{"maybe"}}, &out))
	assert.NoError(t, execute(ctx, svc, command{name: "switch"}, &out))
	assert.True(t, errors.Is(execute(ctx, svc, command{name: "quit"}, &out), errQuit))
	assert.Error(t, execute(ctx, svc, command{name: "dance"}, &out))
	svc.AssertExpectations(t)
}

func TestDescribe(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	idle := new(MockCallService)
	idle.On("Snapshot").Return(domain.CallInfo{}, false)
	idle.On("State").Return(domain.StateIdle)
	assert.Equal(t, "state: idle", describe(idle, now))

	active := new(MockCallService)
	active.On("Snapshot").Return(domain.CallInfo{
		Role:        domain.RoleCallee,
		Peer:        "alice",
		Kind:        domain.MediaVideo,
		State:       domain.StateConnected,
		Muted:       true,
		ConnectedAt: now.Add(-90 * time.Second),
	}, true)
	assert.Equal(t, "state: connected, video call with alice (callee), up 1:30, muted, camera off", describe(active, now))
}

func TestFormatNotification(t *testing.T) {
	assert.Equal(t, "incoming voice call from bob (accept/reject)",
		formatNotification(domain.IncomingCall{CallID: "call_1", Peer: "bob", Kind: domain.MediaVoice}))
	assert.Equal(t, "call call_1: outgoing -> rejected (rejected)",
		formatNotification(domain.StateChanged{CallID: "call_1", From: domain.StateOutgoing, To: domain.StateRejected, Reason: domain.ReasonRejected}))
	assert.Equal(t, "call call_1: outgoing -> connected",
		formatNotification(domain.StateChanged{CallID: "call_1", From: domain.StateOutgoing, To: domain.StateConnected}))
	assert.Equal(t, "call error (unavailable): user is not available",
		formatNotification(domain.CallError{CallID: "call_1", Kind: domain.ErrorUnavailable, Message: "user is not available"}))
}
