package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type fakeTrack struct {
	id       string
	kind     webrtc.RTPCodecType
	deviceID string
	label    string

	mu     sync.Mutex
	closes int
}

func newAudioTrack(id, deviceID, label string) *fakeTrack {
	return &fakeTrack{id: id, kind: webrtc.RTPCodecTypeAudio, deviceID: deviceID, label: label}
}

func newVideoTrack(id, deviceID, label string) *fakeTrack {
	return &fakeTrack{id: id, kind: webrtc.RTPCodecTypeVideo, deviceID: deviceID, label: label}
}

func (t *fakeTrack) ID() string                    { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType     { return t.kind }
func (t *fakeTrack) DeviceID() string              { return t.deviceID }
func (t *fakeTrack) Label() string                 { return t.label }
func (t *fakeTrack) TrackLocal() webrtc.TrackLocal { return nil }

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	t.closes++
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes > 0
}

// fakeCapturer hands out fake tracks. peaks[i] scripts the level meter of
// the i-th audio capture; missing readings are silence.
type fakeCapturer struct {
	mu        sync.Mutex
	devices   []domain.AudioDevice
	enumErr   error
	audioErr  error
	videoErrs []error
	peaks     [][]float64
	// stall, when set, blocks every meter read until it is closed.
	stall chan struct{}

	audioConstraints []domain.AudioConstraints
	videoConstraints []domain.VideoConstraints
	audioTracks      []*fakeTrack
	videoTracks      []*fakeTrack
	meterReads       int
}

func (c *fakeCapturer) AudioInputs(ctx context.Context) ([]domain.AudioDevice, error) {
	return c.devices, c.enumErr
}

func (c *fakeCapturer) CaptureAudio(ctx context.Context, constraints domain.AudioConstraints) (ports.LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioConstraints = append(c.audioConstraints, constraints)
	if c.audioErr != nil {
		return nil, c.audioErr
	}
	deviceID, label := "default", "Default"
	for _, d := range c.devices {
		if d.ID == constraints.DeviceID {
			deviceID, label = d.ID, d.Label
		}
	}
	t := newAudioTrack(fmt.Sprintf("audio-%d", len(c.audioTracks)), deviceID, label)
	c.audioTracks = append(c.audioTracks, t)
	return t, nil
}

func (c *fakeCapturer) CaptureVideo(ctx context.Context, constraints domain.VideoConstraints) (ports.LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoConstraints = append(c.videoConstraints, constraints)
	if len(c.videoErrs) > 0 {
		err := c.videoErrs[0]
		c.videoErrs = c.videoErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	deviceID, label := "cam-integrated", "Integrated Webcam"
	switch constraints.Facing {
	case domain.FacingUser:
		deviceID, label = "cam-front", "Front Camera"
	case domain.FacingEnvironment:
		deviceID, label = "cam-back", "Back Camera"
	}
	t := newVideoTrack(fmt.Sprintf("video-%d", len(c.videoTracks)), deviceID, label)
	c.videoTracks = append(c.videoTracks, t)
	return t, nil
}

func (c *fakeCapturer) LevelMeter(track ports.LocalTrack) (ports.LevelMeter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := len(c.audioTracks) - 1
	var peaks []float64
	if idx >= 0 && idx < len(c.peaks) {
		peaks = c.peaks[idx]
	}
	return &fakeMeter{capturer: c, peaks: peaks, stall: c.stall}, nil
}

func (c *fakeCapturer) reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meterReads
}

type fakeMeter struct {
	capturer *fakeCapturer
	peaks    []float64
	next     int
	stall    chan struct{}
}

func (m *fakeMeter) Peak() (float64, error) {
	m.capturer.mu.Lock()
	m.capturer.meterReads++
	m.capturer.mu.Unlock()
	if m.stall != nil {
		<-m.stall
	}
	if m.next >= len(m.peaks) {
		return 0, nil
	}
	v := m.peaks[m.next]
	m.next++
	return v, nil
}

func (m *fakeMeter) Close() error { return nil }

type finishRecord struct {
	role    domain.Role
	outcome domain.State
	reason  domain.EndReason
}

type fakeMetrics struct {
	mu            sync.Mutex
	started       int
	finished      []finishRecord
	connected     int
	restarts      int
	silentRetries int
}

func (m *fakeMetrics) CallStarted(domain.Role, domain.MediaKind) {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *fakeMetrics) CallFinished(role domain.Role, outcome domain.State, reason domain.EndReason) {
	m.mu.Lock()
	m.finished = append(m.finished, finishRecord{role, outcome, reason})
	m.mu.Unlock()
}

func (m *fakeMetrics) CallConnected(float64) {
	m.mu.Lock()
	m.connected++
	m.mu.Unlock()
}

func (m *fakeMetrics) PathRestart(domain.Role) {
	m.mu.Lock()
	m.restarts++
	m.mu.Unlock()
}

func (m *fakeMetrics) SilentAudioRetry() {
	m.mu.Lock()
	m.silentRetries++
	m.mu.Unlock()
}

func (m *fakeMetrics) snapshot() fakeMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fakeMetrics{
		started:       m.started,
		finished:      append([]finishRecord(nil), m.finished...),
		connected:     m.connected,
		restarts:      m.restarts,
		silentRetries: m.silentRetries,
	}
}

type fakeSender struct {
	mu      sync.Mutex
	kind    webrtc.RTPCodecType
	history []ports.LocalTrack
}

func (s *fakeSender) ReplaceTrack(track ports.LocalTrack) error {
	s.mu.Lock()
	s.history = append(s.history, track)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) current() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[len(s.history)-1]
}

// fakePeerConnection records the order of every negotiation step.
type fakePeerConnection struct {
	events ports.PeerEvents

	mu        sync.Mutex
	ops       []string
	offers    []bool
	senders   map[webrtc.RTPCodecType]*fakeSender
	receivers []webrtc.RTPCodecType
	hasRemote bool
	remoteErr error
	closes    int
}

func newFakePeerConnection(events ports.PeerEvents) *fakePeerConnection {
	return &fakePeerConnection{events: events, senders: map[webrtc.RTPCodecType]*fakeSender{}}
}

func (p *fakePeerConnection) record(op string) {
	p.ops = append(p.ops, op)
}

func (p *fakePeerConnection) AddTrack(track ports.LocalTrack) (ports.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("add-track:" + track.Kind().String())
	s := &fakeSender{kind: track.Kind(), history: []ports.LocalTrack{track}}
	p.senders[track.Kind()] = s
	return s, nil
}

func (p *fakePeerConnection) AddRecvTransceiver(kind webrtc.RTPCodecType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("add-receiver:" + kind.String())
	p.receivers = append(p.receivers, kind)
	return nil
}

func (p *fakePeerConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("create-offer")
	p.offers = append(p.offers, iceRestart)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0\r\no=- %d 2 IN IP4 127.0.0.1\r\n", len(p.offers))}, nil
}

func (p *fakePeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=- answer\r\n"}, nil
}

func (p *fakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("set-local:" + desc.Type.String())
	return nil
}

func (p *fakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.record("set-remote:" + desc.Type.String())
	p.hasRemote = true
	return nil
}

func (p *fakePeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasRemote {
		return errors.New("remote description not set")
	}
	p.record(c.Candidate)
	return nil
}

func (p *fakePeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *fakePeerConnection) opLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func (p *fakePeerConnection) offerFlags() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.offers...)
}

func (p *fakePeerConnection) sender(kind webrtc.RTPCodecType) *fakeSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.senders[kind]
}

func (p *fakePeerConnection) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

type fakeFactory struct {
	mu      sync.Mutex
	pcs     []*fakePeerConnection
	servers [][]webrtc.ICEServer
}

func (f *fakeFactory) NewPeerConnection(servers []webrtc.ICEServer, events ports.PeerEvents) (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := newFakePeerConnection(events)
	f.pcs = append(f.pcs, pc)
	f.servers = append(f.servers, servers)
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

func (f *fakeFactory) last(t *testing.T) *fakePeerConnection {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() > 0 }, waitTimeout, time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[len(f.pcs)-1]
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []domain.SignalMessage
	err  error
	ch   chan domain.SignalMessage
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{ch: make(chan domain.SignalMessage, 128)}
}

func (s *fakeSignaler) Send(ctx context.Context, msg domain.SignalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	select {
	case s.ch <- msg:
	default:
	}
	return nil
}

// next waits for the next outbound message of type t, skipping others.
func (s *fakeSignaler) next(t *testing.T, typ domain.MessageType, payload interface{}) {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case msg := <-s.ch:
			if msg.Type != typ {
				continue
			}
			if payload != nil {
				require.NoError(t, msg.Decode(payload))
			}
			return
		case <-timeout:
			t.Fatalf("no %s message sent", typ)
		}
	}
}

func (s *fakeSignaler) count(typ domain.MessageType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent {
		if m.Type == typ {
			n++
		}
	}
	return n
}

// fakeAcquirer returns streams of fake tracks. A non-nil gate holds
// Acquire until it is closed.
type fakeAcquirer struct {
	mu         sync.Mutex
	err        error
	gate       chan struct{}
	streams    []*localStream
	switchErr  error
	switched   []*fakeTrack
	switchFrom []ports.LocalTrack
}

func (a *fakeAcquirer) Acquire(ctx context.Context, kind domain.MediaKind) (ports.MediaStream, error) {
	a.mu.Lock()
	gate, err := a.gate, a.err
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.streams)
	s := &localStream{audio: newAudioTrack(fmt.Sprintf("mic-%d", n), "mic", "Microphone")}
	if kind == domain.MediaVideo {
		s.video = newVideoTrack(fmt.Sprintf("cam-%d", n), "cam-front", "Front Camera")
	}
	a.streams = append(a.streams, s)
	return s, nil
}

func (a *fakeAcquirer) SwitchCamera(ctx context.Context, current ports.LocalTrack) (ports.LocalTrack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.switchFrom = append(a.switchFrom, current)
	if current != nil {
		current.Close()
	}
	if a.switchErr != nil {
		return nil, a.switchErr
	}
	t := newVideoTrack(fmt.Sprintf("cam-switched-%d", len(a.switched)), "cam-back", "Back Camera")
	a.switched = append(a.switched, t)
	return t, nil
}

func (a *fakeAcquirer) stream(t *testing.T, i int) *localStream {
	t.Helper()
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.streams) > i
	}, waitTimeout, time.Millisecond)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streams[i]
}

type fakeICE struct {
	servers []webrtc.ICEServer
}

func (f fakeICE) ICEConfiguration(ctx context.Context) []webrtc.ICEServer {
	return f.servers
}
