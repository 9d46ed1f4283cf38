package webrtc

import (
	"errors"
	"fmt"

	"peercall/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// FactoryConfig configures the pion API shared by every call.
type FactoryConfig struct {
	PortRange struct {
		Min uint16
		Max uint16
	}
	// RegisterCodecs populates the media engine. Defaults to pion's codecs.
	RegisterCodecs func(m *webrtc.MediaEngine) error
}

// Factory builds pion peer connections for the negotiator.
type Factory struct {
	api    *webrtc.API
	logger *zap.SugaredLogger
}

var _ ports.PeerConnectionFactory = (*Factory)(nil)

func NewFactory(cfg FactoryConfig, logger *zap.SugaredLogger) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	register := cfg.RegisterCodecs
	if register == nil {
		register = func(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() }
	}
	if err := register(m); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		logger: logger,
	}, nil
}

// NewPeerConnection creates a connection whose transport callbacks feed events.
func (f *Factory) NewPeerConnection(servers []webrtc.ICEServer, events ports.PeerEvents) (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   servers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if events.OnLocalCandidate == nil {
			return
		}
		if c == nil {
			events.OnLocalCandidate(nil)
			return
		}
		init := c.ToJSON()
		events.OnLocalCandidate(&init)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if events.OnICEState != nil {
			events.OnICEState(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		f.logger.Infow("remote track started",
			"track_id", track.ID(),
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType,
		)
		if events.OnRemoteTrack != nil {
			events.OnRemoteTrack(track.Kind(), track.ID())
		}
		go newTrackReader(track, f.logger).run()
		go drainReceiverRTCP(receiver)
	})

	return &peerConnection{pc: pc, logger: f.logger}, nil
}

func drainReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

type peerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger
}

func (p *peerConnection) AddTrack(track ports.LocalTrack) (ports.RTPSender, error) {
	local := track.TrackLocal()
	if local == nil {
		return nil, errors.New("track has no transport binding")
	}
	sender, err := p.pc.AddTrack(local)
	if err != nil {
		return nil, err
	}
	go p.readSenderRTCP(track.ID(), sender)
	return &rtpSender{sender: sender}, nil
}

// readSenderRTCP keeps interceptors fed and logs what the far end reports.
func (p *peerConnection) readSenderRTCP(trackID string, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		sum := summarizeRTCP(packets)
		if sum.reports > 0 || sum.plis > 0 || sum.nacks > 0 {
			p.logger.Debugw("rtcp feedback",
				"track_id", trackID,
				"fraction_lost", sum.fractionLost(),
				"jitter", sum.maxJitter,
				"nacks", sum.nacks,
				"plis", sum.plis,
			)
		}
	}
}

func (p *peerConnection) AddRecvTransceiver(kind webrtc.RTPCodecType) error {
	_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (p *peerConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
}

func (p *peerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *peerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *peerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

type rtpSender struct {
	sender *webrtc.RTPSender
}

func (s *rtpSender) ReplaceTrack(track ports.LocalTrack) error {
	if track == nil {
		return s.sender.ReplaceTrack(nil)
	}
	return s.sender.ReplaceTrack(track.TrackLocal())
}

// rtcpSummary aggregates one batch of feedback packets.
type rtcpSummary struct {
	reports   int
	lostSum   int
	maxJitter uint32
	nacks     int
	plis      int
}

func (s rtcpSummary) fractionLost() float64 {
	if s.reports == 0 {
		return 0
	}
	return float64(s.lostSum) / float64(s.reports) / 256.0
}

func summarizeRTCP(packets []rtcp.Packet) rtcpSummary {
	var sum rtcpSummary
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				sum.reports++
				sum.lostSum += int(report.FractionLost)
				if report.Jitter > sum.maxJitter {
					sum.maxJitter = report.Jitter
				}
			}
		case *rtcp.TransportLayerNack:
			for _, pair := range p.Nacks {
				sum.nacks += len(pair.PacketList())
			}
		case *rtcp.PictureLossIndication:
			sum.plis++
		}
	}
	return sum
}
