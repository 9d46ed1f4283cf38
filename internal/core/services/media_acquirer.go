package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
	"peercall/pkg/clock"
	apperrors "peercall/pkg/errors"

	"go.uber.org/zap"
)

// AcquirerConfig tunes device selection and silence detection.
type AcquirerConfig struct {
	SilenceChecks        int
	SilenceCheckInterval time.Duration
	VideoWidth           int
	VideoHeight          int
	// LoopbackVocabulary excludes devices whose label contains any entry.
	LoopbackVocabulary []string
	// PreferredVocabulary ranks devices whose label contains any entry first.
	PreferredVocabulary []string
}

func DefaultAcquirerConfig() AcquirerConfig {
	return AcquirerConfig{
		SilenceChecks:        5,
		SilenceCheckInterval: 200 * time.Millisecond,
		VideoWidth:           1280,
		VideoHeight:          720,
		LoopbackVocabulary:   []string{"stereo mix", "loopback", "virtual audio", "voicemeeter", "cable output"},
		PreferredVocabulary:  []string{"microphone", "mic"},
	}
}

// MediaAcquirer captures local media and screens out silent audio sources.
type MediaAcquirer struct {
	config   AcquirerConfig
	capturer ports.Capturer
	metrics  ports.CallMetrics
	clock    clock.Clock
	logger   *zap.SugaredLogger
}

func NewMediaAcquirer(
	config AcquirerConfig,
	capturer ports.Capturer,
	metrics ports.CallMetrics,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *MediaAcquirer {
	if clk == nil {
		clk = clock.Real()
	}
	return &MediaAcquirer{
		config:   config,
		capturer: capturer,
		metrics:  metrics,
		clock:    clk,
		logger:   logger,
	}
}

// Acquire captures audio, plus video for video calls, and validates that
// the audio carries signal. A silent first capture is retried exactly once
// with relaxed constraints; the retry result is accepted as is.
func (a *MediaAcquirer) Acquire(ctx context.Context, kind domain.MediaKind) (ports.MediaStream, error) {
	device := a.selectAudioInput(ctx)

	stream, err := a.capture(ctx, kind, a.preferredAudio(device))
	if err != nil {
		return nil, err
	}

	silent, err := a.isSilent(ctx, stream.Audio())
	if err != nil {
		stream.Close()
		return nil, err
	}
	if !silent {
		return stream, nil
	}

	a.logger.Warnw("captured audio is silent, retrying with relaxed constraints",
		"device_id", device.ID,
		"device_label", device.Label,
	)
	if a.metrics != nil {
		a.metrics.SilentAudioRetry()
	}
	stream.Close()

	stream, err = a.capture(ctx, kind, relaxedAudio())
	if err != nil {
		return nil, err
	}

	silent, err = a.isSilent(ctx, stream.Audio())
	if err != nil {
		stream.Close()
		return nil, err
	}
	if silent {
		a.logger.Warnw("audio still silent after relaxed retry, proceeding anyway")
	}
	return stream, nil
}

// SwitchCamera releases current and captures the camera facing the other way,
// trying an exact facing match before an ideal one.
func (a *MediaAcquirer) SwitchCamera(ctx context.Context, current ports.LocalTrack) (ports.LocalTrack, error) {
	facing := domain.FacingUnknown
	var currentID string
	if current != nil {
		facing = domain.FacingFromLabel(current.Label())
		currentID = current.DeviceID()
		current.Close()
	}
	target := facing.Opposite()

	c := domain.VideoConstraints{
		Width:           a.config.VideoWidth,
		Height:          a.config.VideoHeight,
		Facing:          target,
		Exact:           true,
		ExcludeDeviceID: currentID,
	}
	track, err := a.capturer.CaptureVideo(ctx, c)
	if err == nil {
		return track, nil
	}
	a.logger.Debugw("exact facing capture failed, relaxing",
		"facing", target.String(),
		"error", err,
	)

	c.Exact = false
	track, err = a.capturer.CaptureVideo(ctx, c)
	if err != nil {
		return nil, acquisitionError(err)
	}
	return track, nil
}

func (a *MediaAcquirer) selectAudioInput(ctx context.Context) domain.AudioDevice {
	devices, err := a.capturer.AudioInputs(ctx)
	if err != nil {
		a.logger.Warnw("audio device enumeration failed, using platform default", "error", err)
		return domain.AudioDevice{}
	}

	var candidates []domain.AudioDevice
	for _, d := range devices {
		if labelContainsAny(d.Label, a.config.LoopbackVocabulary) {
			a.logger.Debugw("skipping loopback audio device", "label", d.Label)
			continue
		}
		candidates = append(candidates, d)
	}

	for _, d := range candidates {
		if labelContainsAny(d.Label, a.config.PreferredVocabulary) {
			return d
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return domain.AudioDevice{}
}

func (a *MediaAcquirer) preferredAudio(device domain.AudioDevice) domain.AudioConstraints {
	return domain.AudioConstraints{
		DeviceID:         device.ID,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

func relaxedAudio() domain.AudioConstraints {
	return domain.AudioConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       48000,
		ChannelCount:     1,
	}
}

func (a *MediaAcquirer) capture(ctx context.Context, kind domain.MediaKind, audio domain.AudioConstraints) (ports.MediaStream, error) {
	audioTrack, err := a.capturer.CaptureAudio(ctx, audio)
	if err != nil {
		return nil, acquisitionError(err)
	}

	stream := &localStream{audio: audioTrack}
	if kind != domain.MediaVideo {
		return stream, nil
	}

	videoTrack, err := a.capturer.CaptureVideo(ctx, domain.VideoConstraints{
		Width:  a.config.VideoWidth,
		Height: a.config.VideoHeight,
	})
	if err != nil {
		stream.Close()
		return nil, acquisitionError(err)
	}
	stream.video = videoTrack
	return stream, nil
}

type peakSample struct {
	peak float64
	err  error
}

// isSilent samples the track up to SilenceChecks times. Each check is one
// SilenceCheckInterval window: a read that has not returned when its
// window closes counts as silence and is not reissued. Any non-zero peak
// ends sampling early. A zero interval leaves reads unbounded.
func (a *MediaAcquirer) isSilent(ctx context.Context, track ports.LocalTrack) (bool, error) {
	meter, err := a.capturer.LevelMeter(track)
	if err != nil {
		a.logger.Warnw("level meter unavailable, skipping silence check", "error", err)
		return false, nil
	}
	defer meter.Close()

	var pending chan peakSample
	for i := 0; i < a.config.SilenceChecks; i++ {
		if pending == nil {
			pending = make(chan peakSample, 1)
			go func(out chan<- peakSample) {
				peak, err := meter.Peak()
				out <- peakSample{peak: peak, err: err}
			}(pending)
		}

		var window <-chan time.Time
		if a.config.SilenceCheckInterval > 0 {
			window = a.clock.After(a.config.SilenceCheckInterval)
		}

	check:
		for {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case sample := <-pending:
				pending = nil
				if sample.err != nil {
					a.logger.Debugw("level meter read failed", "error", sample.err)
				} else if sample.peak > 0 {
					return false, nil
				}
				if window == nil {
					break check
				}
			case <-window:
				if pending != nil {
					a.logger.Debugw("level meter read timed out", "check", i+1)
				}
				break check
			}
		}
	}
	return true, nil
}

func labelContainsAny(label string, vocabulary []string) bool {
	l := strings.ToLower(label)
	for _, w := range vocabulary {
		if strings.Contains(l, w) {
			return true
		}
	}
	return false
}

func acquisitionError(cause error) error {
	if errors.Is(cause, domain.ErrMediaAcquisition) {
		return cause
	}
	return apperrors.NewMediaAcquisitionError(fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, cause))
}

// localStream is the MediaStream handed out by Acquire.
type localStream struct {
	mu     sync.Mutex
	audio  ports.LocalTrack
	video  ports.LocalTrack
	closed bool
}

func (s *localStream) Audio() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *localStream) Video() ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

func (s *localStream) SetVideo(track ports.LocalTrack) ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.video
	s.video = track
	if s.closed && track != nil {
		track.Close()
	}
	return prev
}

func (s *localStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.audio != nil {
		s.audio.Close()
	}
	if s.video != nil {
		s.video.Close()
	}
}
