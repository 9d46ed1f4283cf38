package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Capturer implements ports.Capturer on pion/mediadevices. Drivers are
// registered by the binary that embeds it.
type Capturer struct {
	selector *mediadevices.CodecSelector
	logger   *zap.SugaredLogger

	// enumerate is swapped in tests.
	enumerate func() []mediadevices.MediaDeviceInfo
}

var _ ports.Capturer = (*Capturer)(nil)

func NewCapturer(selector *mediadevices.CodecSelector, logger *zap.SugaredLogger) *Capturer {
	return &Capturer{
		selector:  selector,
		logger:    logger,
		enumerate: mediadevices.EnumerateDevices,
	}
}

func (c *Capturer) AudioInputs(ctx context.Context) ([]domain.AudioDevice, error) {
	var devices []domain.AudioDevice
	for _, d := range c.enumerate() {
		if d.Kind == mediadevices.AudioInput {
			devices = append(devices, domain.AudioDevice{ID: d.DeviceID, Label: d.Label})
		}
	}
	return devices, nil
}

func (c *Capturer) videoInputs() []domain.VideoDevice {
	var devices []domain.VideoDevice
	for _, d := range c.enumerate() {
		if d.Kind == mediadevices.VideoInput {
			devices = append(devices, domain.VideoDevice{ID: d.DeviceID, Label: d.Label})
		}
	}
	return devices
}

func (c *Capturer) CaptureAudio(ctx context.Context, ac domain.AudioConstraints) (ports.LocalTrack, error) {
	label := "default"
	if ac.DeviceID != "" {
		label = c.labelOf(ac.DeviceID)
	}
	if ac.EchoCancellation || ac.NoiseSuppression || ac.AutoGainControl {
		c.logger.Debugw("audio processing is left to the platform driver", "device_id", ac.DeviceID)
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(mc *mediadevices.MediaTrackConstraints) {
			if ac.DeviceID != "" {
				mc.DeviceID = prop.StringExact(ac.DeviceID)
			}
			if ac.SampleRate > 0 {
				mc.SampleRate = prop.Int(ac.SampleRate)
			}
			if ac.ChannelCount > 0 {
				mc.ChannelCount = prop.Int(ac.ChannelCount)
			}
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, mapCaptureError(err, ac.DeviceID != "")
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, domain.ErrNoUsableDevice
	}
	return newTrack(tracks[0], ac.DeviceID, label), nil
}

func (c *Capturer) CaptureVideo(ctx context.Context, vc domain.VideoConstraints) (ports.LocalTrack, error) {
	device, err := pickCamera(c.videoInputs(), vc)
	if err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			mc.DeviceID = prop.StringExact(device.ID)
			if vc.Width > 0 {
				mc.Width = prop.Int(vc.Width)
			}
			if vc.Height > 0 {
				mc.Height = prop.Int(vc.Height)
			}
		},
		Codec: c.selector,
	})
	if err != nil {
		return nil, mapCaptureError(err, true)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, domain.ErrNoUsableDevice
	}
	c.logger.Debugw("camera captured",
		"device_id", device.ID,
		"label", device.Label,
		"facing", domain.FacingFromLabel(device.Label).String(),
	)
	return newTrack(tracks[0], device.ID, device.Label), nil
}

func (c *Capturer) LevelMeter(t ports.LocalTrack) (ports.LevelMeter, error) {
	lt, ok := t.(*track)
	if !ok {
		return nil, fmt.Errorf("track %s was not captured here", t.ID())
	}
	at, ok := lt.source.(*mediadevices.AudioTrack)
	if !ok {
		return nil, fmt.Errorf("track %s is not an audio track", t.ID())
	}
	return &levelMeter{reader: at.NewReader(false)}, nil
}

func (c *Capturer) labelOf(deviceID string) string {
	for _, d := range c.enumerate() {
		if d.DeviceID == deviceID {
			return d.Label
		}
	}
	return deviceID
}

// pickCamera chooses a device for vc. An explicit device id wins; otherwise
// the facing is matched by label, and only an exact request may fail on it.
func pickCamera(devices []domain.VideoDevice, vc domain.VideoConstraints) (domain.VideoDevice, error) {
	var candidates []domain.VideoDevice
	for _, d := range devices {
		if vc.DeviceID != "" && d.ID == vc.DeviceID {
			return d, nil
		}
		if d.ID != vc.ExcludeDeviceID {
			candidates = append(candidates, d)
		}
	}
	if vc.DeviceID != "" {
		return domain.VideoDevice{}, fmt.Errorf("%w: camera %s", domain.ErrOverconstrained, vc.DeviceID)
	}
	if len(candidates) == 0 {
		return domain.VideoDevice{}, domain.ErrNoUsableDevice
	}
	if vc.Facing == domain.FacingUnknown {
		return candidates[0], nil
	}

	for _, d := range candidates {
		if domain.FacingFromLabel(d.Label) == vc.Facing {
			return d, nil
		}
	}
	if vc.Exact {
		return domain.VideoDevice{}, fmt.Errorf("%w: no %s-facing camera", domain.ErrOverconstrained, vc.Facing)
	}
	return candidates[0], nil
}

func mapCaptureError(err error, constrained bool) error {
	if errors.Is(err, domain.ErrOverconstrained) || errors.Is(err, domain.ErrNoUsableDevice) {
		return err
	}
	if constrained {
		return fmt.Errorf("%w: %v", domain.ErrOverconstrained, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrNoUsableDevice, err)
}

// track adapts a mediadevices track to ports.LocalTrack.
type track struct {
	source   mediadevices.Track
	deviceID string
	label    string

	closeOnce sync.Once
	closeErr  error
}

func newTrack(source mediadevices.Track, deviceID, label string) *track {
	return &track{source: source, deviceID: deviceID, label: label}
}

func (t *track) ID() string                { return t.source.ID() }
func (t *track) Kind() webrtc.RTPCodecType { return t.source.Kind() }
func (t *track) DeviceID() string          { return t.deviceID }
func (t *track) Label() string             { return t.label }

func (t *track) TrackLocal() webrtc.TrackLocal {
	if tl, ok := t.source.(webrtc.TrackLocal); ok {
		return tl
	}
	return nil
}

func (t *track) Close() error {
	t.closeOnce.Do(func() { t.closeErr = t.source.Close() })
	return t.closeErr
}

type levelMeter struct {
	reader audio.Reader
}

func (m *levelMeter) Peak() (float64, error) {
	chunk, release, err := m.reader.Read()
	if err != nil {
		return 0, err
	}
	defer release()
	return peakOf(chunk), nil
}

// Close is a no-op: broadcaster readers are pull-only and hold no
// registration on the track.
func (m *levelMeter) Close() error { return nil }

// peakOf returns the largest absolute sample in chunk scaled to [0,1].
func peakOf(chunk wave.Audio) float64 {
	var peak float64
	observe := func(v float64) {
		if v = math.Abs(v); v > peak {
			peak = v
		}
	}

	switch a := chunk.(type) {
	case *wave.Int16Interleaved:
		for _, s := range a.Data {
			observe(float64(s) / math.MaxInt16)
		}
	case *wave.Int16NonInterleaved:
		for _, ch := range a.Data {
			for _, s := range ch {
				observe(float64(s) / math.MaxInt16)
			}
		}
	case *wave.Float32Interleaved:
		for _, s := range a.Data {
			observe(float64(s))
		}
	case *wave.Float32NonInterleaved:
		for _, ch := range a.Data {
			for _, s := range ch {
				observe(float64(s))
			}
		}
	}
	return math.Min(peak, 1)
}
