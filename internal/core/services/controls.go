package services

import (
	"fmt"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"
)

type cameraSwitchedEvent struct {
	gen   uint64
	track ports.LocalTrack
	err   error
}

func (m *CallMachine) mediaReady(s *session) error {
	if s.negotiator == nil || s.stream == nil {
		return fmt.Errorf("%w: media not ready in %s", domain.ErrInvalidState, s.state)
	}
	return nil
}

// setMuted stops sending audio without renegotiation. The capture keeps
// running so unmuting is instant.
func (m *CallMachine) setMuted(s *session, muted bool) error {
	if err := m.mediaReady(s); err != nil {
		return err
	}
	if err := s.negotiator.SetAudioEnabled(!muted); err != nil {
		return err
	}
	s.muted = muted
	m.publish(s)
	m.logger.Debugw("microphone toggled", "call_id", s.id, "muted", muted)
	return nil
}

func (m *CallMachine) setVideoEnabled(s *session, enabled bool) error {
	if s.kind != domain.MediaVideo {
		return fmt.Errorf("%w: video toggle on a voice call", domain.ErrInvalidState)
	}
	if err := m.mediaReady(s); err != nil {
		return err
	}
	if s.stream.Video() == nil {
		return fmt.Errorf("%w: no camera track", domain.ErrInvalidState)
	}
	if err := s.negotiator.SetVideoEnabled(enabled); err != nil {
		return err
	}
	s.videoEnabled = enabled
	m.publish(s)
	m.logger.Debugw("camera toggled", "call_id", s.id, "enabled", enabled)
	return nil
}

// switchCamera swaps to the opposite-facing camera in the background. The
// new track replaces the old one on the existing sender.
func (m *CallMachine) switchCamera(s *session) error {
	if s.kind != domain.MediaVideo {
		return fmt.Errorf("%w: camera switch on a voice call", domain.ErrInvalidState)
	}
	if err := m.mediaReady(s); err != nil {
		return err
	}
	if s.switching {
		return fmt.Errorf("%w: camera switch in progress", domain.ErrInvalidState)
	}
	s.switching = true

	gen, current, ctx := s.gen, s.stream.Video(), m.runCtx
	go func() {
		track, err := m.acquirer.SwitchCamera(ctx, current)
		m.post(cameraSwitchedEvent{gen: gen, track: track, err: err})
	}()
	return nil
}

func (m *CallMachine) handleCameraSwitched(ev cameraSwitchedEvent) {
	s := m.session
	if s == nil || s.gen != ev.gen || s.stream == nil || s.negotiator == nil {
		if ev.track != nil {
			ev.track.Close()
		}
		return
	}
	s.switching = false

	if ev.err != nil {
		m.logger.Warnw("camera switch failed, continuing without video",
			"call_id", s.id,
			"error", ev.err,
		)
		s.stream.SetVideo(nil)
		if err := s.negotiator.ReplaceVideoTrack(nil, false); err != nil {
			m.logger.Debugw("clearing video sender failed", "call_id", s.id, "error", err)
		}
		m.notify(domain.CallError{CallID: s.id, Kind: domain.ErrorAcquisition, Message: "camera switch failed"})
		return
	}

	if prev := s.stream.SetVideo(ev.track); prev != nil && prev != ev.track {
		prev.Close()
	}
	if err := s.negotiator.ReplaceVideoTrack(ev.track, s.videoEnabled); err != nil {
		m.logger.Warnw("replacing video track failed", "call_id", s.id, "error", err)
		m.notify(domain.CallError{CallID: s.id, Kind: domain.ErrorAcquisition, Message: "camera switch failed"})
		return
	}
	m.logger.Infow("camera switched",
		"call_id", s.id,
		"device_label", ev.track.Label(),
	)
}
