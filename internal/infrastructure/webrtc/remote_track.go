package webrtc

import (
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	h264NALIDR = 5
	h264NALFUA = 28
)

// trackReader consumes a remote track so its buffers never back up, and
// logs when the first packet and first keyframe arrive.
type trackReader struct {
	track  *webrtc.TrackRemote
	logger *zap.SugaredLogger

	packets      int
	sawKeyframe  bool
	keyframeFunc func(*rtp.Packet) bool
}

func newTrackReader(track *webrtc.TrackRemote, logger *zap.SugaredLogger) *trackReader {
	return &trackReader{
		track:        track,
		logger:       logger,
		keyframeFunc: keyframeDetector(track.Codec().MimeType),
	}
}

func (r *trackReader) run() {
	for {
		packet, _, err := r.track.ReadRTP()
		if err != nil {
			r.logger.Debugw("remote track ended",
				"track_id", r.track.ID(),
				"packets", r.packets,
			)
			return
		}
		r.observe(packet)
	}
}

func (r *trackReader) observe(packet *rtp.Packet) {
	r.packets++
	if r.packets == 1 {
		r.logger.Infow("first media packet", "track_id", r.track.ID(), "ssrc", packet.SSRC)
	}
	if !r.sawKeyframe && r.keyframeFunc != nil && r.keyframeFunc(packet) {
		r.sawKeyframe = true
		r.logger.Infow("first keyframe", "track_id", r.track.ID(), "after_packets", r.packets)
	}
}

// keyframeDetector returns nil for codecs without keyframes (audio).
func keyframeDetector(mimeType string) func(*rtp.Packet) bool {
	switch strings.ToLower(mimeType) {
	case strings.ToLower(webrtc.MimeTypeVP8):
		return isVP8Keyframe
	case strings.ToLower(webrtc.MimeTypeH264):
		return isH264Keyframe
	default:
		return nil
	}
}

// isVP8Keyframe reports whether packet starts a VP8 key frame: the first
// partition of a frame whose payload header has the P bit clear.
func isVP8Keyframe(packet *rtp.Packet) bool {
	vp8 := &codecs.VP8Packet{}
	if _, err := vp8.Unmarshal(packet.Payload); err != nil {
		return false
	}
	if vp8.S != 1 || vp8.PID != 0 || len(vp8.Payload) == 0 {
		return false
	}
	return vp8.Payload[0]&0x01 == 0
}

func isH264Keyframe(packet *rtp.Packet) bool {
	if len(packet.Payload) == 0 {
		return false
	}
	switch packet.Payload[0] & 0x1F {
	case h264NALIDR:
		return true
	case h264NALFUA:
		// start fragment of an IDR unit
		return len(packet.Payload) >= 2 &&
			packet.Payload[1]&0x80 != 0 &&
			packet.Payload[1]&0x1F == h264NALIDR
	}
	return false
}
