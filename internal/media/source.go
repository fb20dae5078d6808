// Package media implements spec.md §4.5-4.7: per-codec framers that turn
// encoder output into RTP payload fragments, and the MediaSession directory
// that fans a produced packet out to every attached client.
package media

import (
	"github.com/nullstream/rtspd/internal/rtp"
)

// FrameKind distinguishes the Frame.Kind values from spec.md's data model.
type FrameKind uint8

const (
	FrameVideoI FrameKind = iota
	FrameVideoP
	FrameAudio
)

// Frame is one encoder output unit: an Annex-B NAL (start code stripped) for
// video, or a raw AAC access unit for audio.
type Frame struct {
	Kind      FrameKind
	Timestamp uint32 // 90kHz for video, sample-rate-based for audio
	Payload   []byte
}

// PacketSink receives one packetized RTP payload at a time, in order, for a
// single Frame. isKeyFrameStart mirrors rtp.Connection.Send's gating
// parameter.
type PacketSink func(payload []byte, timestamp uint32, marker bool, isKeyFrameStart bool)

// Source packetizes Frames for one channel kind into RTP payload
// fragments, invoking emit once per fragment in order.
type Source interface {
	Kind() rtp.MediaKind
	PayloadType() uint8
	ClockRate() uint32
	// WriteFrame packetizes one Frame, calling emit once per RTP fragment.
	WriteFrame(f Frame, emit PacketSink) error
}
