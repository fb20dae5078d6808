package media

import (
	"github.com/nullstream/rtspd/internal/rtp"
)

// AACSource packetizes raw AAC access units (ADTS-stripped, raw LATM-less
// frames) into RTP/AAC-hbr payloads per RFC 3640, mirroring the AU-header
// layout the teacher's pkg/rtp/aac.go depacketizer expects on the way in:
// a 2-byte AU-headers-length (in bits) followed by one 2-byte AU-header
// (13-bit size, 3-bit index) per access unit, then the raw AU bytes.
//
// spec.md §6 treats one access unit as one RTP payload; fragmentation across
// packets is not specified for audio and is not implemented here.
type AACSource struct {
	clockRate uint32
}

// NewAACSource builds an AACSource at the stream's sample rate (the RTP
// clock rate for MPEG-4 AAC equals the sampling rate per RFC 3640).
func NewAACSource(sampleRate uint32) *AACSource {
	return &AACSource{clockRate: sampleRate}
}

func (s *AACSource) Kind() rtp.MediaKind { return rtp.KindAudio }
func (s *AACSource) PayloadType() uint8  { return rtp.PayloadTypeAAC }
func (s *AACSource) ClockRate() uint32   { return s.clockRate }

// WriteFrame wraps one AAC access unit in its AU-header and emits it as a
// single RTP payload. Audio packets unconditionally open the key-frame gate
// (spec.md §4.4), so isKeyFrameStart is always true here.
func (s *AACSource) WriteFrame(f Frame, emit PacketSink) error {
	au := f.Payload
	if len(au) == 0 {
		return nil
	}

	auHeadersLengthBits := uint16(16) // one 16-bit AU-header
	auSize := uint16(len(au))
	auHeader := (auSize << 3) & 0xFFF8 // 13-bit size, 3-bit index (always 0)

	payload := make([]byte, 4+len(au))
	payload[0] = byte(auHeadersLengthBits >> 8)
	payload[1] = byte(auHeadersLengthBits)
	payload[2] = byte(auHeader >> 8)
	payload[3] = byte(auHeader)
	copy(payload[4:], au)

	emit(payload, f.Timestamp, true, true)
	return nil
}
