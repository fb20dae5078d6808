package media

import (
	"github.com/nullstream/rtspd/internal/rtp"
)

// H.264 NAL unit types relevant to key-frame detection, per spec.md §6.
const (
	nalTypeSlice   = 1
	nalTypeIDR     = 5
	nalTypeSEI     = 6
	nalTypeSPS     = 7
	nalTypePPS     = 8
	fuaIndicator   = 28 // FU-A NAL type
)

// IsKeyFrameNAL reports whether a stripped-start-code NAL unit's header byte
// marks it as a key frame per spec.md §6: IDR, SPS, PPS, or SEI.
func IsKeyFrameNAL(header byte) bool {
	switch header & 0x1F {
	case nalTypeIDR, nalTypeSPS, nalTypePPS, nalTypeSEI:
		return true
	default:
		return false
	}
}

// H264Source packetizes Annex-B NAL units into RTP/H264 payloads, single-NAL
// or FU-A fragmented per RFC 6184, following spec.md §4.5.
type H264Source struct {
	clockRate uint32
}

// NewH264Source builds an H264Source at the standard 90kHz video clock.
func NewH264Source() *H264Source {
	return &H264Source{clockRate: 90000}
}

func (s *H264Source) Kind() rtp.MediaKind  { return rtp.KindVideo }
func (s *H264Source) PayloadType() uint8   { return rtp.PayloadTypeH264 }
func (s *H264Source) ClockRate() uint32    { return s.clockRate }

// WriteFrame fragments a single NAL unit (f.Payload) into one or more RTP
// payloads. marker is set only on the NAL's final fragment; all fragments
// carry f.Timestamp and isKeyFrameStart set only on the first fragment of a
// key NAL, per spec.md §4.4's gating contract.
func (s *H264Source) WriteFrame(f Frame, emit PacketSink) error {
	nalu := f.Payload
	if len(nalu) == 0 {
		return nil
	}

	keyFrame := IsKeyFrameNAL(nalu[0])

	if len(nalu) <= rtp.MaxRTPPayloadSize {
		emit(nalu, f.Timestamp, true, keyFrame)
		return nil
	}

	return s.writeFUA(nalu, f.Timestamp, keyFrame, emit)
}

// writeFUA implements RFC 6184 FU-A fragmentation exactly as spec.md §4.5
// describes it.
func (s *H264Source) writeFUA(nalu []byte, timestamp uint32, keyFrame bool, emit PacketSink) error {
	header := nalu[0]
	fuIndicator := (header & 0xE0) | fuaIndicator
	fuHeaderBase := header & 0x1F

	rest := nalu[1:]
	const maxFragBody = rtp.MaxRTPPayloadSize - 2 // FU indicator + FU header

	for first := true; len(rest) > 0; first = false {
		n := len(rest)
		if n > maxFragBody {
			n = maxFragBody
		}
		chunk := rest[:n]
		rest = rest[n:]
		last := len(rest) == 0

		fuHeader := fuHeaderBase
		if first {
			fuHeader |= 0x80
		}
		if last {
			fuHeader |= 0x40
		}

		payload := make([]byte, 2+len(chunk))
		payload[0] = fuIndicator
		payload[1] = fuHeader
		copy(payload[2:], chunk)

		emit(payload, timestamp, last, first && keyFrame)
	}
	return nil
}
