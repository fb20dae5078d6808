// Package rtp implements the RTP connection and packet model from spec.md
// §4.4: per-client header stamping, sequence/SSRC bookkeeping, key-frame
// gating, and transport-specific emission (TCP-interleaved, UDP unicast,
// UDP multicast). Header encoding itself is delegated to github.com/pion/rtp
// rather than hand-rolled byte packing, grounded on the teacher's own use of
// pion/rtp for the opposite (depacketization) direction in
// pkg/rtp/h264.go/aac.go, and on other_examples' rtph264-encoder.go which
// uses the same library for packetization.
package rtp

// MediaKind distinguishes the two channel types spec.md's MediaChannel can
// be.
type MediaKind uint8

const (
	KindVideo MediaKind = iota
	KindAudio
)

func (k MediaKind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

// TransportMode is the wire transport an RtpConnection sends over, per
// spec.md's RtpConnection.transport_mode.
type TransportMode uint8

const (
	TransportTCPInterleaved TransportMode = iota
	TransportUDPUnicast
	TransportUDPMulticast
)

// PayloadType is the static RTP payload type used by this core; spec.md §6
// fixes these as the dynamic types 96/97.
const (
	PayloadTypeH264 uint8 = 96
	PayloadTypeAAC  uint8 = 97
)

// ClockRateFor returns the RTP clock rate for a MediaKind, per spec.md §6.
func ClockRateFor(kind MediaKind, audioSampleRate uint32) uint32 {
	if kind == KindVideo {
		return 90000
	}
	return audioSampleRate
}

// MaxRTPPayloadSize is the FU-A fragmentation threshold from spec.md §4.5
// (1420 bytes).
const MaxRTPPayloadSize = 1420
