package media

import "encoding/base64"

// VideoConfig carries the out-of-band H.264 parameter sets a session needs
// to advertise in SDP (sprop-parameter-sets), supplied by the caller through
// Session.SetVideo.
type VideoConfig struct {
	SPS []byte
	PPS []byte
}

// SpropParameterSets renders SPS/PPS as the base64 pair RFC 6184 §8.2.1
// requires for the fmtp sprop-parameter-sets attribute.
func (v VideoConfig) SpropParameterSets() string {
	if len(v.SPS) == 0 || len(v.PPS) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(v.SPS) + "," + base64.StdEncoding.EncodeToString(v.PPS)
}

// ProfileLevelID renders the 3-byte H.264 profile/level as the 6 hex digits
// RFC 6184's fmtp profile-level-id attribute expects.
func (v VideoConfig) ProfileLevelID() string {
	if len(v.SPS) < 4 {
		return ""
	}
	return hexByte(v.SPS[1]) + hexByte(v.SPS[2]) + hexByte(v.SPS[3])
}

func hexByte(b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0xF]})
}

// AudioConfig carries the MPEG-4 AudioSpecificConfig and stream parameters
// an AAC session advertises via fmtp, per RFC 3640 §4.1.
type AudioConfig struct {
	SampleRate  uint32
	Channels    uint8
	ASC         []byte // raw AudioSpecificConfig, 2 bytes for plain AAC-LC
}

// ConfigHex renders ASC as the hex string RFC 3640's fmtp "config"
// attribute expects.
func (a AudioConfig) ConfigHex() string {
	out := make([]byte, 0, len(a.ASC)*2)
	const digits = "0123456789ABCDEF"
	for _, b := range a.ASC {
		out = append(out, digits[b>>4], digits[b&0xF])
	}
	return string(out)
}
