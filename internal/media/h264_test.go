package media

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nullstream/rtspd/internal/rtp"
)

func TestH264SourceSingleNALUnfragmented(t *testing.T) {
	src := NewH264Source()
	nalu := append([]byte{0x65}, make([]byte, 100)...) // IDR slice, well under threshold

	var got [][]byte
	var markers []bool
	var keyStarts []bool
	err := src.WriteFrame(Frame{Kind: FrameVideoI, Timestamp: 1000, Payload: nalu},
		func(payload []byte, timestamp uint32, marker, isKeyFrameStart bool) {
			got = append(got, payload)
			markers = append(markers, marker)
			keyStarts = append(keyStarts, isKeyFrameStart)
			require.EqualValues(t, 1000, timestamp)
		})

	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, nalu, got[0])
	require.True(t, markers[0])
	require.True(t, keyStarts[0])
}

func TestH264SourceFUAFragmentation(t *testing.T) {
	src := NewH264Source()
	header := byte(0x65) // nal_ref_idc=3, type=5 (IDR)
	body := make([]byte, rtp.MaxRTPPayloadSize*2+37)
	for i := range body {
		body[i] = byte(i)
	}
	nalu := append([]byte{header}, body...)

	var fragments [][]byte
	var markers []bool
	var keyStarts []bool
	err := src.WriteFrame(Frame{Kind: FrameVideoI, Timestamp: 42, Payload: nalu},
		func(payload []byte, timestamp uint32, marker, isKeyFrameStart bool) {
			fragments = append(fragments, payload)
			markers = append(markers, marker)
			keyStarts = append(keyStarts, isKeyFrameStart)
			require.EqualValues(t, 42, timestamp)
		})
	require.NoError(t, err)
	require.Greater(t, len(fragments), 1)

	// First fragment: FU indicator + FU header with S=1
	require.Equal(t, byte(28), fragments[0][0]&0x1F)
	require.NotZero(t, fragments[0][1]&0x80, "first fragment must set S bit")
	require.Zero(t, fragments[0][1]&0x40, "first fragment must not set E bit")
	require.True(t, keyStarts[0])
	require.False(t, markers[0])

	// Last fragment: E=1, marker set
	last := len(fragments) - 1
	require.NotZero(t, fragments[last][1]&0x40, "last fragment must set E bit")
	require.Zero(t, fragments[last][1]&0x80, "last fragment must not set S bit")
	require.True(t, markers[last])

	// Middle fragments: neither S nor E, no key-frame gate re-trigger, no marker
	for i := 1; i < last; i++ {
		require.Zero(t, fragments[i][1]&0x80)
		require.Zero(t, fragments[i][1]&0x40)
		require.False(t, keyStarts[i])
		require.False(t, markers[i])
	}

	// Reassembling the fragment bodies (stripping FU indicator+header) must
	// reproduce the original NAL payload exactly.
	var rebuilt []byte
	rebuilt = append(rebuilt, header&0xE0|(fragments[0][1]&0x1F))
	for _, frag := range fragments {
		rebuilt = append(rebuilt, frag[2:]...)
	}
	require.Equal(t, nalu, rebuilt)
}

func TestH264SourcePNALIsNotKeyFrame(t *testing.T) {
	src := NewH264Source()
	nalu := []byte{0x41, 0x01, 0x02} // type=1, P-slice

	var keyStart bool
	err := src.WriteFrame(Frame{Kind: FrameVideoP, Timestamp: 5, Payload: nalu},
		func(payload []byte, timestamp uint32, marker, isKeyFrameStart bool) {
			keyStart = isKeyFrameStart
		})
	require.NoError(t, err)
	require.False(t, keyStart)
}

func TestH264SourceEmptyFrameIsNoOp(t *testing.T) {
	src := NewH264Source()
	called := false
	err := src.WriteFrame(Frame{Kind: FrameVideoP, Timestamp: 5, Payload: nil},
		func([]byte, uint32, bool, bool) { called = true })
	require.NoError(t, err)
	require.False(t, called)
}
