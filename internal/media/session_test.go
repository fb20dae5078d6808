package media

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/rtspd/internal/rtp"
	"github.com/nullstream/rtspd/internal/scheduler"
)

func newTestConnection(t *testing.T) (*rtp.Connection, *sinkStub) {
	t.Helper()
	el := scheduler.NewEventLoop(1)
	el.Start()
	t.Cleanup(el.Stop)

	sink := &sinkStub{}
	conn := rtp.NewConnection(rtp.TransportTCPInterleaved, el.Control(), func() (rtp.InterleavedSink, bool) {
		return sink, true
	}, zerolog.Nop())
	conn.SetupChannel(rtp.KindVideo, 90000, rtp.PayloadTypeH264)
	conn.SetInterleavedChannels(rtp.KindVideo, 0, 1)
	conn.Play(rtp.KindVideo)
	return conn, sink
}

type sinkStub struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *sinkStub) SendInterleaved(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), data...))
}

func (s *sinkStub) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestSessionHandleFrameFailsWithNoClients(t *testing.T) {
	s := NewSession(1, "cam1", "rtspd", zerolog.Nop())
	s.SetVideo(NewH264Source(), VideoConfig{})

	err := s.HandleFrame(rtp.KindVideo, Frame{Kind: FrameVideoI, Payload: []byte{0x65, 1, 2, 3}})
	require.ErrorIs(t, err, ErrNoClients)
}

func TestSessionFansOutToAllAttachedClients(t *testing.T) {
	s := NewSession(2, "cam1", "rtspd", zerolog.Nop())
	s.SetVideo(NewH264Source(), VideoConfig{})

	connA, sinkA := newTestConnection(t)
	connB, sinkB := newTestConnection(t)
	s.AttachClient("a", connA)
	s.AttachClient("b", connB)
	require.Equal(t, 2, s.ClientCount())

	err := s.HandleFrame(rtp.KindVideo, Frame{Kind: FrameVideoI, Timestamp: 10, Payload: []byte{0x65, 1, 2, 3}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sinkA.frameCount() == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return sinkB.frameCount() == 1 }, time.Second, 10*time.Millisecond)

	s.DetachClient("a")
	require.Equal(t, 1, s.ClientCount())
}

func TestSessionSDPIsCachedUntilInvalidated(t *testing.T) {
	s := NewSession(3, "cam1", "rtspd", zerolog.Nop())
	s.SetVideo(NewH264Source(), VideoConfig{SPS: []byte{0x67, 0x42, 0x00, 0x1f}, PPS: []byte{0x68, 0xce, 0x3c, 0x80}})

	sdp1, err := s.SDP("203.0.113.5:8554")
	require.NoError(t, err)
	require.Contains(t, string(sdp1), "m=video")
	require.Contains(t, string(sdp1), "H264/90000")

	sdp2, err := s.SDP("203.0.113.5:8554")
	require.NoError(t, err)
	require.Same(t, &sdp1[0], &sdp2[0], "cached SDP bytes must be reused across calls")

	s.SetAudio(NewAACSource(44100), AudioConfig{Channels: 2, ASC: []byte{0x11, 0x90}})
	sdp3, err := s.SDP("203.0.113.5:8554")
	require.NoError(t, err)
	require.Contains(t, string(sdp3), "m=audio")
	require.Contains(t, string(sdp3), "MPEG4-GENERIC/44100/2")
}
