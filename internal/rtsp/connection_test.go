package rtsp

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/rtspd/internal/media"
	"github.com/nullstream/rtspd/internal/rtp"
	"github.com/nullstream/rtspd/internal/scheduler"
	"github.com/nullstream/rtspd/internal/transport"
)

type dirStub struct {
	sessions map[string]*media.Session
}

func (d *dirStub) Lookup(suffix string) (*media.Session, bool) {
	s, ok := d.sessions[suffix]
	return s, ok
}

func newTestServer(t *testing.T, dir *dirStub) (client net.Conn, el *scheduler.EventLoop) {
	t.Helper()
	el = scheduler.NewEventLoop(1)
	el.Start()
	t.Cleanup(el.Stop)

	serverSide, clientSide := net.Pipe()
	tc := transport.NewConn(serverSide, el.Control(), zerolog.Nop())
	NewConnection(tc, el.Control(), dir, Config{ServerName: "rtspd/1.0"}, zerolog.Nop(), zerolog.Nop())

	return clientSide, el
}

func sendAndRead(t *testing.T, conn net.Conn, req string) (status int, headers map[string]string, body string) {
	t.Helper()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Write([]byte(req))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	require.Len(t, parts, 3)
	status = atoiT(t, parts[1])

	headers = make(map[string]string)
	contentLen := 0
	for {
		hline, err := reader.ReadString('\n')
		require.NoError(t, err)
		hline = strings.TrimSpace(hline)
		if hline == "" {
			break
		}
		idx := strings.IndexByte(hline, ':')
		require.GreaterOrEqual(t, idx, 0)
		key := strings.TrimSpace(hline[:idx])
		val := strings.TrimSpace(hline[idx+1:])
		headers[key] = val
		if key == "Content-Length" {
			contentLen = atoiT(t, val)
		}
	}
	if contentLen > 0 {
		buf := make([]byte, contentLen)
		_, err := reader.Read(buf)
		require.NoError(t, err)
		body = string(buf)
	}
	return status, headers, body
}

func atoiT(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, c := range s {
		require.True(t, c >= '0' && c <= '9')
		n = n*10 + int(c-'0')
	}
	return n
}

func newLiveSession(t *testing.T) *media.Session {
	t.Helper()
	s := media.NewSession(1, "live", "rtspd", zerolog.Nop())
	s.SetVideo(media.NewH264Source(), media.VideoConfig{
		SPS: []byte{0x67, 0x42, 0x00, 0x1f},
		PPS: []byte{0x68, 0xce, 0x3c, 0x80},
	})
	return s
}

func TestScenarioS1_OptionsDescribeSetupPlayInterleaved(t *testing.T) {
	dir := &dirStub{sessions: map[string]*media.Session{"live": newLiveSession(t)}}
	client, _ := newTestServer(t, dir)
	defer client.Close()

	status, headers, _ := sendAndRead(t, client, "OPTIONS rtsp://127.0.0.1:8554/live RTSP/1.0\r\nCSeq: 1\r\n\r\n")
	require.Equal(t, 200, status)
	require.Contains(t, headers["Public"], "OPTIONS")
	require.Contains(t, headers["Public"], "DESCRIBE")
	require.Contains(t, headers["Public"], "SETUP")
	require.Contains(t, headers["Public"], "PLAY")
	require.Contains(t, headers["Public"], "TEARDOWN")
	require.Contains(t, headers["Public"], "GET_PARAMETER")

	status, headers, body := sendAndRead(t, client, "DESCRIBE rtsp://127.0.0.1:8554/live RTSP/1.0\r\nCSeq: 2\r\n\r\n")
	require.Equal(t, 200, status)
	require.Equal(t, "application/sdp", headers["Content-Type"])
	require.Contains(t, body, "m=video 0 RTP/AVP 96")

	status, headers, _ = sendAndRead(t, client,
		"SETUP rtsp://127.0.0.1:8554/live/track0 RTSP/1.0\r\nTransport: RTP/AVP/TCP;unicast;interleaved=0-1\r\nCSeq: 3\r\n\r\n")
	require.Equal(t, 200, status)
	require.Contains(t, headers["Transport"], "interleaved=0-1")
	require.Contains(t, headers["Transport"], "ssrc=")
	require.NotEmpty(t, headers["Session"])

	status, headers, _ = sendAndRead(t, client, "PLAY rtsp://127.0.0.1:8554/live RTSP/1.0\r\nCSeq: 4\r\n\r\n")
	require.Equal(t, 200, status)
	require.Contains(t, headers["RTP-Info"], "url=rtsp://")
	require.Contains(t, headers["RTP-Info"], "track0")

	session := dir.sessions["live"]
	require.Eventually(t, func() bool { return session.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	err := session.HandleFrame(rtp.KindVideo, media.Frame{Kind: media.FrameVideoI, Timestamp: 0, Payload: []byte{0x65, 1, 2, 3}})
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	marker := make([]byte, 4)
	_, err = client.Read(marker)
	require.NoError(t, err)
	require.Equal(t, byte('$'), marker[0])
	require.Equal(t, byte(0), marker[1])
}

func TestUnauthenticatedDescribeRejectedWithFreshNonce(t *testing.T) {
	dir := &dirStub{sessions: map[string]*media.Session{"live": newLiveSession(t)}}
	el := scheduler.NewEventLoop(1)
	el.Start()
	t.Cleanup(el.Stop)
	serverSide, clientSide := net.Pipe()
	tc := transport.NewConn(serverSide, el.Control(), zerolog.Nop())
	NewConnection(tc, el.Control(), dir, Config{
		ServerName: "rtspd/1.0", Realm: "rtspd", AuthUser: "admin", AuthPass: "secret", RequireAuth: true,
	}, zerolog.Nop(), zerolog.Nop())
	defer clientSide.Close()

	status, headers, _ := sendAndRead(t, clientSide, "DESCRIBE rtsp://127.0.0.1:8554/live RTSP/1.0\r\nCSeq: 1\r\n\r\n")
	require.Equal(t, 401, status)
	require.Contains(t, headers["WWW-Authenticate"], "Digest")
	require.Contains(t, headers["WWW-Authenticate"], "nonce=")
}

func TestDescribeUnknownSessionReturns404(t *testing.T) {
	dir := &dirStub{sessions: map[string]*media.Session{}}
	client, _ := newTestServer(t, dir)
	defer client.Close()

	status, _, _ := sendAndRead(t, client, "DESCRIBE rtsp://127.0.0.1:8554/missing RTSP/1.0\r\nCSeq: 1\r\n\r\n")
	require.Equal(t, 404, status)
}
