package rtspserver

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nullstream/rtspd/internal/config"
	"github.com/nullstream/rtspd/internal/logging"
	"github.com/nullstream/rtspd/internal/media"
	"github.com/nullstream/rtspd/internal/rtp"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.WorkerThreads = 2

	srv := New(cfg, logging.Nop())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)
	return srv
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readStatus(t *testing.T, conn net.Conn) (int, map[string]string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	require.Len(t, parts, 3)
	status, err := strconv.Atoi(parts[1])
	require.NoError(t, err)

	headers := make(map[string]string)
	for {
		hline, err := r.ReadString('\n')
		require.NoError(t, err)
		hline = strings.TrimSpace(hline)
		if hline == "" {
			break
		}
		idx := strings.IndexByte(hline, ':')
		require.GreaterOrEqual(t, idx, 0)
		headers[strings.TrimSpace(hline[:idx])] = strings.TrimSpace(hline[idx+1:])
	}
	return status, headers
}

func TestAddSessionRejectsDuplicateURLSuffix(t *testing.T) {
	srv := newTestServer(t)
	_, err := srv.AddSession("live")
	require.NoError(t, err)
	_, err = srv.AddSession("live")
	require.ErrorIs(t, err, ErrURLSuffixTaken)
}

func TestRemoveSessionUnpublishesSuffixAndID(t *testing.T) {
	srv := newTestServer(t)
	sess, err := srv.AddSession("live")
	require.NoError(t, err)

	require.Equal(t, 1, srv.SessionCount())
	srv.RemoveSession(sess.ID())
	require.Equal(t, 0, srv.SessionCount())

	_, ok := srv.Lookup("live")
	require.False(t, ok)

	// Safe to call twice.
	srv.RemoveSession(sess.ID())
}

func TestPushFrameFailsForUnknownSession(t *testing.T) {
	srv := newTestServer(t)
	err := srv.PushFrame(999, rtp.KindVideo, media.Frame{Kind: media.FrameVideoI, Payload: []byte{0x65}})
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestPushFrameFailsWithNoAttachedClients(t *testing.T) {
	srv := newTestServer(t)
	sess, err := srv.AddSession("live")
	require.NoError(t, err)
	sess.SetVideo(media.NewH264Source(), media.VideoConfig{})

	err = srv.PushFrame(sess.ID(), rtp.KindVideo, media.Frame{Kind: media.FrameVideoI, Payload: []byte{0x65}})
	require.ErrorIs(t, err, media.ErrNoClients)
}

func TestEnableMulticastInstallsGroupOnSession(t *testing.T) {
	srv := newTestServer(t)
	sess, err := srv.AddSession("live")
	require.NoError(t, err)

	alloc, err := srv.EnableMulticast(sess.ID())
	require.NoError(t, err)
	defer alloc.Release()

	require.NotNil(t, sess.Multicast())
	require.Equal(t, alloc.Addr.String(), sess.Multicast().IP.String())
	require.Equal(t, alloc.RTPPort, sess.Multicast().Port)

	srv.RemoveSession(sess.ID())
}

func TestSessionIDsAreUniqueAcrossAddRemoveCycles(t *testing.T) {
	srv := newTestServer(t)
	seen := make(map[uint64]bool)
	for i := 0; i < 500; i++ {
		sess, err := srv.AddSession("stream")
		require.NoError(t, err)
		require.False(t, seen[sess.ID()], "session id %d reused", sess.ID())
		seen[sess.ID()] = true
		srv.RemoveSession(sess.ID())
	}
}

func TestAcceptedConnectionSpeaksRTSP(t *testing.T) {
	srv := newTestServer(t)
	sess, err := srv.AddSession("live")
	require.NoError(t, err)
	sess.SetVideo(media.NewH264Source(), media.VideoConfig{
		SPS: []byte{0x67, 0x42, 0x00, 0x1f},
		PPS: []byte{0x68, 0xce, 0x3c, 0x80},
	})

	conn := dial(t, srv)
	_, err = conn.Write([]byte("OPTIONS rtsp://127.0.0.1/live RTSP/1.0\r\nCSeq: 1\r\n\r\n"))
	require.NoError(t, err)

	status, headers := readStatus(t, conn)
	require.Equal(t, 200, status)
	require.Contains(t, headers["Public"], "DESCRIBE")
}

func TestGracefulStopClosesListener(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	srv := New(cfg, logging.Nop())
	require.NoError(t, srv.Start(context.Background()))
	addr := srv.ln.Addr().String()

	srv.Stop()

	_, err := net.Dial("tcp", addr)
	require.Error(t, err)
}
