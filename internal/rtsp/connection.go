package rtsp

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/rs/zerolog"

	"github.com/nullstream/rtspd/internal/media"
	rtpconn "github.com/nullstream/rtspd/internal/rtp"
	"github.com/nullstream/rtspd/internal/scheduler"
	"github.com/nullstream/rtspd/internal/transport"
)

// State is spec.md §4.3's server-role state: Connected → Setup → Playing →
// Teardown.
type State uint8

const (
	StateConnected State = iota
	StateSetup
	StatePlaying
	StateTeardown

	// States of RtspConnection's optional ANNOUNCE/RECORD path. OPTIONS on a
	// fresh connection of either role also moves it to StateOptions.
	StateOptions
	StateAnnounce
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSetup:
		return "setup"
	case StatePlaying:
		return "playing"
	case StateTeardown:
		return "teardown"
	case StateOptions:
		return "options"
	case StateAnnounce:
		return "announce"
	case StateRecording:
		return "recording"
	default:
		return "unknown"
	}
}

// Role distinguishes the viewer (server) path from the optional encoder
// push (pusher) path, per spec.md §4.3.
type Role uint8

const (
	RoleServer Role = iota
	RolePusher
)

// SessionDirectory resolves a URL suffix to a MediaSession, implemented by
// internal/rtspserver.
type SessionDirectory interface {
	Lookup(urlSuffix string) (*media.Session, bool)
}

// SessionRegistrar additionally allows the pusher (ANNOUNCE) path to
// create a new session on the fly. It is optional: directories that don't
// implement it simply refuse ANNOUNCE with a 500.
type SessionRegistrar interface {
	SessionDirectory
	Register(urlSuffix string) (*media.Session, error)
}

// keepAliveBudget is how many keep-alive ticks of grace a connection gets
// before the inactivity timer closes it, per spec.md §5 ("30s of no RTSP
// I/O and no RTCP").
const keepAliveBudget = 30

// keepAliveTick is how often the inactivity timer decrements the budget.
const keepAliveTick = 1 * time.Second

// Connection is spec.md's RtspConnection.
type Connection struct {
	id        string
	conn      *transport.Conn
	sched     *scheduler.TaskScheduler
	logger    zerolog.Logger
	rtpLogger zerolog.Logger
	dir       SessionDirectory

	serverName    string
	localAddr     string
	requireAuth   bool
	auth          *Authenticator

	reader frameReader

	role    Role
	state   State
	session *media.Session
	rtp     *rtpconn.Connection

	sessionToken string
	keepAlive    atomic.Int32
	keepAliveID  scheduler.TimerID
}

// Config bundles the server-wide settings a new Connection needs.
type Config struct {
	ServerName  string
	Realm       string
	AuthUser    string
	AuthPass    string
	RequireAuth bool
}

// NewConnection wraps an accepted transport.Conn in the RTSP protocol
// state machine, wiring its read callback and an inactivity timer. logger
// and rtpLogger are expected to already be category-scoped (CategoryRTSP
// and CategoryRTP respectively) by the caller, per SPEC_FULL.md §A.1.
func NewConnection(tc *transport.Conn, sched *scheduler.TaskScheduler, dir SessionDirectory, cfg Config, logger zerolog.Logger, rtpLogger zerolog.Logger) *Connection {
	id := uuid.New().String()
	c := &Connection{
		id:          id,
		conn:        tc,
		sched:       sched,
		dir:         dir,
		serverName:  cfg.ServerName,
		localAddr:   tc.LocalAddr().String(),
		requireAuth: cfg.RequireAuth,
		auth:        NewAuthenticator(cfg.Realm, cfg.AuthUser, cfg.AuthPass),
		state:       StateConnected,
		logger:      logger.With().Str("conn_id", id).Str("remote", tc.RemoteAddr().String()).Logger(),
		rtpLogger:   rtpLogger.With().Str("conn_id", id).Logger(),
	}
	c.keepAlive.Store(keepAliveBudget)

	tc.OnRead = c.onRead
	tc.OnClose = c.onClose

	// AddTimer must run on sched's own goroutine; NewConnection is called
	// from the accepting goroutine, so the registration is posted there.
	sched.AddTriggerEvent(func() {
		c.keepAliveID = sched.AddTimer(keepAliveTick, keepAliveTick, c.tickKeepAlive)
	})

	return c
}

// SendInterleaved implements rtp.InterleavedSink: the RtpConnection's
// non-owning back-reference into this connection's write buffer.
func (c *Connection) SendInterleaved(data []byte) {
	c.conn.Send(data)
}

func (c *Connection) bumpKeepAlive() {
	c.keepAlive.Store(keepAliveBudget)
}

// tickKeepAlive runs on the scheduler goroutine via the timer heap; it
// decrements the budget and closes the connection once it's exhausted.
func (c *Connection) tickKeepAlive() bool {
	if c.keepAlive.Add(-1) <= 0 {
		c.logger.Debug().Msg("closing connection: keep-alive timeout")
		c.teardown()
		c.conn.Close()
		return false
	}
	return true
}

func (c *Connection) onClose() {
	c.sched.CancelTimer(c.keepAliveID)
	c.teardown()
}

func (c *Connection) teardown() {
	if c.rtp != nil {
		c.rtp.Teardown()
		c.rtp.Close()
	}
	if c.session != nil && c.rtp != nil {
		c.session.DetachClient(c.id)
	}
	c.state = StateTeardown
}

// onRead is the transport.Conn read callback: it feeds bytes through the
// frame reader and dispatches whatever complete requests/RTCP frames fall
// out, then writes a response for each request.
func (c *Connection) onRead(data []byte) bool {
	c.bumpKeepAlive()

	items, ferr := c.reader.Feed(data)
	for _, item := range items {
		if item.isRTCPData {
			c.handleInterleavedRTCP(item.rtcpChan, item.rtcpData)
			continue
		}
		c.dispatch(item.req)
	}
	if ferr != nil {
		var se *StatusError
		if as, ok := ferr.(*StatusError); ok {
			se = as
		} else {
			se = &StatusError{Code: 400, Msg: "Bad Request"}
		}
		resp := newResponse(se.Code, se.Msg)
		c.conn.Send(resp.marshal(0, c.serverName))
		return false
	}
	return true
}

// handleInterleavedRTCP parses interleaved RTCP payload bytes for logging
// and counts them as keep-alive, per spec.md §4.3's edge case. A PLI/FIR
// from a viewer asking for a fresh key frame is logged at Warn since it
// signals the client is stuck; everything else is Debug noise.
func (c *Connection) handleInterleavedRTCP(channel byte, data []byte) {
	c.bumpKeepAlive()

	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		return
	}
	for _, pkt := range packets {
		switch p := pkt.(type) {
		case *rtcp.PictureLossIndication:
			c.logger.Warn().Uint8("channel", channel).Uint32("media_ssrc", p.MediaSSRC).Msg("rtcp PLI received")
		case *rtcp.FullIntraRequest:
			c.logger.Warn().Uint8("channel", channel).Uint32("media_ssrc", p.MediaSSRC).Msg("rtcp FIR received")
		case *rtcp.ReceiverReport:
			c.logger.Debug().Uint8("channel", channel).Uint32("ssrc", p.SSRC).Int("reports", len(p.Reports)).Msg("rtcp receiver report")
		default:
			c.logger.Debug().Uint8("channel", channel).Msg("rtcp packet received")
		}
	}
}

// readUDPRTCP is the only goroutine that ever reads conn; it runs for the
// lifetime of a unicast SETUP's bound RTCP socket. spec.md §4.3 requires the
// RTCP socket to be registered with a read callback that only resets
// keep-alive — a UDP-unicast viewer sending nothing but RTCP still counts as
// live traffic. The loop exits once conn is closed by Close()/Teardown().
func (c *Connection) readUDPRTCP(conn *net.UDPConn) {
	buf := make([]byte, 1500)
	for {
		_, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		c.bumpKeepAlive()
	}
}

func (c *Connection) dispatch(req *Request) {
	var resp *response
	switch req.Method {
	case "OPTIONS":
		resp = c.handleOptions(req)
	case "DESCRIBE":
		resp = c.handleDescribe(req)
	case "SETUP":
		resp = c.handleSetup(req)
	case "PLAY":
		resp = c.handlePlay(req)
	case "TEARDOWN":
		resp = c.handleTeardown(req)
	case "GET_PARAMETER":
		resp = c.handleGetParameter(req)
	case "ANNOUNCE":
		resp = c.handleAnnounce(req)
	case "RECORD":
		resp = c.handleRecord(req)
	default:
		resp = newResponse(501, "Not Implemented")
	}

	if resp.header["Session"] == "" && c.sessionToken != "" {
		resp.set("Session", c.sessionToken)
	}
	c.conn.Send(resp.marshal(req.CSeq, c.serverName))

	if c.state == StateTeardown && req.Method == "TEARDOWN" {
		c.conn.Close()
	}
}

func (c *Connection) requireAuthenticated(method string, req *Request) (*response, bool) {
	if !c.requireAuth || !c.auth.Enabled() {
		return nil, true
	}
	if c.auth.Verify(method, req) {
		return nil, true
	}
	resp := newResponse(401, statusReason(401))
	resp.set("WWW-Authenticate", c.auth.Challenge())
	return resp, false
}

func (c *Connection) handleOptions(_ *Request) *response {
	if c.state == StateConnected {
		c.state = StateOptions
	}
	return newResponse(200, "OK").set("Public", "OPTIONS, DESCRIBE, SETUP, PLAY, TEARDOWN, GET_PARAMETER, ANNOUNCE, RECORD")
}

// urlSuffix extracts the session directory key from a request URL: the
// path with scheme/host/leading slash stripped, and any trailing
// "/trackN" removed.
func urlSuffix(raw string) (suffix string, track string) {
	u, err := url.Parse(raw)
	path := raw
	if err == nil {
		path = u.Path
	}
	path = strings.TrimPrefix(path, "/")
	if idx := strings.LastIndex(path, "/track"); idx >= 0 {
		return path[:idx], path[idx+len("/track"):]
	}
	return path, ""
}

func (c *Connection) handleDescribe(req *Request) *response {
	if resp, ok := c.requireAuthenticated("DESCRIBE", req); !ok {
		return resp
	}

	suffix, _ := urlSuffix(req.URL)
	session, ok := c.dir.Lookup(suffix)
	if !ok {
		return newResponse(404, statusReason(404))
	}
	c.session = session

	c.ensureRtpConnection(session)

	body, err := session.SDP(c.localAddr)
	if err != nil {
		return newResponse(500, statusReason(500))
	}

	base := fmt.Sprintf("rtsp://%s/%s/", c.localAddr, suffix)
	return newResponse(200, "OK").
		set("Content-Base", base).
		withBody("application/sdp", body)
}

// ensureRtpConnection allocates the RtpConnection on first use (normally
// from DESCRIBE, but SETUP without a prior DESCRIBE is tolerated too) and
// stamps every configured channel's clock rate and payload type onto it.
func (c *Connection) ensureRtpConnection(session *media.Session) {
	if c.rtp == nil {
		c.rtp = rtpconn.NewConnection(rtpconn.TransportTCPInterleaved, c.sched, func() (rtpconn.InterleavedSink, bool) {
			if c.conn.IsClosed() {
				return nil, false
			}
			return c, true
		}, c.rtpLogger)
	}
	for _, ch := range session.Channels() {
		c.rtp.SetupChannel(ch.Kind, ch.ClockRate, ch.PayloadType)
	}
}

func (c *Connection) handleSetup(req *Request) *response {
	if resp, ok := c.requireAuthenticated("SETUP", req); !ok {
		return resp
	}
	if c.session == nil {
		return newResponse(454, "Method Not Valid In This State")
	}
	c.ensureRtpConnection(c.session)

	_, track := urlSuffix(req.URL)
	kind := kindForTrack(track)

	transportHeader := req.header("transport")
	if transportHeader == "" {
		return newResponse(461, statusReason(461))
	}

	if c.sessionToken == "" {
		c.sessionToken = uuid.NewString()
	}

	switch {
	case strings.Contains(transportHeader, "TCP"):
		a, b := parseInterleaved(transportHeader)
		c.rtp.SetInterleavedChannels(kind, a, b)
		c.state = StateSetup
		return newResponse(200, "OK").
			set("Transport", fmt.Sprintf("%s;ssrc=%08x", transportHeader, c.rtp.Channel(kind).SSRC)).
			set("Session", c.sessionToken)

	case strings.Contains(transportHeader, "multicast"):
		mc := c.session.Multicast()
		if mc == nil {
			return newResponse(461, statusReason(461))
		}
		c.rtp.SetMode(rtpconn.TransportUDPMulticast)
		conn, ok := bindMulticastListener(c.localAddr)
		if !ok {
			return newResponse(500, statusReason(500))
		}
		c.rtp.SetUDPTransport(kind, conn, nil, mc, nil)
		c.state = StateSetup
		return newResponse(200, "OK").
			set("Transport", fmt.Sprintf("RTP/AVP;multicast;destination=%s;port=%d-%d", mc.IP, mc.Port, mc.Port+1)).
			set("Session", c.sessionToken)

	case strings.Contains(transportHeader, "unicast"):
		clientPort, ok := parseClientPort(transportHeader)
		if !ok {
			return newResponse(461, statusReason(461))
		}
		rtpConn, rtcpConn, err := rtpconn.BindPortPair(localIP(c.localAddr))
		if err != nil {
			return newResponse(500, statusReason(500))
		}
		host, _, _ := net.SplitHostPort(c.conn.RemoteAddr().String())
		peerRTP := &net.UDPAddr{IP: net.ParseIP(host), Port: clientPort}
		peerRTCP := &net.UDPAddr{IP: net.ParseIP(host), Port: clientPort + 1}

		c.rtp.SetMode(rtpconn.TransportUDPUnicast)
		c.rtp.SetUDPTransport(kind, rtpConn, rtcpConn, peerRTP, peerRTCP)
		go c.readUDPRTCP(rtcpConn)

		serverRTP := rtpConn.LocalAddr().(*net.UDPAddr).Port
		c.state = StateSetup
		return newResponse(200, "OK").
			set("Transport", fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d;server_port=%d-%d",
				clientPort, clientPort+1, serverRTP, serverRTP+1)).
			set("Session", c.sessionToken)

	default:
		return newResponse(461, statusReason(461))
	}
}

func (c *Connection) handlePlay(req *Request) *response {
	if resp, ok := c.requireAuthenticated("PLAY", req); !ok {
		return resp
	}
	if c.rtp == nil {
		return newResponse(454, "Method Not Valid In This State")
	}

	suffix, _ := urlSuffix(req.URL)
	var rtpInfos []string
	now := time.Now()
	for _, ch := range c.session.Channels() {
		chState := c.rtp.Channel(ch.Kind)
		if chState == nil || !chState.IsSetup {
			continue
		}
		c.rtp.Play(ch.Kind)
		rtptime := uint32(now.UnixMilli()) * ch.ClockRate / 1000
		trackN := trackForKind(ch.Kind)
		rtpInfos = append(rtpInfos, fmt.Sprintf("url=rtsp://%s/%s/track%d;seq=%d;rtptime=%d",
			c.localAddr, suffix, trackN, chState.Sequence, rtptime))
	}

	c.session.AttachClient(c.id, c.rtp)
	c.state = StatePlaying

	return newResponse(200, "OK").set("RTP-Info", strings.Join(rtpInfos, ","))
}

func (c *Connection) handleTeardown(_ *Request) *response {
	c.teardown()
	return newResponse(200, "OK")
}

func (c *Connection) handleGetParameter(_ *Request) *response {
	return newResponse(200, "OK")
}

// handleAnnounce is the pusher-role entry point (spec.md §9 supplemented
// feature, SPEC_FULL.md §D.1): authenticate, record the intent to push,
// and move to the Announce state. A concrete session is only created if
// the directory supports dynamic registration.
func (c *Connection) handleAnnounce(req *Request) *response {
	if resp, ok := c.requireAuthenticated("ANNOUNCE", req); !ok {
		return resp
	}
	reg, ok := c.dir.(SessionRegistrar)
	if !ok {
		return newResponse(500, statusReason(500))
	}
	suffix, _ := urlSuffix(req.URL)
	session, err := reg.Register(suffix)
	if err != nil {
		return newResponse(500, statusReason(500))
	}
	c.role = RolePusher
	c.session = session
	c.state = StateAnnounce
	return newResponse(200, "OK")
}

// handleRecord is the pusher-role analogue of PLAY: it marks the session's
// channels recording. Spec.md leaves pushing media in via RECORD
// undriven by any demo; this only transitions state.
func (c *Connection) handleRecord(_ *Request) *response {
	if c.role != RolePusher || c.session == nil {
		return newResponse(454, "Method Not Valid In This State")
	}
	c.state = StateRecording
	return newResponse(200, "OK")
}

func kindForTrack(track string) rtpconn.MediaKind {
	if track == "1" {
		return rtpconn.KindAudio
	}
	return rtpconn.KindVideo
}

func trackForKind(kind rtpconn.MediaKind) int {
	if kind == rtpconn.KindAudio {
		return 1
	}
	return 0
}

func parseInterleaved(transportHeader string) (byte, byte) {
	for _, part := range strings.Split(transportHeader, ";") {
		if strings.HasPrefix(part, "interleaved=") {
			rng := strings.TrimPrefix(part, "interleaved=")
			nums := strings.SplitN(rng, "-", 2)
			a, _ := strconv.Atoi(nums[0])
			b := a + 1
			if len(nums) == 2 {
				if v, err := strconv.Atoi(nums[1]); err == nil {
					b = v
				}
			}
			return byte(a), byte(b)
		}
	}
	return 0, 1
}

func parseClientPort(transportHeader string) (int, bool) {
	for _, part := range strings.Split(transportHeader, ";") {
		if strings.HasPrefix(part, "client_port=") {
			rng := strings.TrimPrefix(part, "client_port=")
			nums := strings.SplitN(rng, "-", 2)
			p, err := strconv.Atoi(nums[0])
			if err != nil {
				return 0, false
			}
			return p, true
		}
	}
	return 0, false
}

func localIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "0.0.0.0"
	}
	if host == "" {
		return "0.0.0.0"
	}
	return host
}

func bindMulticastListener(localAddr string) (*net.UDPConn, bool) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(localIP(localAddr)), Port: 0})
	if err != nil {
		return nil, false
	}
	return conn, true
}
