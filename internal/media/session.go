// Package media implements spec.md §4.5-4.7: per-codec framers that turn
// encoder output into RTP payload fragments, and the MediaSession directory
// that fans a produced packet out to every attached client.
package media

import (
	"fmt"
	"net"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog"

	"github.com/nullstream/rtspd/internal/rtp"
)

// ErrNoClients is returned by HandleFrame when a session has zero attached
// RTP connections, matching spec.md §4.8's push_frame failure case.
var ErrNoClients = fmt.Errorf("media: session has no attached clients")

// Session is spec.md's MediaSession: a server-assigned id, a URL suffix,
// one MediaSource per channel kind, and the set of attached client RTP
// connections a produced Frame fans out to. It holds weak references only
// in the sense that rtp.Connection carries its own InterleavedSink
// back-reference (see internal/rtp) rather than pointing back here.
type Session struct {
	id         uint64
	urlSuffix  string
	serverName string

	mu          sync.RWMutex
	video       Source
	audio       Source
	videoConfig VideoConfig
	audioConfig AudioConfig
	multicast   *net.UDPAddr
	clients     map[string]*rtp.Connection

	sdpMu    sync.Mutex
	sdpCache []byte

	logger zerolog.Logger
}

// NewSession constructs an empty MediaSession for urlSuffix. The RtspServer
// assigns id from its process-wide monotonic counter before publishing the
// session, per spec.md §3's uniqueness invariant.
func NewSession(id uint64, urlSuffix, serverName string, logger zerolog.Logger) *Session {
	return &Session{
		id:         id,
		urlSuffix:  urlSuffix,
		serverName: serverName,
		clients:    make(map[string]*rtp.Connection),
		logger:     logger,
	}
}

// ID returns the session's monotonic id.
func (s *Session) ID() uint64 { return s.id }

// URLSuffix returns the path suffix this session was published under.
func (s *Session) URLSuffix() string { return s.urlSuffix }

// SetVideo installs the video MediaSource and its SDP parameter sets,
// invalidating any cached SDP.
func (s *Session) SetVideo(src Source, cfg VideoConfig) {
	s.mu.Lock()
	s.video, s.videoConfig = src, cfg
	s.mu.Unlock()
	s.invalidateSDP()
}

// SetAudio installs the audio MediaSource and its SDP parameters,
// invalidating any cached SDP.
func (s *Session) SetAudio(src Source, cfg AudioConfig) {
	s.mu.Lock()
	s.audio, s.audioConfig = src, cfg
	s.mu.Unlock()
	s.invalidateSDP()
}

// ChannelInfo describes one configured MediaSource for SETUP/DESCRIBE
// wiring: which clock rate and payload type the RtspConnection must stamp
// onto its RtpConnection channel.
type ChannelInfo struct {
	Kind        rtp.MediaKind
	PayloadType uint8
	ClockRate   uint32
}

// Channels lists the currently configured sources, video first.
func (s *Session) Channels() []ChannelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ChannelInfo
	if s.video != nil {
		out = append(out, ChannelInfo{Kind: rtp.KindVideo, PayloadType: s.video.PayloadType(), ClockRate: s.video.ClockRate()})
	}
	if s.audio != nil {
		out = append(out, ChannelInfo{Kind: rtp.KindAudio, PayloadType: s.audio.PayloadType(), ClockRate: s.audio.ClockRate()})
	}
	return out
}

// SetMulticast declares this session's multicast group, allocated by
// internal/mcast. A zero-value addr means the session is unicast/
// interleaved only.
func (s *Session) SetMulticast(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multicast = addr
}

// Multicast returns the session's multicast group, or nil if none was
// declared.
func (s *Session) Multicast() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.multicast
}

// AttachClient registers conn under clientID (typically the client's socket
// remote-address string) so future frames fan out to it.
func (s *Session) AttachClient(clientID string, conn *rtp.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[clientID] = conn
}

// DetachClient removes clientID from the fan-out set. Safe to call more
// than once.
func (s *Session) DetachClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
}

// ClientCount reports the number of attached clients.
func (s *Session) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// HandleFrame is spec.md §4.8's session.handle_frame: it packetizes f with
// the MediaSource for kind and fans every resulting RTP payload out to
// every attached client. It fails if there are zero clients, per
// push_frame's contract.
func (s *Session) HandleFrame(kind rtp.MediaKind, f Frame) error {
	s.mu.RLock()
	var src Source
	switch kind {
	case rtp.KindVideo:
		src = s.video
	case rtp.KindAudio:
		src = s.audio
	}
	if len(s.clients) == 0 {
		s.mu.RUnlock()
		return ErrNoClients
	}
	if src == nil {
		s.mu.RUnlock()
		return fmt.Errorf("media: no source configured for %s", kind)
	}
	clients := make([]*rtp.Connection, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	return src.WriteFrame(f, func(payload []byte, timestamp uint32, marker bool, isKeyFrameStart bool) {
		for _, c := range clients {
			if c.IsClosed() {
				continue
			}
			if err := c.Send(kind, payload, timestamp, marker, isKeyFrameStart); err != nil {
				s.logger.Debug().Err(err).Uint64("session_id", s.id).Str("kind", kind.String()).Msg("rtp send failed")
			}
		}
	})
}

func (s *Session) invalidateSDP() {
	s.sdpMu.Lock()
	s.sdpCache = nil
	s.sdpMu.Unlock()
}

// SDP renders the session description for DESCRIBE, advertising whichever
// of video/audio are configured. It is cached after first build and
// invalidated only by SetVideo/SetAudio, making repeated DESCRIBE calls
// idempotent per spec.md's SDP generation note.
func (s *Session) SDP(serverAddr string) ([]byte, error) {
	s.sdpMu.Lock()
	defer s.sdpMu.Unlock()
	if s.sdpCache != nil {
		return s.sdpCache, nil
	}

	host, _, err := net.SplitHostPort(serverAddr)
	if err != nil {
		host = serverAddr
	}

	origin := sdp.Origin{
		Username:       "-",
		SessionID:      s.id,
		SessionVersion: s.id,
		NetworkType:    "IN",
		AddressType:    "IP4",
		UnicastAddress: host,
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin:  origin,
		SessionName: sdp.SessionName(s.serverName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.video != nil {
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "video",
				Port:    sdp.RangedPort{Value: 0},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{fmt.Sprint(s.video.PayloadType())},
			},
		}
		if s.multicast != nil {
			md.MediaName.Port = sdp.RangedPort{Value: s.multicast.Port}
			md.ConnectionInformation = &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     &sdp.Address{Address: s.multicast.IP.String(), TTL: intPtr(255)},
			}
		}
		md = md.WithValueAttribute("control", "track0")
		md = md.WithValueAttribute("rtpmap", fmt.Sprintf("%d H264/%d", s.video.PayloadType(), s.video.ClockRate()))
		fmtp := fmt.Sprintf("%d packetization-mode=1", s.video.PayloadType())
		if pli := s.videoConfig.ProfileLevelID(); pli != "" {
			fmtp += "; profile-level-id=" + pli
		}
		if sps := s.videoConfig.SpropParameterSets(); sps != "" {
			fmtp += "; sprop-parameter-sets=" + sps
		}
		md = md.WithValueAttribute("fmtp", fmtp)
		md = md.WithPropertyAttribute("sendonly")
		desc = desc.WithMedia(md)
	}

	if s.audio != nil {
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: 0},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{fmt.Sprint(s.audio.PayloadType())},
			},
		}
		md = md.WithValueAttribute("control", "track1")
		md = md.WithValueAttribute("rtpmap", fmt.Sprintf("%d MPEG4-GENERIC/%d/%d",
			s.audio.PayloadType(), s.audio.ClockRate(), maxInt(s.audioConfig.Channels, 1)))
		fmtp := fmt.Sprintf(
			"%d streamtype=5; profile-level-id=1; mode=AAC-hbr; sizelength=13; indexlength=3; indexdeltalength=3",
			s.audio.PayloadType())
		if cfg := s.audioConfig.ConfigHex(); cfg != "" {
			fmtp += "; config=" + cfg
		}
		md = md.WithValueAttribute("fmtp", fmtp)
		md = md.WithPropertyAttribute("sendonly")
		desc = desc.WithMedia(md)
	}

	raw, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("media: marshal sdp: %w", err)
	}
	s.sdpCache = raw
	return s.sdpCache, nil
}

func intPtr(v int) *int { return &v }

func maxInt(v uint8, min uint8) uint8 {
	if v < min {
		return min
	}
	return v
}
