package rtp

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"

	pionrtp "github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/nullstream/rtspd/internal/scheduler"
)

// ErrConnectionClosed is returned by Send once the connection has been torn
// down.
var ErrConnectionClosed = errors.New("rtp: connection closed")

// ErrNoInterleavedSink is returned when a TCP-interleaved send is attempted
// but the owning RTSP connection's socket has already gone away — the
// "fails gracefully if the upgrade yields nothing" case from spec.md §9's
// back-reference note.
var ErrNoInterleavedSink = errors.New("rtp: interleaved sink unavailable")

// InterleavedSink is the minimal surface RtpConnection needs from its owning
// RTSP connection to emit TCP-interleaved RTP: the ability to queue framed
// bytes for write. RtspConnection implements it; rtp.Connection only ever
// reaches it through a non-owning accessor function, breaking the
// ownership cycle spec.md §9 calls out.
type InterleavedSink interface {
	SendInterleaved(data []byte)
}

// Channel is the per-client, per-media-kind RTP state: sequence counter,
// SSRC, clock rate, setup/play/record flags, and transport addressing.
// This is spec.md's MediaChannel as it actually lives in practice — inside
// the per-client RtpConnection, not shared session-wide (the sequence
// counter and SSRC are defined as "random per client", which only makes
// sense per connection).
type Channel struct {
	Kind        MediaKind
	ClockRate   uint32
	PayloadType uint8

	Sequence uint16
	SSRC     uint32

	IsSetup  bool
	IsPlay   bool
	IsRecord bool

	// TCP-interleaved framing bytes, set during SETUP.
	InterleavedRTP  byte
	InterleavedRTCP byte

	// UDP unicast/multicast transport.
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
	peerRTP  *net.UDPAddr
	peerRTCP *net.UDPAddr
}

func newChannel(kind MediaKind, clockRate uint32, payloadType uint8) *Channel {
	return &Channel{
		Kind:        kind,
		ClockRate:   clockRate,
		PayloadType: payloadType,
		Sequence:    uint16(rand.Uint32()),
		SSRC:        rand.Uint32(),
	}
}

// Connection is spec.md's RtpConnection: it stamps and transmits RTP
// packets for one client across its set-up channels. Every mutation of its
// sockets, headers, and sequence/SSRC state runs on sched's goroutine, per
// spec.md §3 and §4.4 — Send only ever queues work there, matching
// internal/transport.Conn's Send/flush split.
type Connection struct {
	mu       sync.Mutex
	logger   zerolog.Logger
	mode     TransportMode
	channels map[MediaKind]*Channel
	sched    *scheduler.TaskScheduler

	hasKeyFrame bool
	closed      bool

	getSink func() (InterleavedSink, bool)
}

// NewConnection constructs a Connection in the given transport mode. sched
// is the reactor goroutine every Send call is posted onto. getSink resolves
// the (possibly already-gone) owning RTSP connection's socket for
// TCP-interleaved sends; it is nil for UDP modes.
func NewConnection(mode TransportMode, sched *scheduler.TaskScheduler, getSink func() (InterleavedSink, bool), logger zerolog.Logger) *Connection {
	return &Connection{
		mode:     mode,
		channels: make(map[MediaKind]*Channel),
		sched:    sched,
		getSink:  getSink,
		logger:   logger,
	}
}

// SetupChannel creates or returns the Channel for kind, assigning a random
// sequence number and SSRC (spec.md §4.4 "Sequence/SSRC initialization").
func (c *Connection) SetupChannel(kind MediaKind, clockRate uint32, payloadType uint8) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[kind]
	if !ok {
		ch = newChannel(kind, clockRate, payloadType)
		c.channels[kind] = ch
	}
	ch.IsSetup = true
	return ch
}

// Channel returns the Channel for kind, or nil if it was never set up.
func (c *Connection) Channel(kind MediaKind) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[kind]
}

// SetUDPTransport records the local sockets and peer addresses a unicast or
// multicast SETUP negotiated for kind.
func (c *Connection) SetUDPTransport(kind MediaKind, rtpConn, rtcpConn *net.UDPConn, peerRTP, peerRTCP *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.channels[kind]
	if ch == nil {
		return
	}
	ch.rtpConn, ch.rtcpConn, ch.peerRTP, ch.peerRTCP = rtpConn, rtcpConn, peerRTP, peerRTCP
}

// SetInterleavedChannels records the $ framing channel bytes a TCP-
// interleaved SETUP negotiated.
func (c *Connection) SetInterleavedChannels(kind MediaKind, rtpCh, rtcpCh byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.channels[kind]
	if ch == nil {
		return
	}
	ch.InterleavedRTP, ch.InterleavedRTCP = rtpCh, rtcpCh
}

// Play marks kind playing, per the RTSP PLAY method.
func (c *Connection) Play(kind MediaKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch := c.channels[kind]; ch != nil {
		ch.IsPlay = true
	}
}

// Teardown clears play/record state on every channel and closes any UDP
// sockets SETUP bound for it (unicast rtpConn/rtcpConn, or the multicast
// listener stored in the same field), per spec.md §5's "every socket is
// closed."
func (c *Connection) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.channels {
		ch.IsPlay = false
		ch.IsRecord = false
		closeChannelSockets(ch)
	}
}

func closeChannelSockets(ch *Channel) {
	if ch.rtpConn != nil {
		ch.rtpConn.Close()
		ch.rtpConn = nil
	}
	if ch.rtcpConn != nil {
		ch.rtcpConn.Close()
		ch.rtcpConn = nil
	}
}

// Mode returns the connection's transport mode.
func (c *Connection) Mode() TransportMode { return c.mode }

// SetMode changes the transport mode. SETUP determines the real mode from
// the client's Transport header after DESCRIBE has already allocated the
// Connection in its default mode, so this is mutated in place rather than
// threading the mode through construction.
func (c *Connection) SetMode(mode TransportMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

// Close marks the connection closed and closes every channel's UDP sockets
// (if any), per spec.md §5/§8 — after Close, zero sockets belonging to this
// connection remain open.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, ch := range c.channels {
		closeChannelSockets(ch)
	}
}

// IsClosed reports whether Close was called or a transport error occurred.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send queues one RTP packet for kind to be stamped and transmitted on
// sched's goroutine — the same RtpConnection never has its sockets, headers,
// or sequence/SSRC state touched from two different goroutines, per spec.md
// §3 and §4.4. It never blocks and never calls into the socket itself;
// payload is copied before queuing since the caller (e.g. the producer
// thread feeding PushFrame) is free to reuse its buffer the instant Send
// returns. Returns an error only when the trigger queue itself is full or
// the connection was already closed — the §7-mandated "push_frame returns
// false" failure mode.
func (c *Connection) Send(kind MediaKind, payload []byte, timestamp uint32, marker bool, isKeyFrameStart bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.mu.Unlock()

	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	if err := c.sched.AddTriggerEvent(func() {
		c.sendOnScheduler(kind, payloadCopy, timestamp, marker, isKeyFrameStart)
	}); err != nil {
		return fmt.Errorf("rtp: %w", err)
	}
	return nil
}

// sendOnScheduler does the actual header stamping and transmission. It only
// ever runs as a trigger event on c.sched's goroutine. isKeyFrameStart must
// be true for the first fragment of a video key NAL (IDR/SPS/PPS/SEI,
// spec.md §6) or for any audio packet — audio unconditionally opens the
// gate, conservatively, per spec.md §4.4. No packet is sent until the
// channel is both set up+playing and the gate has opened at least once for
// this connection.
func (c *Connection) sendOnScheduler(kind MediaKind, payload []byte, timestamp uint32, marker bool, isKeyFrameStart bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ch := c.channels[kind]
	if ch == nil || !ch.IsSetup || !ch.IsPlay {
		c.mu.Unlock()
		return
	}
	if !c.hasKeyFrame {
		if !isKeyFrameStart {
			c.mu.Unlock()
			return
		}
		c.hasKeyFrame = true
	}

	seq := ch.Sequence
	ch.Sequence++
	ssrc := ch.SSRC
	pt := ch.PayloadType
	mode := c.mode
	interleavedRTP := ch.InterleavedRTP
	rtpConn := ch.rtpConn
	peerRTP := ch.peerRTP
	c.mu.Unlock()

	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		c.logger.Debug().Err(err).Msg("rtp: marshal packet failed")
		return
	}

	switch mode {
	case TransportTCPInterleaved:
		sink, ok := c.getSink()
		if !ok {
			c.logger.Debug().Err(ErrNoInterleavedSink).Msg("rtp: send failed")
			c.Close()
			return
		}
		sink.SendInterleaved(FrameInterleaved(interleavedRTP, data))

	case TransportUDPUnicast, TransportUDPMulticast:
		if rtpConn == nil || peerRTP == nil {
			c.logger.Debug().Msg("rtp: udp transport not configured")
			return
		}
		if _, err := rtpConn.WriteToUDP(data, peerRTP); err != nil {
			c.logger.Debug().Err(err).Msg("rtp: udp send failed")
			c.Close()
			return
		}

	default:
		c.logger.Debug().Uint8("mode", uint8(mode)).Msg("rtp: unknown transport mode")
	}
}

// FrameInterleaved wraps payload (an already-marshaled RTP or RTCP packet)
// in the RFC 2326 §10.12 "$ channel length" preamble.
func FrameInterleaved(channel byte, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	out[0] = '$'
	out[1] = channel
	out[2] = byte(len(payload) >> 8)
	out[3] = byte(len(payload))
	copy(out[4:], payload)
	return out
}
