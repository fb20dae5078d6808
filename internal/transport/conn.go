package transport

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nullstream/rtspd/internal/scheduler"
	"github.com/rs/zerolog"
)

// minSendBuffer is the minimum socket send buffer requested on accept, per
// spec.md §4.2 ("send buffer >= 100 KiB").
const minSendBuffer = 100 * 1024

// flushWriteDeadline bounds a single non-blocking-style write attempt; a
// timeout is treated as "would block," with the unwritten remainder staying
// queued and a follow-up flush re-scheduled — modeling the original
// reactor's EAGAIN retry loop without an actual epoll write-readiness event.
const flushWriteDeadline = 50 * time.Millisecond

// readBufferSize is the chunk size pulled per Read() call.
const readBufferSize = 64 * 1024

// idleChannelMask is a live connection's steady-state channel-table
// interest: readable, and watched for close. EventWrite is added only while
// a flush is outstanding, per spec.md §4.1's read/write/close/error mask.
const idleChannelMask = scheduler.EventRead | scheduler.EventClose

// Conn wraps one socket with read/write buffering and mutex-guarded writes,
// matching spec.md §4.2's TcpConnection. All read callbacks and write
// flushes run as trigger events on sched, so they execute serially on
// exactly one reactor goroutine — never concurrently with each other. It
// also holds one entry in sched's channel table (spec.md §4.1), whose mask
// tracks read/write/close interest for the life of the socket.
type Conn struct {
	raw    net.Conn
	sched  *scheduler.TaskScheduler
	logger zerolog.Logger
	ch     *scheduler.Channel

	// OnRead is handed each newly read chunk; returning false closes the
	// connection, matching spec.md's "if the callback returns false, the
	// connection is closed."
	OnRead func(data []byte) bool
	// OnClose fires once, after the socket is fully torn down.
	OnClose func()

	writeMu  sync.Mutex
	writeBuf []byte
	flushing atomic.Bool

	closed   atomic.Bool
	doneRead chan struct{}
}

// NewConn wraps conn, applies the accept-time socket options from spec.md
// §4.2, and starts the background read loop. Read callbacks and write
// flushes are posted onto sched.
func NewConn(conn net.Conn, sched *scheduler.TaskScheduler, logger zerolog.Logger) *Conn {
	applyAcceptSockOpts(conn, logger)

	c := &Conn{
		raw:      conn,
		sched:    sched,
		logger:   logger,
		doneRead: make(chan struct{}),
	}
	c.ch = scheduler.NewChannel(idleChannelMask, nil, nil, nil, nil)
	sched.AddChannel(c.ch)
	go c.readLoop()
	return c
}

func applyAcceptSockOpts(conn net.Conn, logger zerolog.Logger) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(true); err != nil {
		logger.Warn().Err(err).Msg("set TCP_NODELAY failed")
	}
	if err := tc.SetKeepAlive(true); err != nil {
		logger.Warn().Err(err).Msg("set SO_KEEPALIVE failed")
	}
	if err := tc.SetWriteBuffer(minSendBuffer); err != nil {
		logger.Warn().Err(err).Msg("set send buffer failed")
	}
}

// readLoop pulls bytes off the socket and forwards each chunk to OnRead as a
// trigger event on the owning scheduler. It is the only goroutine that ever
// calls raw.Read.
func (c *Conn) readLoop() {
	defer close(c.doneRead)
	buf := make([]byte, readBufferSize)

	for {
		n, err := c.raw.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			postErr := c.sched.AddTriggerEvent(func() {
				if c.closed.Load() {
					return
				}
				if c.OnRead != nil && !c.OnRead(chunk) {
					c.closeLocked()
				}
			})
			if postErr != nil {
				c.logger.Warn().Err(postErr).Msg("dropping read: scheduler queue full")
			}
		}
		if err != nil {
			if err != io.EOF {
				c.logger.Debug().Err(err).Msg("connection read error")
			}
			c.sched.AddTriggerEvent(func() { c.closeLocked() })
			return
		}
	}
}

// Send appends data to the write buffer and schedules a flush. Safe to call
// from any goroutine; the actual socket write happens on the owning
// scheduler.
func (c *Conn) Send(data []byte) {
	if c.closed.Load() {
		return
	}
	c.writeMu.Lock()
	c.writeBuf = append(c.writeBuf, data...)
	c.writeMu.Unlock()

	// Opportunistic: only schedule a flush if one isn't already pending,
	// the Go equivalent of the original's non-blocking try_lock on the
	// write handler.
	if c.flushing.CompareAndSwap(false, true) {
		c.sched.UpdateChannel(c.ch, idleChannelMask|scheduler.EventWrite)
		if err := c.sched.AddTriggerEvent(c.flush); err != nil {
			c.flushing.Store(false)
			c.sched.UpdateChannel(c.ch, idleChannelMask)
		}
	}
}

func (c *Conn) flush() {
	defer c.flushing.Store(false)
	if c.closed.Load() {
		return
	}

	c.writeMu.Lock()
	pending := c.writeBuf
	c.writeBuf = nil
	c.writeMu.Unlock()

	if len(pending) == 0 {
		c.sched.UpdateChannel(c.ch, idleChannelMask)
		return
	}

	c.raw.SetWriteDeadline(time.Now().Add(flushWriteDeadline))
	n, err := c.raw.Write(pending)
	c.raw.SetWriteDeadline(time.Time{})

	if n < len(pending) {
		c.writeMu.Lock()
		c.writeBuf = append(pending[n:], c.writeBuf...)
		c.writeMu.Unlock()
		// Re-arm the write side, mirroring "enables write-event interest
		// when non-empty."
		if c.flushing.CompareAndSwap(false, true) {
			c.sched.UpdateChannel(c.ch, idleChannelMask|scheduler.EventWrite)
			c.sched.AddTriggerEvent(c.flush)
		}
	} else {
		c.sched.UpdateChannel(c.ch, idleChannelMask)
	}

	if err != nil && !isTimeout(err) {
		c.logger.Debug().Err(err).Msg("write failed, closing connection")
		c.closeLocked()
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// closeLocked tears the connection down exactly once. Must run on the
// owning scheduler goroutine.
func (c *Conn) closeLocked() {
	if c.closed.Swap(true) {
		return
	}
	c.sched.RemoveChannel(c.ch)
	c.raw.Close()
	if c.OnClose != nil {
		c.OnClose()
	}
}

// Close requests the connection be torn down; safe from any goroutine.
func (c *Conn) Close() {
	c.sched.AddTriggerEvent(c.closeLocked)
}

// IsClosed reports whether the connection has been torn down.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// RemoteAddr returns the peer address of the underlying socket.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// LocalAddr returns the local address of the underlying socket.
func (c *Conn) LocalAddr() net.Addr { return c.raw.LocalAddr() }
