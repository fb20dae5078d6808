// Package rtspserver is spec.md's RtspServer: the accept loop, the
// URL-suffix session directory, and the id-assignment/push_frame surface
// RtspConnections and encoder threads drive.
package rtspserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/nullstream/rtspd/internal/config"
	"github.com/nullstream/rtspd/internal/logging"
	"github.com/nullstream/rtspd/internal/mcast"
	"github.com/nullstream/rtspd/internal/media"
	"github.com/nullstream/rtspd/internal/rtp"
	"github.com/nullstream/rtspd/internal/rtsp"
	"github.com/nullstream/rtspd/internal/scheduler"
	"github.com/nullstream/rtspd/internal/transport"
)

// ErrUnknownSession is returned by PushFrame when sessionID names no
// currently-registered session.
var ErrUnknownSession = fmt.Errorf("rtspserver: unknown session id")

// ErrURLSuffixTaken is returned by AddSession when urlSuffix is already
// published by a live session, per spec.md §3's uniqueness invariant
// (Register returns the existing session instead).
var ErrURLSuffixTaken = fmt.Errorf("rtspserver: url suffix already in use")

// Server is spec.md's RtspServer: it owns the reactor event loop, the
// listening socket, and the directory mapping URL suffixes and session ids
// to MediaSessions. Every accepted connection is pinned to one
// round-robin-selected scheduler for its whole lifetime (spec.md §4.1).
type Server struct {
	cfg    *config.Config
	log    *logging.Logger
	logger zerolog.Logger
	loop   *scheduler.EventLoop
	ln     *transport.Listener

	nextSessionID atomic.Uint64

	mu         sync.RWMutex
	bySuffix   map[string]*media.Session
	byID       map[uint64]*media.Session
	multicasts map[uint64]*mcast.Allocation
}

// New constructs a Server with a reactor of cfg.WorkerThreads goroutines
// (goroutine 0 reserved for the listener/control path, per spec.md §4.1).
// log is the category-filtering root logger (SPEC_FULL.md §A.1); every
// subsystem the server constructs gets its own log.Component(cat) so
// --debug-rtsp/--debug-rtp/--debug-media/--debug-reactor actually change
// what's emitted.
func New(cfg *config.Config, log *logging.Logger) *Server {
	return &Server{
		cfg:        cfg,
		log:        log,
		logger:     log.Component(logging.CategoryServer),
		loop:       scheduler.NewEventLoop(cfg.WorkerThreads),
		bySuffix:   make(map[string]*media.Session),
		byID:       make(map[uint64]*media.Session),
		multicasts: make(map[uint64]*mcast.Allocation),
	}
}

// Start launches the reactor and begins accepting connections on
// cfg.ListenAddr.
func (s *Server) Start(ctx context.Context) error {
	s.loop.Start()

	ln, err := transport.Listen(ctx, s.cfg.ListenAddr, s.loop.Control(), s.log.Component(logging.CategoryReactor))
	if err != nil {
		s.loop.Stop()
		return fmt.Errorf("rtspserver: listen: %w", err)
	}
	ln.OnNewConnection = s.acceptConnection
	s.ln = ln

	s.logger.Info().Str("addr", s.cfg.ListenAddr).Int("workers", s.cfg.WorkerThreads).Msg("rtsp server listening")
	return nil
}

// Stop closes the listener and drains every reactor goroutine, per spec.md
// §5's "clean shutdown leaves zero sockets/threads" invariant.
func (s *Server) Stop() {
	if s.ln != nil {
		s.ln.Close()
	}
	s.loop.Stop()
}

// acceptConnection runs on the control scheduler (spec.md §4.1): it picks
// the next reactor goroutine round-robin, pins the raw socket's read loop
// onto it, and wraps it in the RTSP protocol state machine.
func (s *Server) acceptConnection(conn net.Conn) {
	sched := s.loop.GetTaskScheduler()
	tc := transport.NewConn(conn, sched, s.log.Component(logging.CategoryReactor))

	rtsp.NewConnection(tc, sched, s, rtsp.Config{
		ServerName:  s.cfg.ServerIdentifier,
		Realm:       s.cfg.RealmName,
		AuthUser:    s.cfg.AuthUsername,
		AuthPass:    s.cfg.AuthPassword,
		RequireAuth: s.cfg.RequireAuth,
	}, s.log.Component(logging.CategoryRTSP), s.log.Component(logging.CategoryRTP))
}

// Lookup implements rtsp.SessionDirectory.
func (s *Server) Lookup(urlSuffix string) (*media.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.bySuffix[urlSuffix]
	return sess, ok
}

// Register implements rtsp.SessionRegistrar: it lazily creates a session for
// an incoming ANNOUNCE push, or returns the existing one if the suffix is
// already published.
func (s *Server) Register(urlSuffix string) (*media.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.bySuffix[urlSuffix]; ok {
		return sess, nil
	}
	id := s.nextSessionID.Add(1)
	sess := media.NewSession(id, urlSuffix, s.cfg.ServerIdentifier, s.log.Component(logging.CategoryMedia))
	s.bySuffix[urlSuffix] = sess
	s.byID[id] = sess
	return sess, nil
}

// AddSession publishes a session built elsewhere (e.g. by an encoder thread
// driving the server programmatically rather than over ANNOUNCE), assigning
// it the next monotonic session id. It fails if urlSuffix collides with a
// live session, per spec.md §3.
func (s *Server) AddSession(urlSuffix string) (*media.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bySuffix[urlSuffix]; ok {
		return nil, ErrURLSuffixTaken
	}
	id := s.nextSessionID.Add(1)
	sess := media.NewSession(id, urlSuffix, s.cfg.ServerIdentifier, s.log.Component(logging.CategoryMedia))
	s.bySuffix[urlSuffix] = sess
	s.byID[id] = sess
	return sess, nil
}

// RemoveSession un-publishes sessionID, releasing any multicast group it
// held. Safe to call more than once.
func (s *Server) RemoveSession(sessionID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[sessionID]
	if !ok {
		return
	}
	delete(s.byID, sessionID)
	delete(s.bySuffix, sess.URLSuffix())
	if alloc, ok := s.multicasts[sessionID]; ok {
		alloc.Release()
		delete(s.multicasts, sessionID)
	}
}

// EnableMulticast allocates a multicast group for sessionID and installs it,
// per spec.md §6. Sessions that never call this stay unicast/interleaved
// only.
func (s *Server) EnableMulticast(sessionID uint64) (*mcast.Allocation, error) {
	s.mu.Lock()
	sess, ok := s.byID[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}

	alloc, err := mcast.Allocate()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.multicasts[sessionID] = alloc
	s.mu.Unlock()

	sess.SetMulticast(&net.UDPAddr{IP: alloc.Addr, Port: alloc.RTPPort})
	return alloc, nil
}

// PushFrame delivers one encoded frame of kind to every client attached to
// sessionID, matching spec.md §4.8's push_frame: it fails if the session is
// unknown or has zero attached clients.
func (s *Server) PushFrame(sessionID uint64, kind rtp.MediaKind, frame media.Frame) error {
	s.mu.RLock()
	sess, ok := s.byID[sessionID]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	return sess.HandleFrame(kind, frame)
}

// SessionCount reports how many sessions are currently published.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
