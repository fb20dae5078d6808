package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/nullstream/rtspd/internal/scheduler"
	"github.com/rs/zerolog"
)

// Listener accepts TCP connections and forwards each to an
// OnNewConnection hook, mirroring spec.md §4.2's Listener/Acceptor.
type Listener struct {
	ln     net.Listener
	logger zerolog.Logger

	// OnNewConnection is invoked once per accepted socket. It is run as a
	// trigger event on control, the scheduler the Listener was started
	// with, so callers that need to touch scheduler state (e.g. a session
	// directory) never race the accept loop.
	OnNewConnection func(conn net.Conn)

	control  *scheduler.TaskScheduler
	cancelFn context.CancelFunc
	doneCh   chan struct{}
	ch       *scheduler.Channel
}

// Listen opens addr with SO_REUSEADDR|SO_REUSEPORT (Linux) and wires accept
// events onto control. Returns an error instead of spec.md's bool "start
// returns false" — idiomatic Go error propagation for the same failure mode.
func Listen(ctx context.Context, addr string, control *scheduler.TaskScheduler, logger zerolog.Logger) (*Listener, error) {
	lc := net.ListenConfig{Control: controlReusePort}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	l := &Listener{
		ln:       ln,
		logger:   logger,
		control:  control,
		cancelFn: cancel,
		doneCh:   make(chan struct{}),
	}
	l.ch = scheduler.NewChannel(scheduler.EventRead, nil, nil, nil, nil)
	control.AddChannel(l.ch)

	go l.acceptLoop(cctx)
	return l, nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer close(l.doneCh)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			l.logger.Error().Err(err).Msg("accept failed")
			return
		}

		hook := l.OnNewConnection
		if hook == nil {
			conn.Close()
			continue
		}
		if err := l.control.AddTriggerEvent(func() { hook(conn) }); err != nil {
			l.logger.Warn().Err(err).Msg("dropping accepted connection: control scheduler queue full")
			conn.Close()
		}
	}
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting and closes the listening socket.
func (l *Listener) Close() error {
	l.cancelFn()
	err := l.ln.Close()
	<-l.doneCh
	l.control.RemoveChannel(l.ch)
	return err
}
