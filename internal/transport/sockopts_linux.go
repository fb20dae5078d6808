//go:build linux

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReusePort sets SO_REUSEADDR and SO_REUSEPORT on the listening
// socket (Linux only), grounded on arzzra-soft_phone's
// pkg/rtp/transport_socket_linux.go SO_REUSEPORT pattern. SO_REUSEPORT lets
// a future multi-process deployment bind the same RTSP port from several
// workers with kernel-level load balancing; here it mainly allows fast
// restart without TIME_WAIT bind failures.
func controlReusePort(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
			sockErr = err
			return
		}
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
