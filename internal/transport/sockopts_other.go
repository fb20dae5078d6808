//go:build !linux

package transport

import "syscall"

// controlReusePort is a no-op on non-Linux platforms: SO_REUSEPORT has no
// portable equivalent, and SO_REUSEADDR alone is Go's net package default
// behavior there already.
func controlReusePort(_, _ string, _ syscall.RawConn) error {
	return nil
}
