//go:build linux || darwin || freebsd || netbsd || openbsd

package beacon

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReusePort sets SO_REUSEADDR and, where available, SO_REUSEPORT
// on the listening socket before bind (spec.md §4.2 step 1). Grounded
// on the golang.org/x/sys/unix usage in joshuafuller-beacon and
// gonzojive-mdns's low-level socket setup.
func controlReusePort(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	// SO_REUSEPORT is "where available"; a failure here is not fatal.
	_ = sockErr
	return nil
}
