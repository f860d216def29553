//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package beacon

import "syscall"

// controlReusePort is a no-op on platforms (notably Windows) where
// SO_REUSEPORT has no equivalent reachable through golang.org/x/sys/unix;
// SO_REUSEADDR-like binding behavior on Windows is handled instead by
// windowsBindWorkaround binding directly to a single interface's address
// (spec.md §4.2 step 3).
func controlReusePort(network, address string, c syscall.RawConn) error {
	return nil
}
