//go:build unix

package sockyard

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl lets several sockets bind the same address, which
// multicast receivers rely on.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
