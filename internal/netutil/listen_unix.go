//go:build linux || darwin

package netutil

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// tunedControl enables SO_REUSEPORT on the listening socket.
func tunedControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
