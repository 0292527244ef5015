//go:build !linux && !darwin

package netutil

import "syscall"

// tunedControl is a no-op where SO_REUSEPORT is unavailable.
func tunedControl(network, address string, c syscall.RawConn) error {
	return nil
}
