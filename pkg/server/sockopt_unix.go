//go:build unix

package server

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// control sets SO_REUSEADDR so a restart can rebind while old connections
// sit in TIME_WAIT.
func control(_, _ string, c syscall.RawConn) error {
	var optErr error
	err := c.Control(func(fd uintptr) {
		optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return optErr
}
