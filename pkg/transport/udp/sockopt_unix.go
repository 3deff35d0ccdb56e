//go:build unix

package udp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

var errConnRefused = unix.ECONNREFUSED

// broadcastControl enables SO_BROADCAST before bind.
func broadcastControl(network, address string, c syscall.RawConn) error {
	var soErr error
	err := c.Control(func(fd uintptr) {
		soErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return soErr
}
