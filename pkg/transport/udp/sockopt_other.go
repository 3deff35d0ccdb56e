//go:build !unix

package udp

import (
	"syscall"
)

var errConnRefused = syscall.ECONNREFUSED

// broadcastControl is a no-op where x/sys/unix is unavailable; such
// platforms typically permit broadcast sends without SO_BROADCAST.
func broadcastControl(network, address string, c syscall.RawConn) error {
	return nil
}
