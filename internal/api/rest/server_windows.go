//go:build windows

package rest

import (
	"syscall"
)

// SO_REUSEPORT does not exist on Windows; the flag is ignored.
func reusePort(network, address string, c syscall.RawConn) error {
	return nil
}
