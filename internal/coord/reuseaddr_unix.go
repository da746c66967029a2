//go:build unix

package coord

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReuseAddr marks the listening socket SO_REUSEADDR so a restarted
// directory can rebind its port while old connections sit in TIME_WAIT.
func controlReuseAddr(_, _ string, raw syscall.RawConn) error {
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
