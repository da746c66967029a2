//go:build windows

package coord

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// controlReuseAddr marks the listening socket SO_REUSEADDR so a restarted
// directory can rebind its port while old connections sit in TIME_WAIT.
func controlReuseAddr(_, _ string, raw syscall.RawConn) error {
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
