//go:build windows

package coord

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// reuseAddr lets the API rebind its port right after a restart while old
// connections sit in TIME_WAIT.
func reuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
