//go:build windows

package ipc

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/Microsoft/go-winio"
)

const dialTimeout = 2 * time.Second

// Listen opens the daemon's named pipe. Windows tears stale pipes down
// with their last handle, so there is no leftover-endpoint cleanup here.
func Listen(addr string) (net.Listener, error) {
	if addr == "" {
		return nil, fmt.Errorf("ipc listen: %w", os.ErrInvalid)
	}
	ln, err := winio.ListenPipe(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("ipc listen: %w", err)
	}
	return ln, nil
}

// Dial connects to a running daemon's pipe.
func Dial(addr string) (net.Conn, error) {
	if addr == "" {
		return nil, fmt.Errorf("ipc dial: %w", os.ErrInvalid)
	}
	timeout := dialTimeout
	conn, err := winio.DialPipe(addr, &timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc dial: %w", err)
	}
	return conn, nil
}
