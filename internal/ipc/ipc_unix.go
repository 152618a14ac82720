//go:build !windows

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

const dialTimeout = 2 * time.Second

// Listen binds the daemon's unix socket. A socket file left behind by a
// crashed daemon is removed, but only after confirming nothing answers on
// it, so two daemons never fight over one address.
func Listen(addr string) (net.Listener, error) {
	if addr == "" {
		return nil, fmt.Errorf("ipc listen: %w", os.ErrInvalid)
	}
	if _, err := os.Stat(addr); err == nil {
		live, dialErr := net.DialTimeout("unix", addr, dialTimeout)
		if dialErr == nil {
			_ = live.Close()
			return nil, fmt.Errorf("ipc listen: %s is already served", addr)
		}
		_ = os.Remove(addr)
	}
	if dir := filepath.Dir(addr); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("ipc listen: %w", err)
		}
	}
	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("ipc listen: %w", err)
	}
	return ln, nil
}

// Dial connects to a running daemon's socket.
func Dial(addr string) (net.Conn, error) {
	if addr == "" {
		return nil, fmt.Errorf("ipc dial: %w", os.ErrInvalid)
	}
	conn, err := net.DialTimeout("unix", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("ipc dial: %w", err)
	}
	return conn, nil
}
