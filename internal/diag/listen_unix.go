//go:build !windows

package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"time"
)

// DefaultAddress returns the diagnostics socket path.
func DefaultAddress() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "wgbroker-diag.sock")
}

// Listen opens the diagnostics socket, replacing a stale one. The socket is
// only accessible to the current user.
func Listen(addr string) (net.Listener, error) {
	if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(addr, 0o600); err != nil {
		ln.Close()
		return nil, err
	}
	return ln, nil
}

func dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.DialContext(ctx, "unix", addr)
}
