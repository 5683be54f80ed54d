//go:build windows

package ipc

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// DriverPipePath returns the control pipe wireguard-go opens for a tunnel.
func DriverPipePath(name string) string {
	return `\\.\pipe\ProtectedPrefix\Administrators\WireGuard\` + name
}

// DialDriver connects to the running tunnel driver's control pipe.
func DialDriver(name string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(DriverPipePath(name), &timeout)
}
