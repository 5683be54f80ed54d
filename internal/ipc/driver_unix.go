//go:build !windows

package ipc

import (
	"net"
	"path/filepath"
	"time"
)

// DriverSocketDir is where wireguard-go places its UAPI sockets.
var DriverSocketDir = "/var/run/wireguard"

// DriverPipePath returns the control socket wireguard-go opens for a tunnel.
func DriverPipePath(name string) string {
	return filepath.Join(DriverSocketDir, name+".sock")
}

// DialDriver connects to the running tunnel driver's control socket.
func DialDriver(name string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", DriverPipePath(name), timeout)
}
