// Package winsvc runs the tunnel driver as a privileged service and reports
// whether it is up.
package winsvc

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrUnsupported is returned where the platform has no service manager.
var ErrUnsupported = errors.New("winsvc: not supported on this platform")

// Manager starts and stops the privileged tunnel service.
type Manager interface {
	InstallAndStart(configPath string) error
	IsRunning() bool
	StopAndRemove() error
}

// ServiceName returns the service name used for a tunnel.
func ServiceName(tunnel string) string {
	return "WireGuardTunnel$" + tunnel
}

// TunnelArgs is the tunnel service command line after the executable:
// "tunnel [-config <appConfig>] <configPath>".
func TunnelArgs(appConfig, configPath string) []string {
	args := []string{"tunnel"}
	if appConfig != "" {
		args = append(args, "-config", appConfig)
	}
	return append(args, configPath)
}

// ServiceError wraps service-related errors with context.
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("winsvc: %s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Code returns the OS error number behind e, or 0.
func (e *ServiceError) Code() uint32 {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return uint32(errno)
	}
	return 0
}
