//go:build windows

package diag

import (
	"context"
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// DefaultAddress returns the diagnostics pipe name.
func DefaultAddress() string {
	return `\\.\pipe\wgbroker-diag`
}

// Listen opens the diagnostics named pipe. Only the interactive user and
// administrators may connect.
func Listen(addr string) (net.Listener, error) {
	cfg := &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;IU)(A;;GA;;;BA)(A;;GA;;;SY)",
		MessageMode:        false,
		InputBufferSize:    64 * 1024,
		OutputBufferSize:   64 * 1024,
	}
	return winio.ListenPipe(addr, cfg)
}

func dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return winio.DialPipeContext(ctx, addr)
}
