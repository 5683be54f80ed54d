package winsvc

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
)

func TestServiceName(t *testing.T) {
	if got := ServiceName("wg0"); got != "WireGuardTunnel$wg0" {
		t.Errorf("ServiceName = %q", got)
	}
}

func TestServiceErrorCode(t *testing.T) {
	err := error(&ServiceError{Op: "start service", Err: fmt.Errorf("wrapped: %w", syscall.Errno(5))})
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatal("errors.As failed")
	}
	if se.Code() != 5 {
		t.Errorf("Code = %d, want 5", se.Code())
	}
	if !errors.Is(err, syscall.Errno(5)) {
		t.Error("Unwrap chain broken")
	}
	if (&ServiceError{Op: "x", Err: errors.New("plain")}).Code() != 0 {
		t.Error("plain error should have code 0")
	}
}

func TestTunnelArgs(t *testing.T) {
	got := strings.Join(TunnelArgs("/etc/wgbroker/office.yaml", "/etc/wireguard/office.conf"), " ")
	if got != "tunnel -config /etc/wgbroker/office.yaml /etc/wireguard/office.conf" {
		t.Errorf("TunnelArgs = %q", got)
	}
	if got := strings.Join(TunnelArgs("", "wg.conf"), " "); got != "tunnel wg.conf" {
		t.Errorf("TunnelArgs without app config = %q", got)
	}
}
