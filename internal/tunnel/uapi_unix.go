//go:build !windows

package tunnel

import (
	"net"

	wgipc "golang.zx2c4.com/wireguard/ipc"
)

func listenUAPI(name string) (net.Listener, error) {
	f, err := wgipc.UAPIOpen(name)
	if err != nil {
		return nil, err
	}
	return wgipc.UAPIListen(name, f)
}

func logDriverVersion() {}
