//go:build windows

package tunnel

import (
	"net"

	wgipc "golang.zx2c4.com/wireguard/ipc"
	"golang.zx2c4.com/wintun"

	"wgbroker/internal/core"
)

func listenUAPI(name string) (net.Listener, error) {
	return wgipc.UAPIListen(name)
}

func logDriverVersion() {
	v, err := wintun.RunningVersion()
	if err != nil {
		core.Log.Debugf("Tunnel", "Wintun not loaded yet: %v", err)
		return
	}
	core.Log.Infof("Tunnel", "Wintun driver %d.%d", (v>>16)&0xffff, v&0xffff)
}
