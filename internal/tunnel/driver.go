package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"

	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"

	"wgbroker/internal/core"
)

// RunDriver hosts a userspace WireGuard device for the named tunnel until
// ctx is cancelled or the device shuts down. The device answers the UAPI
// protocol on the pipe returned by ipc.DriverPipePath. Interface addresses
// and DNS servers come from the [Interface] section; DNS is not applied on
// darwin.
func RunDriver(ctx context.Context, name, configPath string) error {
	cfg, err := ParseConfigFile(configPath)
	if err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	logDriverVersion()

	tdev, err := tun.CreateTUN(name, cfg.MTU)
	if err != nil {
		return fmt.Errorf("tunnel: create tun %s: %w", name, err)
	}
	ifname, err := tdev.Name()
	if err != nil {
		ifname = name
	}

	logger := &device.Logger{
		Verbosef: func(format string, args ...any) { core.Log.Debugf("WG", format, args...) },
		Errorf:   func(format string, args ...any) { core.Log.Errorf("WG", format, args...) },
	}
	dev := device.NewDevice(tdev, conn.NewDefaultBind(), logger)
	defer dev.Close()

	if err := dev.IpcSet(cfg.UAPI()); err != nil {
		return fmt.Errorf("tunnel: apply config: %w", err)
	}
	if err := dev.Up(); err != nil {
		return fmt.Errorf("tunnel: bring up %s: %w", ifname, err)
	}
	if err := configureInterface(runtime.GOOS, ifname, cfg); err != nil {
		return fmt.Errorf("tunnel: configure %s: %w", ifname, err)
	}
	core.Log.Infof("Tunnel", "Device %s up, mtu %d, %d peer(s), addresses %v",
		ifname, cfg.MTU, len(cfg.Peers), cfg.Addresses)

	uapi, err := listenUAPI(name)
	if err != nil {
		return fmt.Errorf("tunnel: uapi listen: %w", err)
	}
	defer uapi.Close()
	go serveUAPI(uapi, dev)

	select {
	case <-ctx.Done():
		core.Log.Infof("Tunnel", "Stopping %s", ifname)
	case <-dev.Wait():
		core.Log.Warnf("Tunnel", "Device %s closed", ifname)
	}
	return nil
}

func serveUAPI(l net.Listener, dev *device.Device) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				core.Log.Warnf("Tunnel", "UAPI accept: %v", err)
			}
			return
		}
		go dev.IpcHandle(conn)
	}
}
