//go:build !windows

package main

import (
	"wgbroker/internal/broker"
	"wgbroker/internal/core"
	"wgbroker/internal/tunnel"
	"wgbroker/internal/winsvc"
)

func newLauncher(cfg core.Config, appConfig string) broker.Launcher {
	return &broker.ElevatedLauncher{
		HelperPath: resolveRelativeToExe(cfg.Broker.HelperPath),
		Elevate:    cfg.Broker.Elevate,
		ConfigPath: appConfig,
	}
}

// newServiceStatus probes the driver socket; there is no service manager
// to ask.
func newServiceStatus(name string, t core.Timings) tunnel.ServiceStatus {
	return tunnel.DriverProbe{Name: name, Timeout: t.DialTimeout}
}

func newServiceManager(name, appConfig string) (winsvc.Manager, error) {
	m, err := winsvc.NewProcessManager(name, appConfig)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func runTunnelService(name string, run func() error, stop func()) error {
	return winsvc.RunService(name, run, stop)
}
