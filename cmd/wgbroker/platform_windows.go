//go:build windows

package main

import (
	"os"
	"os/signal"

	"wgbroker/internal/broker"
	"wgbroker/internal/core"
	"wgbroker/internal/tunnel"
	"wgbroker/internal/winsvc"
)

func newLauncher(cfg core.Config, appConfig string) broker.Launcher {
	return &broker.ElevatedLauncher{
		HelperPath: resolveRelativeToExe(cfg.Broker.HelperPath),
		ConfigPath: appConfig,
	}
}

// newServiceStatus queries the SCM, which needs no elevation.
func newServiceStatus(name string, _ core.Timings) tunnel.ServiceStatus {
	return &winsvc.SCMManager{Tunnel: name}
}

func newServiceManager(name, appConfig string) (winsvc.Manager, error) {
	m, err := winsvc.NewSCMManager(name, appConfig)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// runTunnelService runs under the SCM when started as a service and in the
// console otherwise.
func runTunnelService(name string, run func() error, stop func()) error {
	if winsvc.IsWindowsService() {
		return winsvc.RunService(name, run, stop)
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)
	go func() {
		<-sig
		stop()
	}()
	return run()
}
