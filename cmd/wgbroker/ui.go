package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"wgbroker/internal/broker"
	"wgbroker/internal/core"
	"wgbroker/internal/diag"
	"wgbroker/internal/service"
	"wgbroker/internal/tunnel"
)

// runUI is the unprivileged controller: engine, broker supervisor and the
// diagnostics endpoint, driven from the console.
func runUI(args []string) error {
	fs := flag.NewFlagSet("ui", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigFile, "Path to configuration file")
	connectNow := fs.Bool("connect", false, "Connect immediately")
	fs.Parse(args)

	appConfig := resolveRelativeToExe(*configPath)
	bus := core.NewEventBus()
	cfgManager, cfg, err := loadConfig(appConfig, bus)
	if err != nil {
		return err
	}
	rl := openRingLog(cfg)
	defer closeRingLog(rl)

	core.Log.Infof("Core", "wgbroker %s starting", version)

	timings := cfg.Timings()
	name := cfg.TunnelName()

	sup := broker.NewSupervisor(newLauncher(cfg, appConfig), broker.NewProcessWatcher(), timings, bus)
	ctrl := tunnel.NewController(sup, newServiceStatus(name, timings), name, timings)
	engine := service.NewEngine(ctrl, sup, service.NewNotifier(appName, cfg.NotificationsEnabled()), bus, service.Options{
		Timings:            timings,
		ConfigPath:         resolveRelativeToExe(cfg.Tunnel.ConfigPath),
		ServerName:         name,
		CaptivePortalAlert: cfg.CaptivePortalAlert(),
		AccountPoller: func() {
			core.Log.Infof("Account", "Tunnel dropped, device registration re-check requested")
		},
	})
	sup.OnFailure(engine.BrokerFailed)
	bus.Subscribe(core.EventConfigReloaded, func(core.Event) {
		engine.SetCaptivePortalAlert(cfgManager.Get().CaptivePortalAlert())
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	engine.Start(gctx)
	g.Go(func() error {
		<-engine.Done()
		return nil
	})

	if cfg.Diag.Enabled {
		var logs diag.LogSource
		if rl != nil {
			logs = rl
		}
		tracker := diag.NewClientTracker()
		ds := diag.NewServer(diag.NewService(engine, logs, tracker), tracker)
		g.Go(func() error {
			if err := ds.ListenAndServe(diagAddress(cfg)); err != nil {
				core.Log.Warnf("Diag", "Diagnostics endpoint stopped: %v", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			ds.Stop()
			return nil
		})
	}

	if *connectNow {
		if err := engine.Connect(gctx); err != nil {
			core.Log.Errorf("Core", "Connect: %v", err)
		}
	}

	con := &console{engine: engine, cfg: cfgManager, out: os.Stdout}
	bus.Subscribe(core.EventConnectionStateChanged, func(e core.Event) {
		if snap, ok := e.Payload.(service.Snapshot); ok {
			con.printState(snap)
		}
	})
	// Stdin reads cannot be interrupted; the goroutine ends with the process.
	go func() {
		con.run(gctx, os.Stdin)
		stop()
	}()

	g.Go(func() error {
		<-gctx.Done()
		engine.Stop()
		sup.Shutdown()
		return nil
	})

	err = g.Wait()
	core.Log.Infof("Core", "Shutdown complete")
	return err
}

// console turns typed commands into engine calls.
type console struct {
	engine *service.Engine
	cfg    *core.ConfigManager
	out    io.Writer
}

const consoleHelp = `Commands:
  connect | disconnect | status
  switch <name> <endpoint> <public-key> [allowed-ip,...]
  portal on|off | network | quit`

func (c *console) run(ctx context.Context, in io.Reader) {
	fmt.Fprintln(c.out, consoleHelp)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil || !c.exec(ctx, strings.Fields(sc.Text())) {
			return
		}
	}
}

// exec runs one command and reports false when the console should exit.
func (c *console) exec(ctx context.Context, f []string) bool {
	if len(f) == 0 {
		return true
	}
	switch f[0] {
	case "connect":
		if err := c.engine.Connect(ctx); err != nil {
			fmt.Fprintf(c.out, "connect: %v\n", err)
		}
	case "disconnect":
		if err := c.engine.Disconnect(); err != nil {
			fmt.Fprintf(c.out, "disconnect: %v\n", err)
		}
	case "status":
		c.printStatus(c.engine.Snapshot())
	case "switch":
		if len(f) < 4 {
			fmt.Fprintln(c.out, "usage: switch <name> <endpoint> <public-key> [allowed-ip,...]")
			return true
		}
		key, err := tunnel.ParseKey(f[3])
		if err != nil {
			fmt.Fprintf(c.out, "switch: %v\n", err)
			return true
		}
		allowed := []string{"0.0.0.0/0", "::/0"}
		if len(f) > 4 {
			allowed = strings.Split(f[4], ",")
		}
		if !c.engine.SwitchServer(ctx, service.Server{Name: f[1], Endpoint: f[2], PublicKey: key[:], AllowedIPs: allowed}) {
			fmt.Fprintln(c.out, "switch failed")
		}
	case "portal":
		if len(f) != 2 || (f[1] != "on" && f[1] != "off") {
			fmt.Fprintln(c.out, "usage: portal on|off")
			return true
		}
		c.cfg.SetCaptivePortalAlert(f[1] == "on")
		if err := c.cfg.Save(); err != nil {
			fmt.Fprintf(c.out, "portal: %v\n", err)
		}
	case "network":
		c.engine.ResetNetwork()
	case "quit", "exit":
		return false
	default:
		fmt.Fprintln(c.out, consoleHelp)
	}
	return true
}

func (c *console) printState(snap service.Snapshot) {
	fmt.Fprintf(c.out, "* %s\n", snap.State)
}

func (c *console) printStatus(snap service.Snapshot) {
	fmt.Fprintf(c.out, "State:      %s\n", snap.State)
	if snap.State == tunnel.Protected {
		fmt.Fprintf(c.out, "Stability:  %s\n", snap.Stability)
	}
	fmt.Fprintf(c.out, "Server:     %s\n", snap.Server)
	if snap.Switching != nil {
		fmt.Fprintf(c.out, "Switching:  %s -> %s\n", snap.Switching.From, snap.Switching.To)
	}
	fmt.Fprintf(c.out, "Received:   %s (%s)\n", snap.RxTotal, snap.RxRate)
	fmt.Fprintf(c.out, "Sent:       %s (%s)\n", snap.TxTotal, snap.TxRate)
	fmt.Fprintf(c.out, "Connected:  %s\n", snap.Elapsed)
	if !snap.LastHandshake.IsZero() {
		fmt.Fprintf(c.out, "Handshake:  %s\n", snap.LastHandshake.Format("15:04:05"))
	}
	if snap.CaptivePortal {
		fmt.Fprintln(c.out, "Captive portal detected on this network")
	}
}
