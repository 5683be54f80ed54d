package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"wgbroker/internal/broker"
	"wgbroker/internal/core"
	"wgbroker/internal/diag"
	"wgbroker/internal/ringlog"
	"wgbroker/internal/tunnel"
	"wgbroker/internal/winsvc"
)

// Build info, injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const (
	defaultConfigFile  = "wgbroker.yaml"
	defaultRingLogFile = "wgbroker.ringlog"
	appName            = "WireGuard Broker"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	mode, args := "ui", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		mode, args = args[0], args[1:]
	}

	var err error
	switch mode {
	case "ui":
		err = runUI(args)
	case "broker":
		err = runBroker(args)
	case "tunnel":
		err = runTunnel(args)
	case "dumplog":
		err = runDumpLog(args)
	case "logs":
		err = runLogs(args)
	case "genkey":
		err = runGenKey()
	case "version":
		fmt.Printf("wgbroker %s (commit=%s, built=%s)\n", version, commit, buildDate)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown mode %q\n\n", mode)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: wgbroker [mode] [flags]

Modes:
  ui                                   interactive controller (default)
  broker <parentPid> <read> <write>    elevated helper, started by ui
  tunnel [-config path] <configPath>   tunnel service, started by broker
  dumplog                              export the ring log
  logs                                 follow the ring log of a running ui
  genkey                               print a new keypair
  version                              print version`)
}

// loadConfig reads the YAML config and applies its logging section.
func loadConfig(path string, bus *core.EventBus) (*core.ConfigManager, core.Config, error) {
	cm := core.NewConfigManager(resolveRelativeToExe(path), bus)
	if err := cm.Load(); err != nil {
		return nil, core.Config{}, err
	}
	cfg := cm.Get()
	core.Log.Configure(cfg.Logging)
	return cm, cfg, nil
}

func ringLogPath(cfg core.Config) string {
	if cfg.RingLog.Path != "" {
		return resolveRelativeToExe(cfg.RingLog.Path)
	}
	return resolveRelativeToExe(defaultRingLogFile)
}

// openRingLog attaches the shared ring log and routes every log line into
// it. A ring that cannot be opened only costs the diagnostic history.
func openRingLog(cfg core.Config) *ringlog.Ringlogger {
	rl, err := ringlog.Open(ringLogPath(cfg), cfg.RingCapacity())
	if err != nil {
		core.Log.Warnf("Core", "Ring log unavailable: %v", err)
		return nil
	}
	core.Log.SetHook(func(_ core.LogLevel, tag, msg string) {
		rl.Write(tag, msg)
	})
	return rl
}

func closeRingLog(rl *ringlog.Ringlogger) {
	if rl == nil {
		return
	}
	core.Log.SetHook(nil)
	rl.Close()
}

// runBroker is the elevated helper started by the ui through the launcher.
func runBroker(args []string) error {
	if len(args) < 3 {
		usage()
		return errors.New("broker needs <parentPid> <readHandle> <writeHandle>")
	}
	fs := flag.NewFlagSet("broker", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigFile, "Path to configuration file")
	fs.Parse(args[3:])
	appConfig := resolveRelativeToExe(*configPath)

	parentPid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("parent pid %q: %w", args[0], err)
	}
	readValue, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("read handle %q: %w", args[1], err)
	}
	writeValue, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("write handle %q: %w", args[2], err)
	}

	_, cfg, err := loadConfig(appConfig, nil)
	if err != nil {
		return err
	}
	rl := openRingLog(cfg)
	defer closeRingLog(rl)

	name := cfg.TunnelName()
	mgr, err := newServiceManager(name, appConfig)
	if err != nil {
		return err
	}
	var prober broker.PortalProber
	if cfg.CaptivePortalAlert() {
		prober = broker.NewHTTPProber(cfg.PortalProbeURL())
	}
	srv := broker.NewServer(mgr, name, cfg.Timings(), prober)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core.Log.Infof("Core", "Broker %s starting for parent %d", version, parentPid)
	err = broker.RunAsHelperProcess(ctx, parentPid, uintptr(readValue), uintptr(writeValue), srv, broker.NewProcessWatcher())
	core.Log.Infof("Core", "Broker exiting")
	return err
}

// runTunnel hosts the WireGuard device. The broker starts it as a service.
func runTunnel(args []string) error {
	fs := flag.NewFlagSet("tunnel", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigFile, "Path to configuration file")
	fs.Parse(args)
	if fs.NArg() != 1 {
		usage()
		return errors.New("tunnel needs <configPath>")
	}
	wgConfig := fs.Arg(0)

	_, cfg, err := loadConfig(*configPath, nil)
	if err != nil {
		return err
	}
	rl := openRingLog(cfg)
	defer closeRingLog(rl)

	name := cfg.TunnelName()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core.Log.Infof("Core", "Tunnel service %s %s starting", name, version)
	return runTunnelService(winsvc.ServiceName(name), func() error {
		return tunnel.RunDriver(ctx, name, wgConfig)
	}, cancel)
}

func runDumpLog(args []string) error {
	fs := flag.NewFlagSet("dumplog", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigFile, "Path to configuration file")
	output := fs.String("o", "", "Write to this file instead of stdout")
	fs.Parse(args)

	_, cfg, err := loadConfig(*configPath, nil)
	if err != nil {
		return err
	}
	rl, err := ringlog.OpenReadOnly(ringLogPath(cfg))
	if err != nil {
		return err
	}
	defer rl.Close()

	w := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return rl.ExportAll(w)
}

func runLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigFile, "Path to configuration file")
	showStatus := fs.Bool("status", false, "Print the connection snapshot and exit")
	fs.Parse(args)

	_, cfg, err := loadConfig(*configPath, nil)
	if err != nil {
		return err
	}
	c, err := diag.Dial(diagAddress(cfg))
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *showStatus {
		fields, err := c.Status(ctx)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%-16s %v\n", k+":", fields[k])
		}
		return nil
	}

	f, err := c.FollowLog(ctx)
	if err != nil {
		return err
	}
	for {
		line, err := f.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Println(line)
	}
}

func runGenKey() error {
	priv, pub, err := tunnel.GenerateKeypair()
	if err != nil {
		return err
	}
	fmt.Printf("PrivateKey = %s\nPublicKey = %s\n", priv, pub)
	return nil
}

func diagAddress(cfg core.Config) string {
	if cfg.Diag.Address != "" {
		return cfg.Diag.Address
	}
	return diag.DefaultAddress()
}

// resolveRelativeToExe resolves a relative path against the directory containing
// the running executable. Absolute paths are returned unchanged.
func resolveRelativeToExe(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		log.Printf("[Core] Cannot determine executable path, using %q as-is: %v", path, err)
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
