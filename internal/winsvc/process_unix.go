//go:build !windows

package winsvc

import (
	"errors"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"wgbroker/internal/core"
)

// ProcessManager runs the tunnel service as a child of the broker, which
// already holds root on these platforms.
type ProcessManager struct {
	Tunnel    string
	ExePath   string
	// AppConfig is the application config the tunnel service loads.
	AppConfig string

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// NewProcessManager returns a manager for tunnel using the current executable.
// appConfig, when set, is passed on to the tunnel service.
func NewProcessManager(tunnel, appConfig string) (*ProcessManager, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, &ServiceError{Op: "locate executable", Err: err}
	}
	return &ProcessManager{Tunnel: tunnel, ExePath: exe, AppConfig: appConfig}, nil
}

// InstallAndStart replaces any running tunnel process with a new one.
func (m *ProcessManager) InstallAndStart(configPath string) error {
	if err := m.StopAndRemove(); err != nil {
		return err
	}

	cmd := exec.Command(m.ExePath, TunnelArgs(m.AppConfig, configPath)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return &ServiceError{Op: "start service", Err: err}
	}
	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		core.Log.Infof("Service", "Tunnel process %d exited: %v", cmd.Process.Pid, err)
		close(done)
	}()

	m.mu.Lock()
	m.cmd, m.done = cmd, done
	m.mu.Unlock()
	core.Log.Infof("Service", "Tunnel process %d started for %s", cmd.Process.Pid, m.Tunnel)
	return nil
}

// IsRunning reports whether the tunnel process is alive.
func (m *ProcessManager) IsRunning() bool {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// StopAndRemove terminates the tunnel process and waits for it to exit.
func (m *ProcessManager) StopAndRemove() error {
	m.mu.Lock()
	cmd, done := m.cmd, m.done
	m.cmd, m.done = nil, nil
	m.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return &ServiceError{Op: "stop service", Err: err}
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		cmd.Process.Kill()
		<-done
	}
	return nil
}

// IsWindowsService is always false here.
func IsWindowsService() bool { return false }

// RunService runs runFunc in the foreground and calls stopFunc on SIGINT or
// SIGTERM.
func RunService(name string, runFunc func() error, stopFunc func()) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() { errCh <- runFunc() }()

	select {
	case sig := <-sigCh:
		core.Log.Infof("Service", "%s: received %s, stopping", name, sig)
		stopFunc()
		return <-errCh
	case err := <-errCh:
		return err
	}
}
