//go:build windows

package winsvc

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"

	"wgbroker/internal/core"
)

const (
	pollInterval = 250 * time.Millisecond
	pollAttempts = 60
)

// SCMManager installs the tunnel service with the Service Control Manager.
// The service runs "<ExePath> tunnel [-config <AppConfig>] <configPath>".
type SCMManager struct {
	Tunnel    string
	ExePath   string
	// AppConfig is the application config the tunnel service loads.
	AppConfig string
}

// NewSCMManager returns a manager for tunnel using the current executable.
// appConfig, when set, is passed on to the tunnel service.
func NewSCMManager(tunnel, appConfig string) (*SCMManager, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, &ServiceError{Op: "locate executable", Err: err}
	}
	return &SCMManager{Tunnel: tunnel, ExePath: exe, AppConfig: appConfig}, nil
}

// InstallAndStart replaces any existing service for the tunnel, then starts
// it and waits for Running.
func (m *SCMManager) InstallAndStart(configPath string) error {
	scm, err := mgr.Connect()
	if err != nil {
		return &ServiceError{Op: "connect to SCM", Err: err}
	}
	defer scm.Disconnect()

	name := ServiceName(m.Tunnel)
	if s, err := scm.OpenService(name); err == nil {
		core.Log.Infof("Service", "Removing stale service %s", name)
		stopAndWait(s)
		s.Delete()
		s.Close()
		waitGone(scm, name)
	}

	s, err := scm.CreateService(name, m.ExePath, mgr.Config{
		ServiceType:  windows.SERVICE_WIN32_OWN_PROCESS,
		StartType:    mgr.StartManual,
		ErrorControl: mgr.ErrorNormal,
		Dependencies: []string{"Nsi", "TcpIp"},
		DisplayName:  "WireGuard Tunnel: " + m.Tunnel,
		SidType:      windows.SERVICE_SID_TYPE_UNRESTRICTED,
	}, TunnelArgs(m.AppConfig, configPath)...)
	if err != nil {
		return &ServiceError{Op: "create service", Err: err}
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		s.Delete()
		return &ServiceError{Op: "start service", Err: err}
	}

	for i := 0; i < pollAttempts; i++ {
		status, err := s.Query()
		if err != nil {
			return &ServiceError{Op: "query service status", Err: err}
		}
		switch status.State {
		case svc.Running:
			core.Log.Infof("Service", "Tunnel service %s running", name)
			return nil
		case svc.Stopped:
			s.Delete()
			return &ServiceError{Op: "start service", Err: windows.Errno(status.Win32ExitCode)}
		}
		time.Sleep(pollInterval)
	}
	return &ServiceError{Op: "start service", Err: errors.New("timeout waiting for service to start")}
}

// IsRunning reports whether the tunnel service is in the Running state. It
// only asks for query rights, so it works from an unelevated process.
func (m *SCMManager) IsRunning() bool {
	scm, err := windows.OpenSCManager(nil, nil, windows.SC_MANAGER_CONNECT)
	if err != nil {
		return false
	}
	defer windows.CloseServiceHandle(scm)

	name, err := windows.UTF16PtrFromString(ServiceName(m.Tunnel))
	if err != nil {
		return false
	}
	s, err := windows.OpenService(scm, name, windows.SERVICE_QUERY_STATUS)
	if err != nil {
		return false
	}
	defer windows.CloseServiceHandle(s)

	var status windows.SERVICE_STATUS
	if err := windows.QueryServiceStatus(s, &status); err != nil {
		return false
	}
	return status.CurrentState == windows.SERVICE_RUNNING
}

// StopAndRemove stops the tunnel service and deletes it. A missing service
// is not an error.
func (m *SCMManager) StopAndRemove() error {
	scm, err := mgr.Connect()
	if err != nil {
		return &ServiceError{Op: "connect to SCM", Err: err}
	}
	defer scm.Disconnect()

	s, err := scm.OpenService(ServiceName(m.Tunnel))
	if err != nil {
		if errors.Is(err, windows.ERROR_SERVICE_DOES_NOT_EXIST) {
			return nil
		}
		return &ServiceError{Op: "open service", Err: err}
	}
	defer s.Close()

	if err := stopAndWait(s); err != nil {
		core.Log.Warnf("Service", "Stop %s: %v", ServiceName(m.Tunnel), err)
	}
	if err := s.Delete(); err != nil && !errors.Is(err, windows.ERROR_SERVICE_MARKED_FOR_DELETE) {
		return &ServiceError{Op: "delete service", Err: err}
	}
	return nil
}

func stopAndWait(s *mgr.Service) error {
	status, err := s.Control(svc.Stop)
	if err != nil {
		if errors.Is(err, windows.ERROR_SERVICE_NOT_ACTIVE) {
			return nil
		}
		return err
	}
	for i := 0; i < pollAttempts; i++ {
		if status.State == svc.Stopped {
			return nil
		}
		time.Sleep(pollInterval)
		if status, err = s.Query(); err != nil {
			return err
		}
	}
	return fmt.Errorf("timeout waiting for service to stop")
}

func waitGone(scm *mgr.Mgr, name string) {
	for i := 0; i < pollAttempts; i++ {
		s, err := scm.OpenService(name)
		if err != nil {
			return
		}
		s.Close()
		time.Sleep(pollInterval)
	}
}
