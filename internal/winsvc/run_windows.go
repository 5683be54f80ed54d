//go:build windows

package winsvc

import (
	"sync"
	"time"

	"golang.org/x/sys/windows/svc"
)

// IsWindowsService reports whether the current process is running as a Windows Service.
func IsWindowsService() bool {
	isSvc, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return isSvc
}

// RunService runs the process as the named service, calling runFunc to host
// the tunnel and stopFunc to signal shutdown. It blocks until the service
// stops.
func RunService(name string, runFunc func() error, stopFunc func()) error {
	h := &serviceHandler{
		runFunc:  runFunc,
		stopFunc: stopFunc,
	}
	return svc.Run(name, h)
}

type serviceHandler struct {
	runFunc  func() error
	stopFunc func()
	once     sync.Once
}

// Execute is called by the SCM.
func (h *serviceHandler) Execute(args []string, r <-chan svc.ChangeRequest, s chan<- svc.Status) (bool, uint32) {
	s <- svc.Status{State: svc.StartPending}

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.runFunc()
	}()

	s <- svc.Status{State: svc.Running, Accepts: svc.AcceptStop | svc.AcceptShutdown}

	for {
		select {
		case cr := <-r:
			switch cr.Cmd {
			case svc.Interrogate:
				s <- cr.CurrentStatus
				time.Sleep(100 * time.Millisecond)
				s <- cr.CurrentStatus
			case svc.Stop, svc.Shutdown:
				s <- svc.Status{State: svc.StopPending}
				h.once.Do(h.stopFunc)
				<-errCh
				return false, 0
			}
		case err := <-errCh:
			if err != nil {
				return true, 1
			}
			return false, 0
		}
	}
}
