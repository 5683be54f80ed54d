//go:build windows

package broker

import (
	"context"
	"time"

	"golang.org/x/sys/windows"
)

const pollInterval = 250 * time.Millisecond

// OSWatcher watches processes through their synchronization handle.
type OSWatcher struct{}

// NewProcessWatcher returns the platform process watcher.
func NewProcessWatcher() ProcessWatcher { return OSWatcher{} }

func openForWait(pid int) (windows.Handle, error) {
	return windows.OpenProcess(windows.SYNCHRONIZE|windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
}

// Alive reports whether pid exists and has not exited.
func (OSWatcher) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := openForWait(pid)
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)
	ev, err := windows.WaitForSingleObject(h, 0)
	return err == nil && ev == uint32(windows.WAIT_TIMEOUT)
}

// Wait blocks until pid exits or ctx is done. A process that cannot be
// opened is treated as gone.
func (OSWatcher) Wait(ctx context.Context, pid int) error {
	h, err := openForWait(pid)
	if err != nil {
		return nil
	}
	defer windows.CloseHandle(h)
	for {
		ev, err := windows.WaitForSingleObject(h, uint32(pollInterval/time.Millisecond))
		if err != nil || ev == windows.WAIT_OBJECT_0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
