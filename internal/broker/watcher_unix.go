//go:build !windows

package broker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

const pollInterval = 250 * time.Millisecond

// OSWatcher watches processes with signal 0 probes.
type OSWatcher struct{}

// NewProcessWatcher returns the platform process watcher.
func NewProcessWatcher() ProcessWatcher { return OSWatcher{} }

// Alive reports whether pid exists. EPERM means it exists under another user.
func (OSWatcher) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Wait polls until pid disappears.
func (w OSWatcher) Wait(ctx context.Context, pid int) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for w.Alive(pid) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
