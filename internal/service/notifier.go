package service

import (
	"sync"
	"time"

	"wgbroker/internal/core"
)

// Notification keys. Each key is throttled independently.
const (
	NotifyConnected     = "connected"
	NotifyDisconnected  = "disconnected"
	NotifySwitched      = "switched"
	NotifySwitchFailed  = "switch_failed"
	NotifyCaptivePortal = "captive_portal"
	NotifyBrokerFailed  = "broker_failed"
)

const notifyThrottle = 30 * time.Second

// Notifier shows a user-facing message.
type Notifier interface {
	Notify(key, title, message string)
}

// throttle drops repeats of the same key inside a window.
type throttle struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

func newThrottle(window time.Duration) *throttle {
	return &throttle{window: window, last: make(map[string]time.Time), now: time.Now}
}

func (t *throttle) allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.window {
		return false
	}
	t.last[key] = now
	return true
}

// LogNotifier writes notifications to the log only.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(key, title, message string) {
	core.Log.Infof("Notify", "%s: %s", title, message)
}
