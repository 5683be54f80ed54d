//go:build windows

package service

import (
	"sync"

	"github.com/go-toast/toast"

	"wgbroker/internal/core"
)

// ToastNotifier sends Windows toast notifications with per-key throttling.
type ToastNotifier struct {
	mu       sync.Mutex
	enabled  bool
	appName  string
	throttle *throttle
}

// NewNotifier returns the platform notifier.
func NewNotifier(appName string, enabled bool) Notifier {
	return &ToastNotifier{
		enabled:  enabled,
		appName:  appName,
		throttle: newThrottle(notifyThrottle),
	}
}

// SetEnabled toggles all toasts.
func (n *ToastNotifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	n.enabled = enabled
	n.mu.Unlock()
}

// Notify implements Notifier.
func (n *ToastNotifier) Notify(key, title, message string) {
	n.mu.Lock()
	enabled := n.enabled
	n.mu.Unlock()
	core.Log.Infof("Notify", "%s: %s", title, message)
	if !enabled || !n.throttle.allow(key) {
		return
	}
	go n.send(title, message)
}

func (n *ToastNotifier) send(title, message string) {
	t := toast.Notification{
		AppID:   n.appName,
		Title:   title,
		Message: message,
	}
	if err := t.Push(); err != nil {
		core.Log.Warnf("Notify", "Toast notification failed: %v", err)
	}
}
