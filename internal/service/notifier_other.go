//go:build !windows

package service

// NewNotifier returns the platform notifier. Outside Windows notifications
// only reach the log, throttled like toasts.
func NewNotifier(appName string, enabled bool) Notifier {
	return &throttledLog{enabled: enabled, throttle: newThrottle(notifyThrottle)}
}

type throttledLog struct {
	enabled  bool
	throttle *throttle
}

func (n *throttledLog) Notify(key, title, message string) {
	if n.enabled && n.throttle.allow(key) {
		LogNotifier{}.Notify(key, title, message)
	}
}
