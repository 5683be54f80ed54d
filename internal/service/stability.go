package service

import (
	"time"

	"wgbroker/internal/core"
	"wgbroker/internal/tunnel"
)

// StabilityClassifier judges a Protected tunnel from consecutive samples.
// Received bytes that stop moving for longer than the unstable threshold make
// the tunnel Unstable; a handshake older than the no-signal threshold on top
// of that makes it NoSignal. Nothing is judged during the grace period after
// the tunnel comes up.
type StabilityClassifier struct {
	grace    time.Duration
	unstable time.Duration
	noSignal time.Duration

	seeded    bool
	upSince   time.Time
	lastRx    uint64
	rxChanged time.Time
}

// NewStabilityClassifier takes its thresholds from t.
func NewStabilityClassifier(t core.Timings) *StabilityClassifier {
	return &StabilityClassifier{
		grace:    t.StabilityGrace,
		unstable: t.UnstableThreshold,
		noSignal: t.NoSignalThreshold,
	}
}

// Reset forgets the tunnel. The next sample starts a new grace period.
func (c *StabilityClassifier) Reset() {
	c.seeded = false
	c.lastRx = 0
	c.upSince = time.Time{}
	c.rxChanged = time.Time{}
}

// Observe classifies st taken at now.
func (c *StabilityClassifier) Observe(st tunnel.ConnectionStatus, now time.Time) tunnel.Stability {
	// The broker already knows the driver is unreachable.
	if st.Stability == tunnel.NoSignal {
		return tunnel.NoSignal
	}
	if !c.seeded {
		c.seeded = true
		c.upSince = now
		c.lastRx = st.RxBytes
		c.rxChanged = now
		return tunnel.Stable
	}
	if !st.HasCounters {
		return tunnel.Stable
	}
	if st.RxBytes != c.lastRx {
		c.lastRx = st.RxBytes
		c.rxChanged = now
	}
	if now.Sub(c.upSince) < c.grace {
		return tunnel.Stable
	}
	if now.Sub(c.rxChanged) <= c.unstable {
		return tunnel.Stable
	}
	if st.LastHandshake.IsZero() || now.Sub(st.LastHandshake) > c.noSignal {
		return tunnel.NoSignal
	}
	return tunnel.Unstable
}

func degraded(s tunnel.Stability) bool {
	return s == tunnel.Unstable || s == tunnel.NoSignal
}
