package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"wgbroker/internal/ipc"
)

// Session is one live connection to an elevated helper.
type Session struct {
	ID        string
	transport *ipc.Transport
	now       func() time.Time

	mu       sync.Mutex
	pid      int
	since    time.Time
	lastBeat time.Time

	active   atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

func newSession(t *ipc.Transport, now func() time.Time) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		transport: t,
		now:       now,
		since:     now(),
		stop:      make(chan struct{}),
	}
	s.active.Store(true)
	return s
}

// Transport returns the session's message channel.
func (s *Session) Transport() *ipc.Transport {
	return s.transport
}

// Active reports whether the session has not been torn down.
func (s *Session) Active() bool {
	return s.active.Load()
}

// RemotePID returns the helper's process id, or 0 before the first
// heartbeat reply.
func (s *Session) RemotePID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

func (s *Session) setPID(pid int) {
	s.mu.Lock()
	s.pid = pid
	s.mu.Unlock()
}

// ReportHeartbeat records proof of liveness. Any inbound traffic counts.
func (s *Session) ReportHeartbeat() {
	now := s.now()
	s.mu.Lock()
	s.lastBeat = now
	s.mu.Unlock()
}

// ClearHeartbeat forgets the last heartbeat and restarts the grace window.
func (s *Session) ClearHeartbeat() {
	now := s.now()
	s.mu.Lock()
	s.lastBeat = time.Time{}
	s.since = now
	s.mu.Unlock()
}

// HeartbeatAge returns the time since the last heartbeat, or since the
// grace window started when none has arrived.
func (s *Session) HeartbeatAge() time.Duration {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := s.since
	if s.lastBeat.After(ref) {
		ref = s.lastBeat
	}
	return now.Sub(ref)
}

func (s *Session) deactivate() bool {
	if !s.active.CompareAndSwap(true, false) {
		return false
	}
	s.stopOnce.Do(func() { close(s.stop) })
	return true
}
