// Package broker launches and supervises the elevated helper process and
// implements the privileged side of the command protocol.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"wgbroker/internal/core"
	"wgbroker/internal/ipc"
	"wgbroker/internal/tunnel"
)

var (
	// ErrAlreadyActive is returned by Launch while a healthy session exists.
	ErrAlreadyActive = errors.New("broker: session already active")
	// ErrHeartbeatLost reports a helper that stopped answering.
	ErrHeartbeatLost = errors.New("broker: heartbeat lost")
	// ErrElevationDenied reports that the user declined the elevation prompt.
	ErrElevationDenied = errors.New("broker: elevation denied")
	// ErrNoSession is returned for commands sent without a live session.
	ErrNoSession = tunnel.ErrNoBroker
)

// Launched is the UI side of a freshly started helper.
type Launched struct {
	Conn io.ReadWriteCloser
	// Pid is the started process, which may be an elevation wrapper rather
	// than the helper itself. Zero when unknown.
	Pid int
}

// Launcher starts the helper with elevated rights.
type Launcher interface {
	Launch(ctx context.Context) (*Launched, error)
}

// HelperArgs is the helper command line after the executable:
// "broker <parentPid> <read> <write>", then "-config <path>" when the UI
// runs from a non-default config file.
func HelperArgs(parentPid int, readValue, writeValue uintptr, configPath string) []string {
	args := []string{"broker",
		strconv.Itoa(parentPid),
		strconv.FormatUint(uint64(readValue), 10),
		strconv.FormatUint(uint64(writeValue), 10),
	}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	return args
}

// ProcessWatcher observes another process by id.
type ProcessWatcher interface {
	Alive(pid int) bool
	// Wait returns nil once pid has exited, or ctx.Err().
	Wait(ctx context.Context, pid int) error
}

// Supervisor owns at most one helper session at a time.
type Supervisor struct {
	launcher Launcher
	watcher  ProcessWatcher
	timings  core.Timings
	bus      *core.EventBus
	now      func() time.Time

	launchMu sync.Mutex

	mu        sync.Mutex
	session   *Session
	handlers  map[ipc.Command]ipc.HandlerFunc
	onFailure func(error)
}

// NewSupervisor creates a supervisor. bus may be nil.
func NewSupervisor(l Launcher, w ProcessWatcher, timings core.Timings, bus *core.EventBus) *Supervisor {
	return &Supervisor{
		launcher: l,
		watcher:  w,
		timings:  timings,
		bus:      bus,
		now:      time.Now,
		handlers: make(map[ipc.Command]ipc.HandlerFunc),
	}
}

// OnFailure registers the callback for sessions that die abnormally.
func (s *Supervisor) OnFailure(fn func(error)) {
	s.mu.Lock()
	s.onFailure = fn
	s.mu.Unlock()
}

// Handle registers a handler on the current and every future session.
func (s *Supervisor) Handle(cmd ipc.Command, h ipc.HandlerFunc) {
	s.mu.Lock()
	s.handlers[cmd] = h
	sess := s.session
	s.mu.Unlock()
	if sess != nil {
		sess.transport.Handle(cmd, h)
	}
}

// Current returns the live session, or nil.
func (s *Supervisor) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil && !s.session.Active() {
		return nil
	}
	return s.session
}

// Launch starts a helper unless a healthy session already exists, in which
// case it returns ErrAlreadyActive. A failed launch leaves no session behind.
func (s *Supervisor) Launch(ctx context.Context) error {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	if s.Current() != nil {
		return ErrAlreadyActive
	}

	core.Log.Infof("Broker", "Launching elevated helper")
	res, err := s.launcher.Launch(ctx)
	if err != nil {
		core.Log.Errorf("Broker", "Helper launch failed: %v", err)
		return fmt.Errorf("broker: launch: %w", err)
	}

	t := ipc.NewTransport("broker", res.Conn)
	sess := newSession(t, s.now)
	t.OnTraffic(sess.ReportHeartbeat)

	s.mu.Lock()
	for cmd, h := range s.handlers {
		t.Handle(cmd, h)
	}
	s.session = sess
	s.mu.Unlock()

	sess.ClearHeartbeat()
	t.Start()
	go s.supervise(sess)

	core.Log.Infof("Broker", "Session %s started (launcher pid %d)", sess.ID, res.Pid)
	s.publish(sess, nil)
	return nil
}

// Shutdown tears the current session down without reporting a failure.
func (s *Supervisor) Shutdown() {
	if sess := s.Current(); sess != nil {
		s.teardown(sess, nil)
	}
}

// Send writes msg on the current session. It reports false without a
// session or when the write fails.
func (s *Supervisor) Send(msg *ipc.Message) bool {
	sess := s.Current()
	if sess == nil {
		return false
	}
	return sess.transport.WriteMessage(msg)
}

// Request sends msg on the current session and waits for its reply.
func (s *Supervisor) Request(ctx context.Context, msg *ipc.Message) (*ipc.Message, error) {
	sess := s.Current()
	if sess == nil {
		return nil, ErrNoSession
	}
	return sess.transport.Request(ctx, msg)
}

func (s *Supervisor) supervise(sess *Session) {
	pid, err := s.awaitPid(sess)
	if err != nil {
		s.teardown(sess, err)
		return
	}
	if pid == 0 {
		return
	}
	core.Log.Infof("Broker", "Session %s: helper pid %d", sess.ID, pid)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exited := make(chan error, 1)
	go func() { exited <- s.watcher.Wait(ctx, pid) }()

	select {
	case err := <-exited:
		if err == nil {
			core.Log.Infof("Broker", "Session %s: helper %d exited", sess.ID, pid)
		}
		s.teardown(sess, nil)
	case <-sess.transport.Done():
		if s.watcher.Alive(pid) {
			s.teardown(sess, fmt.Errorf("%w: pipe closed by running helper %d", ErrHeartbeatLost, pid))
		} else {
			s.teardown(sess, nil)
		}
	case <-sess.stop:
	}
}

// awaitPid sends RequestPid every heartbeat interval until the helper
// answers. A strike is counted for each grace period without traffic.
// pid 0 with a nil error means the session was stopped.
func (s *Supervisor) awaitPid(sess *Session) (int, error) {
	interval := s.timings.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	strikes := 0
	for {
		reply, err := requestPid(sess.transport, interval)
		if err == nil {
			if v, _ := reply.Get(ipc.AttrPid); v != "" {
				if pid, perr := strconv.Atoi(v); perr == nil && pid > 0 {
					sess.setPID(pid)
					return pid, nil
				}
			}
			core.Log.Warnf("Broker", "Session %s: heartbeat reply without pid", sess.ID)
		}

		select {
		case <-sess.stop:
			return 0, nil
		case <-sess.transport.Done():
			return 0, fmt.Errorf("%w: helper closed the pipe before answering", ErrHeartbeatLost)
		default:
		}

		if n := int(sess.HeartbeatAge() / s.timings.HeartbeatGrace); n > strikes {
			strikes = n
			core.Log.Warnf("Broker", "Session %s: no heartbeat for %s (strike %d/%d)",
				sess.ID, sess.HeartbeatAge().Round(time.Millisecond), strikes, s.timings.StrikeCount)
			if strikes >= s.timings.StrikeCount {
				return 0, ErrHeartbeatLost
			}
		}

		select {
		case <-ticker.C:
		case <-sess.stop:
			return 0, nil
		case <-sess.transport.Done():
			return 0, fmt.Errorf("%w: helper closed the pipe before answering", ErrHeartbeatLost)
		}
	}
}

// requestPid bounds the whole round trip, including a write that blocks on a
// helper that stopped reading.
func requestPid(t *ipc.Transport, timeout time.Duration) (*ipc.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type result struct {
		reply *ipc.Message
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		reply, err := t.Request(ctx, ipc.NewMessage(ipc.CmdRequestPid))
		ch <- result{reply, err}
	}()
	select {
	case r := <-ch:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Supervisor) teardown(sess *Session, cause error) {
	if !sess.deactivate() {
		return
	}
	sess.transport.Close()

	s.mu.Lock()
	if s.session == sess {
		s.session = nil
	}
	onFailure := s.onFailure
	s.mu.Unlock()

	if cause != nil {
		core.Log.Errorf("Broker", "Session %s died: %v", sess.ID, cause)
	} else {
		core.Log.Infof("Broker", "Session %s closed", sess.ID)
	}
	s.publish(sess, cause)
	if cause != nil && onFailure != nil {
		onFailure(cause)
	}
}

func (s *Supervisor) publish(sess *Session, cause error) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(core.Event{
		Type: core.EventBrokerSessionChanged,
		Payload: core.BrokerSessionPayload{
			SessionID: sess.ID,
			Active:    sess.Active(),
			Err:       cause,
		},
	})
}
