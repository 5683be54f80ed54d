// Package service derives the displayed connection state from tunnel
// telemetry and drives the user-facing side effects of state changes.
package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"wgbroker/internal/broker"
	"wgbroker/internal/core"
	"wgbroker/internal/ipc"
	"wgbroker/internal/tunnel"
)

// ErrNotSent is returned when a command could not be handed to the broker.
var ErrNotSent = errors.New("service: command not sent")

// Controller is the tunnel control surface the engine polls and drives.
type Controller interface {
	RequestStatus(ctx context.Context) tunnel.ConnectionStatus
	Connect(configPath string) bool
	Disconnect() bool
	SwitchServer(ctx context.Context, endpoint string, publicKey []byte, allowedIPs []string) bool
	Uptime() time.Duration
}

// BrokerLink is the supervisor as seen by the engine.
type BrokerLink interface {
	Launch(ctx context.Context) error
	Send(msg *ipc.Message) bool
	Handle(cmd ipc.Command, h ipc.HandlerFunc)
}

// Options configures an Engine.
type Options struct {
	Timings            core.Timings
	ConfigPath         string
	ServerName         string
	CaptivePortalAlert bool
	// AccountPoller is called in its own goroutine whenever the tunnel
	// drops to Unprotected.
	AccountPoller func()
}

// Server identifies a switch target.
type Server struct {
	Name       string
	Endpoint   string
	PublicKey  []byte
	AllowedIPs []string
}

// SwitchInfo describes a server switch in progress.
type SwitchInfo struct {
	From string
	To   string
}

// Snapshot is what the UI renders after each poll.
type Snapshot struct {
	State         tunnel.ConnectionState
	Stability     tunnel.Stability
	Status        tunnel.ConnectionStatus
	Server        string
	Switching     *SwitchInfo
	CaptivePortal bool

	RxRate  string
	TxRate  string
	RxTotal string
	TxTotal string
	Elapsed string

	LastHandshake time.Time
	Timestamp     time.Time
}

type switchOp struct {
	info    SwitchInfo
	started time.Time
	settled time.Time
	cycled  bool
}

// Engine polls the controller once per interval and owns the displayed
// ConnectionState.
type Engine struct {
	ctrl        Controller
	broker      BrokerLink
	notifier    Notifier
	bus         *core.EventBus
	timings     core.Timings
	configPath  string
	accountPoll func()
	now         func() time.Time

	startOnce sync.Once
	done      chan struct{}

	mu         sync.Mutex
	cancel     context.CancelFunc
	state      tunnel.ConnectionState
	stability  tunnel.Stability
	classifier *StabilityClassifier
	latest     Snapshot
	listeners  []chan Snapshot
	server     string
	sw         *switchOp

	captiveAlert    bool
	portalRequested bool
	portalFlagged   bool

	prevRx, prevTx uint64
	prevAt         time.Time
}

// NewEngine creates an engine in the Unprotected state. notifier and bus
// may be nil.
func NewEngine(ctrl Controller, b BrokerLink, notifier Notifier, bus *core.EventBus, opts Options) *Engine {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	e := &Engine{
		ctrl:         ctrl,
		broker:       b,
		notifier:     notifier,
		bus:          bus,
		timings:      opts.Timings,
		configPath:   opts.ConfigPath,
		accountPoll:  opts.AccountPoller,
		now:          time.Now,
		done:         make(chan struct{}),
		state:        tunnel.Unprotected,
		classifier:   NewStabilityClassifier(opts.Timings),
		server:       opts.ServerName,
		captiveAlert: opts.CaptivePortalAlert,
	}
	e.latest = Snapshot{
		State:   tunnel.Unprotected,
		Server:  opts.ServerName,
		RxRate:  FormatRate(0),
		TxRate:  FormatRate(0),
		RxTotal: FormatBytes(0),
		TxTotal: FormatBytes(0),
		Elapsed: FormatElapsed(0),
	}
	b.Handle(ipc.CmdDetectCaptivePortal, e.onCaptivePortal)
	return e
}

// Start launches the poll loop. Only the first call has an effect.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.cancel = cancel
		e.mu.Unlock()
		go e.loop(ctx)
	})
}

// Stop signals the poll loop and returns immediately. Use Done to wait.
// Stopping twice, or before Start, is a no-op.
func (e *Engine) Stop() {
	e.startOnce.Do(func() { close(e.done) })
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the poll loop has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Snapshot returns the result of the latest poll.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// Subscribe returns a channel that receives a snapshot after every poll.
// Slow readers miss snapshots rather than stall the loop.
func (e *Engine) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	e.mu.Lock()
	e.listeners = append(e.listeners, ch)
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (e *Engine) Unsubscribe(ch chan Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l == ch {
			close(l)
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Connect makes sure a broker session exists and asks it to bring the
// tunnel up.
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.broker.Launch(ctx); err != nil && !errors.Is(err, broker.ErrAlreadyActive) {
		return err
	}
	if !e.ctrl.Connect(e.configPath) {
		return ErrNotSent
	}
	return nil
}

// Disconnect asks the broker to take the tunnel down.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	e.sw = nil
	e.mu.Unlock()
	if !e.ctrl.Disconnect() {
		return ErrNotSent
	}
	return nil
}

// SwitchServer replaces the active peer with target. The displayed state
// carries the switch until the tunnel is Protected again for SwitchDelay.
func (e *Engine) SwitchServer(ctx context.Context, target Server) bool {
	e.mu.Lock()
	if e.sw != nil {
		busy := e.sw.info.To
		e.mu.Unlock()
		core.Log.Warnf("Engine", "Switch to %s ignored, switch to %s in progress", target.Name, busy)
		return false
	}
	op := &switchOp{info: SwitchInfo{From: e.server, To: target.Name}, started: e.now()}
	e.sw = op
	e.mu.Unlock()

	core.Log.Infof("Engine", "Switching %s -> %s", op.info.From, op.info.To)
	if e.ctrl.SwitchServer(ctx, target.Endpoint, target.PublicKey, target.AllowedIPs) {
		return true
	}
	e.mu.Lock()
	if e.sw == op {
		e.sw = nil
	}
	e.mu.Unlock()
	e.notifier.Notify(NotifySwitchFailed, "Server switch failed", "Could not switch to "+target.Name)
	return false
}

// SetCaptivePortalAlert toggles portal detection on degraded stability.
func (e *Engine) SetCaptivePortalAlert(enabled bool) {
	e.mu.Lock()
	e.captiveAlert = enabled
	e.mu.Unlock()
}

// ResetNetwork forgets portal state after the host changed networks.
func (e *Engine) ResetNetwork() {
	e.mu.Lock()
	e.portalRequested = false
	e.portalFlagged = false
	e.mu.Unlock()
}

// BrokerFailed reports a dead helper session to the user.
func (e *Engine) BrokerFailed(err error) {
	msg := "The privileged helper stopped responding. Reconnect to start it again."
	if errors.Is(err, broker.ErrElevationDenied) {
		msg = "Administrator rights are required to connect."
	}
	e.notifier.Notify(NotifyBrokerFailed, "Connection helper failed", msg)
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	defer e.closeListeners()

	core.Log.Infof("Engine", "Polling every %s", e.timings.PollInterval)
	ticker := time.NewTicker(e.timings.PollInterval)
	defer ticker.Stop()

	e.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			core.Log.Debugf("Engine", "Poll loop stopped")
			return
		case <-ticker.C:
			e.poll(ctx)
		}
	}
}

func (e *Engine) closeListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.listeners {
		close(ch)
	}
	e.listeners = nil
}

// poll runs one cycle: status, classification, transition, side effects.
func (e *Engine) poll(ctx context.Context) Snapshot {
	st := e.ctrl.RequestStatus(ctx)
	uptime := e.ctrl.Uptime()
	now := e.now()

	e.mu.Lock()
	prevState, prevStab := e.state, e.stability
	if st.State == tunnel.Protected {
		st = st.WithStability(e.classifier.Observe(st, now))
	} else {
		e.classifier.Reset()
		st = st.WithStability(tunnel.StabilityUnknown)
	}
	e.state, e.stability = st.State, st.Stability

	requestPortal := false
	if degraded(st.Stability) && !degraded(prevStab) &&
		e.captiveAlert && !e.portalRequested && !e.portalFlagged {
		e.portalRequested = true
		requestPortal = true
	}

	switching := e.sw != nil
	switched := e.advanceSwitch(st, now)
	snap := e.snapshotLocked(st, uptime, now)
	e.latest = snap
	listeners := make([]chan Snapshot, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	if st.State != prevState {
		e.onTransition(prevState, st.State, switching)
		e.publish(core.EventConnectionStateChanged, snap)
	}
	if st.Stability != prevStab {
		if st.Stability != tunnel.StabilityUnknown {
			core.Log.Infof("Engine", "Stability %s -> %s", prevStab, st.Stability)
		}
		e.publish(core.EventStabilityChanged, snap)
	}
	if requestPortal {
		e.requestPortalCheck()
	}
	if switched != nil {
		core.Log.Infof("Engine", "Switched %s -> %s", switched.From, switched.To)
		e.notifier.Notify(NotifySwitched, "Server switched", "Now connected through "+switched.To)
		e.publish(core.EventServerSwitched, *switched)
	}

	for _, ch := range listeners {
		select {
		case ch <- snap:
		default:
		}
	}
	return snap
}

func (e *Engine) onTransition(prev, next tunnel.ConnectionState, switching bool) {
	core.Log.Infof("Engine", "State %s -> %s", prev, next)
	switch next {
	case tunnel.Protected:
		if !switching {
			e.notifier.Notify(NotifyConnected, "Connected", "Your connection is protected")
		}
	case tunnel.Unprotected:
		if prev == tunnel.Connecting {
			core.Log.Warnf("Engine", "Initial connection failed")
			return
		}
		e.notifier.Notify(NotifyDisconnected, "Disconnected", "Your connection is not protected")
		if e.accountPoll != nil {
			go e.accountPoll()
		}
	}
}

// advanceSwitch moves the switch sub-state along and returns the switch
// that just completed, if any. Caller holds e.mu.
func (e *Engine) advanceSwitch(st tunnel.ConnectionStatus, now time.Time) *SwitchInfo {
	op := e.sw
	if op == nil {
		return nil
	}
	if st.State != tunnel.Protected {
		op.cycled = true
		op.settled = time.Time{}
	} else if op.settled.IsZero() && (op.cycled || st.LastHandshake.After(op.started)) {
		op.settled = now
	}

	switch {
	case !op.settled.IsZero() && now.Sub(op.settled) >= e.timings.SwitchDelay:
		e.sw = nil
		e.server = op.info.To
		info := op.info
		return &info
	case now.Sub(op.started) > e.timings.SwitchTimeout:
		core.Log.Warnf("Engine", "Switch to %s not confirmed within %s", op.info.To, e.timings.SwitchTimeout)
		e.sw = nil
		e.server = op.info.To
	}
	return nil
}

// snapshotLocked builds the derived fields. Caller holds e.mu.
func (e *Engine) snapshotLocked(st tunnel.ConnectionStatus, uptime time.Duration, now time.Time) Snapshot {
	var rxRate, txRate uint64
	if st.HasCounters {
		if !e.prevAt.IsZero() && now.After(e.prevAt) {
			secs := now.Sub(e.prevAt).Seconds()
			if st.RxBytes >= e.prevRx {
				rxRate = uint64(float64(st.RxBytes-e.prevRx) / secs)
			}
			if st.TxBytes >= e.prevTx {
				txRate = uint64(float64(st.TxBytes-e.prevTx) / secs)
			}
		}
		e.prevRx, e.prevTx, e.prevAt = st.RxBytes, st.TxBytes, now
	} else {
		e.prevAt = time.Time{}
	}

	if st.State != tunnel.Protected {
		uptime = 0
	}
	snap := Snapshot{
		State:         st.State,
		Stability:     st.Stability,
		Status:        st,
		Server:        e.server,
		CaptivePortal: e.portalFlagged,
		RxRate:        FormatRate(rxRate),
		TxRate:        FormatRate(txRate),
		RxTotal:       FormatBytes(st.RxBytes),
		TxTotal:       FormatBytes(st.TxBytes),
		Elapsed:       FormatElapsed(uptime),
		LastHandshake: st.LastHandshake,
		Timestamp:     now,
	}
	if e.sw != nil {
		info := e.sw.info
		snap.Switching = &info
	}
	return snap
}

func (e *Engine) requestPortalCheck() {
	core.Log.Infof("Engine", "Stability degraded, checking for a captive portal")
	if !e.broker.Send(ipc.NewMessage(ipc.CmdDetectCaptivePortal)) {
		core.Log.Debugf("Engine", "Captive portal check not sent")
		e.mu.Lock()
		e.portalRequested = false
		e.mu.Unlock()
	}
}

func (e *Engine) onCaptivePortal(m *ipc.Message) *ipc.Message {
	if errText, failed := m.Get(ipc.AttrError); failed {
		core.Log.Warnf("Engine", "Captive portal check failed: %s", errText)
		e.mu.Lock()
		e.portalRequested = false
		e.mu.Unlock()
		return nil
	}
	v, _ := m.Get(ipc.AttrPortal)
	detected, _ := strconv.ParseBool(v)

	// A flagged portal blocks further checks on this network; a clean
	// answer lets the next degradation ask again.
	e.mu.Lock()
	e.portalRequested = false
	if detected {
		e.portalFlagged = true
	}
	e.mu.Unlock()

	e.publish(core.EventCaptivePortal, core.CaptivePortalPayload{Detected: detected})
	if detected {
		e.notifier.Notify(NotifyCaptivePortal, "Sign-in required",
			"This network needs you to sign in through a browser before the tunnel can pass traffic")
	}
	return nil
}

func (e *Engine) publish(t core.EventType, payload any) {
	if e.bus != nil {
		e.bus.Publish(core.Event{Type: t, Payload: payload})
	}
}
