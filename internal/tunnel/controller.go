package tunnel

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"wgbroker/internal/core"
	"wgbroker/internal/ipc"
)

var (
	// ErrNoBroker is returned by a Broker with no live session.
	ErrNoBroker = errors.New("tunnel: no broker session")
	// ErrDriverUnavailable means the driver control pipe could not be reached.
	ErrDriverUnavailable = errors.New("tunnel: driver unavailable")
)

// Broker carries commands to the elevated helper.
type Broker interface {
	Send(msg *ipc.Message) bool
	Request(ctx context.Context, msg *ipc.Message) (*ipc.Message, error)
	Handle(cmd ipc.Command, h ipc.HandlerFunc)
}

// ServiceStatus reports whether the privileged tunnel service is up.
type ServiceStatus interface {
	IsRunning() bool
}

// DialFunc opens the driver control pipe for a tunnel.
type DialFunc func(name string, timeout time.Duration) (net.Conn, error)

// Controller turns user intent into broker commands and driver telemetry
// into ConnectionStatus values.
type Controller struct {
	broker  Broker
	service ServiceStatus
	name    string
	timings core.Timings
	dial    DialFunc
	now     func() time.Time

	mu            sync.Mutex
	connecting    time.Time
	disconnecting time.Time
	upSince       time.Time
}

// NewController wires a controller for the named tunnel.
func NewController(b Broker, svc ServiceStatus, name string, timings core.Timings) *Controller {
	c := &Controller{
		broker:  b,
		service: svc,
		name:    name,
		timings: timings,
		dial:    ipc.DialDriver,
		now:     time.Now,
	}
	b.Handle(ipc.CmdConnect, c.onConnectReply)
	b.Handle(ipc.CmdDisconnect, c.onDisconnectReply)
	return c
}

// Connect asks the broker to install and start the tunnel service.
func (c *Controller) Connect(configPath string) bool {
	msg := ipc.NewMessage(ipc.CmdConnect).Add(ipc.AttrConfigPath, configPath)
	if !c.broker.Send(msg) {
		core.Log.Warnf("Tunnel", "Connect not sent")
		return false
	}
	now := c.now()
	c.mu.Lock()
	c.connecting = now
	c.disconnecting = time.Time{}
	c.upSince = now
	c.mu.Unlock()
	core.Log.Infof("Tunnel", "Connect requested (%s)", configPath)
	return true
}

// Disconnect asks the broker to stop and remove the tunnel service.
func (c *Controller) Disconnect() bool {
	if !c.broker.Send(ipc.NewMessage(ipc.CmdDisconnect)) {
		core.Log.Warnf("Tunnel", "Disconnect not sent")
		return false
	}
	c.mu.Lock()
	c.disconnecting = c.now()
	c.connecting = time.Time{}
	c.mu.Unlock()
	core.Log.Infof("Tunnel", "Disconnect requested")
	return true
}

func (c *Controller) onConnectReply(m *ipc.Message) *ipc.Message {
	if errText, failed := m.Get(ipc.AttrError); failed {
		core.Log.Errorf("Tunnel", "Broker failed to start tunnel: %s", errText)
		c.mu.Lock()
		c.connecting = time.Time{}
		c.mu.Unlock()
	}
	return nil
}

func (c *Controller) onDisconnectReply(m *ipc.Message) *ipc.Message {
	if errText, failed := m.Get(ipc.AttrError); failed {
		core.Log.Errorf("Tunnel", "Broker failed to stop tunnel: %s", errText)
	}
	c.mu.Lock()
	c.disconnecting = time.Time{}
	c.mu.Unlock()
	return nil
}

// flags returns the unexpired local intent flags.
func (c *Controller) flags() (connecting, disconnecting bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connecting.IsZero() && now.Sub(c.connecting) > c.timings.ConnectTimeout {
		core.Log.Warnf("Tunnel", "Connect did not complete within %s", c.timings.ConnectTimeout)
		c.connecting = time.Time{}
	}
	if !c.disconnecting.IsZero() && now.Sub(c.disconnecting) > c.timings.DisconnectTimeout {
		c.disconnecting = time.Time{}
	}
	return !c.connecting.IsZero(), !c.disconnecting.IsZero()
}

// IsConnecting reports whether a Connect is still pending.
func (c *Controller) IsConnecting() bool {
	connecting, _ := c.flags()
	return connecting
}

// Uptime returns the time since the last Connect.
func (c *Controller) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.upSince.IsZero() {
		return 0
	}
	return c.now().Sub(c.upSince)
}

func (c *Controller) settleConnected() {
	c.mu.Lock()
	c.connecting = time.Time{}
	if c.upSince.IsZero() {
		c.upSince = c.now()
	}
	c.mu.Unlock()
}

// RequestStatus produces a fresh status. It never fails: anything it cannot
// learn is reported as unknown.
func (c *Controller) RequestStatus(ctx context.Context) ConnectionStatus {
	connecting, disconnecting := c.flags()

	if !c.service.IsRunning() {
		switch {
		case disconnecting:
			return ConnectionStatus{State: Disconnecting}
		case connecting:
			return ConnectionStatus{State: Connecting}
		default:
			c.mu.Lock()
			c.upSince = time.Time{}
			c.mu.Unlock()
			return ConnectionStatus{State: Unprotected}
		}
	}
	if disconnecting {
		return ConnectionStatus{State: Disconnecting}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timings.DialTimeout)
	defer cancel()
	reply, err := c.broker.Request(reqCtx, ipc.NewMessage(ipc.CmdConnectionStatus))
	if err != nil {
		if !errors.Is(err, ErrNoBroker) {
			core.Log.Debugf("Tunnel", "Status request failed: %v", err)
		}
		if connecting {
			return ConnectionStatus{State: Connecting}
		}
		return ConnectionStatus{State: Protected}
	}

	if code, ok := reply.Get(ipc.AttrErrorCode); ok {
		c.settleConnected()
		return ConnectionStatus{State: Protected, Stability: NoSignal, ErrorCode: code}
	}

	// Without a handshake the tunnel stays Connecting only while the connect
	// flag is live; after that it is Protected and left to the classifier.
	st := ParseStatus(reply)
	if st.LastHandshake.IsZero() && connecting {
		st.State = Connecting
		return st
	}
	c.settleConnected()
	st.State = Protected
	return st
}

// SwitchServer replaces the driver's peer set with a single new peer. It
// talks to the driver pipe directly and falls back to the broker relay when
// the pipe is not reachable from this process.
func (c *Controller) SwitchServer(ctx context.Context, endpoint string, publicKey []byte, allowedIPs []string) bool {
	if len(publicKey) != KeySize {
		core.Log.Errorf("Tunnel", "Switch: public key is %d bytes", len(publicKey))
		return false
	}
	msg := ipc.NewMessage(ipc.CmdSetTunnelConfig).
		Add(ipc.AttrReplacePeers, "true").
		Add(ipc.AttrPublicKey, hex.EncodeToString(publicKey)).
		Add(ipc.AttrEndpoint, endpoint)
	for _, ip := range allowedIPs {
		msg.Add(ipc.AttrAllowedIP, ip)
	}

	reply, err := c.setDirect(msg)
	if errors.Is(err, ErrDriverUnavailable) {
		core.Log.Debugf("Tunnel", "Switch: %v, relaying through broker", err)
		reqCtx, cancel := context.WithTimeout(ctx, c.timings.DialTimeout)
		reply, err = c.broker.Request(reqCtx, msg)
		cancel()
	}
	if err != nil {
		core.Log.Errorf("Tunnel", "Switch to %s failed: %v", endpoint, err)
		return false
	}
	if errno := ipc.Errno(reply); errno != 0 {
		core.Log.Errorf("Tunnel", "Switch to %s rejected by driver: errno=%d", endpoint, errno)
		return false
	}
	core.Log.Infof("Tunnel", "Switched to %s", endpoint)
	return true
}

func (c *Controller) setDirect(msg *ipc.Message) (*ipc.Message, error) {
	conn, err := c.dial(c.name, c.timings.DialTimeout)
	if err != nil {
		return nil, errors.Join(ErrDriverUnavailable, err)
	}
	defer conn.Close()
	return ipc.ExchangeUAPI(conn, msg, c.timings.DialTimeout)
}

// DriverProbe reports the tunnel service as running when its driver control
// pipe accepts connections.
type DriverProbe struct {
	Name    string
	Timeout time.Duration
}

// IsRunning dials and immediately closes the control pipe. A pipe that
// exists but refuses this user still counts as running.
func (p DriverProbe) IsRunning() bool {
	conn, err := ipc.DialDriver(p.Name, p.Timeout)
	if err != nil {
		return errors.Is(err, os.ErrPermission)
	}
	conn.Close()
	return true
}
