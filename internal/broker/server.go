package broker

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"wgbroker/internal/core"
	"wgbroker/internal/ipc"
	"wgbroker/internal/winsvc"
)

// Server answers the UI's commands inside the elevated helper.
type Server struct {
	svc         winsvc.Manager
	tunnel      string
	dialTimeout time.Duration
	prober      PortalProber
	dial        func(name string, timeout time.Duration) (net.Conn, error)
	pid         int

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewServer creates the command server for one tunnel.
func NewServer(svc winsvc.Manager, tunnel string, timings core.Timings, prober PortalProber) *Server {
	return &Server{
		svc:         svc,
		tunnel:      tunnel,
		dialTimeout: timings.DialTimeout,
		prober:      prober,
		dial:        ipc.DialDriver,
		pid:         os.Getpid(),
	}
}

// Attach registers every handler on t.
func (s *Server) Attach(t *ipc.Transport) {
	t.Handle(ipc.CmdRequestPid, s.handleRequestPid)
	t.Handle(ipc.CmdConnect, s.async(t, s.handleConnect))
	t.Handle(ipc.CmdDisconnect, s.async(t, s.handleDisconnect))
	t.Handle(ipc.CmdConnectionStatus, s.async(t, s.handleStatus))
	t.Handle(ipc.CmdDetectCaptivePortal, s.async(t, s.handleCaptivePortal))
	t.Handle(ipc.CmdSetTunnelConfig, s.async(t, s.handleSetConfig))
}

// Wait stops accepting slow commands and blocks until in-flight handlers
// have replied. Commands dispatched afterwards are dropped.
func (s *Server) Wait() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()
}

// async runs slow handlers off the read loop so heartbeats keep flowing.
func (s *Server) async(t *ipc.Transport, h func(*ipc.Message) *ipc.Message) ipc.HandlerFunc {
	return func(m *ipc.Message) *ipc.Message {
		if m.Reply {
			return nil
		}
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			core.Log.Debugf("Broker", "Dropping %s after shutdown", m.Command)
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			reply := h(m)
			reply.Command, reply.Seq, reply.Reply = m.Command, m.Seq, true
			t.WriteMessage(reply)
		}()
		return nil
	}
}

func (s *Server) handleRequestPid(m *ipc.Message) *ipc.Message {
	return m.ReplyTo().Add(ipc.AttrPid, strconv.Itoa(s.pid))
}

func (s *Server) handleConnect(m *ipc.Message) *ipc.Message {
	reply := m.ReplyTo()
	path, ok := m.Get(ipc.AttrConfigPath)
	if !ok || path == "" {
		return reply.Add(ipc.AttrError, "missing config_path")
	}
	core.Log.Infof("Broker", "Installing tunnel service for %s", path)
	if err := s.svc.InstallAndStart(path); err != nil {
		core.Log.Errorf("Broker", "InstallAndStart: %v", err)
		return addError(reply, err)
	}
	return reply
}

func (s *Server) handleDisconnect(m *ipc.Message) *ipc.Message {
	reply := m.ReplyTo()
	core.Log.Infof("Broker", "Removing tunnel service")
	if err := s.svc.StopAndRemove(); err != nil {
		core.Log.Errorf("Broker", "StopAndRemove: %v", err)
		return addError(reply, err)
	}
	return reply
}

// handleStatus relays a "get" to the driver. When the driver cannot be
// reached or refuses, the reply carries only error_code.
func (s *Server) handleStatus(m *ipc.Message) *ipc.Message {
	resp, err := s.exchange(m)
	if err != nil {
		core.Log.Debugf("Broker", "Driver status: %v", err)
		return m.ReplyTo().Add(ipc.AttrErrorCode, "unreachable")
	}
	if errno := ipc.Errno(resp); errno != 0 {
		return m.ReplyTo().Add(ipc.AttrErrorCode, strconv.Itoa(errno))
	}
	return resp
}

func (s *Server) handleSetConfig(m *ipc.Message) *ipc.Message {
	resp, err := s.exchange(m)
	if err != nil {
		core.Log.Errorf("Broker", "Driver set: %v", err)
		return addError(m.ReplyTo(), err).Add(ipc.AttrErrno, "-1")
	}
	return resp
}

func (s *Server) exchange(m *ipc.Message) (*ipc.Message, error) {
	conn, err := s.dial(s.tunnel, s.dialTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return ipc.ExchangeUAPI(conn, m, s.dialTimeout)
}

func (s *Server) handleCaptivePortal(m *ipc.Message) *ipc.Message {
	reply := m.ReplyTo()
	if s.prober == nil {
		return reply.Add(ipc.AttrError, "captive portal detection disabled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	portal, err := s.prober.Detect(ctx)
	if err != nil {
		core.Log.Warnf("Broker", "Captive portal probe: %v", err)
		return addError(reply, err)
	}
	core.Log.Infof("Broker", "Captive portal probe: portal=%t", portal)
	return reply.Add(ipc.AttrPortal, strconv.FormatBool(portal))
}

func addError(reply *ipc.Message, err error) *ipc.Message {
	reply.Add(ipc.AttrError, err.Error())
	var se *winsvc.ServiceError
	if errors.As(err, &se) && se.Code() != 0 {
		reply.Add(ipc.AttrErrorCode, strconv.FormatUint(uint64(se.Code()), 10))
	}
	return reply
}
