package ipc

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"wgbroker/internal/core"
)

// ErrTransportClosed is returned for requests on a closed transport.
var ErrTransportClosed = errors.New("ipc: transport closed")

// HandlerFunc handles one inbound request. A non-nil return value is sent
// back as the reply; handlers that answer later use WriteMessage themselves.
type HandlerFunc func(*Message) *Message

// Transport runs the message protocol over one duplex stream. A single
// goroutine reads and dispatches; writes from any goroutine are serialized.
type Transport struct {
	name string
	rwc  io.ReadWriteCloser

	wmu sync.Mutex

	mu        sync.Mutex
	handlers  map[Command]HandlerFunc
	pending   map[uint64]chan *Message
	onTraffic func()

	seq       atomic.Uint64
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// NewTransport wraps rwc. name only appears in log lines.
func NewTransport(name string, rwc io.ReadWriteCloser) *Transport {
	return &Transport{
		name:     name,
		rwc:      rwc,
		handlers: make(map[Command]HandlerFunc),
		pending:  make(map[uint64]chan *Message),
		done:     make(chan struct{}),
	}
}

// Handle registers h for requests (and unsolicited replies) carrying cmd.
func (t *Transport) Handle(cmd Command, h HandlerFunc) {
	t.mu.Lock()
	t.handlers[cmd] = h
	t.mu.Unlock()
}

// OnTraffic registers a callback run for every decoded inbound frame.
func (t *Transport) OnTraffic(fn func()) {
	t.mu.Lock()
	t.onTraffic = fn
	t.mu.Unlock()
}

// Start launches the read loop. Calling it again is a no-op.
func (t *Transport) Start() {
	t.startOnce.Do(func() {
		go t.readLoop()
	})
}

// Done is closed once the transport has shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err returns the error that ended the read loop, if any.
func (t *Transport) Err() error {
	select {
	case <-t.done:
	default:
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close shuts the stream down. Safe to call more than once.
func (t *Transport) Close() error {
	return t.closeWith(nil)
}

func (t *Transport) closeWith(cause error) error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.err = cause
		t.mu.Unlock()
		close(t.done)
		err = t.rwc.Close()
	})
	return err
}

// WriteMessage sends msg as one frame. Requests without a sequence number
// get one assigned. It reports false on any write failure; the caller
// decides whether that warrants recovery.
func (t *Transport) WriteMessage(msg *Message) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	if msg.Seq == 0 && !msg.Reply {
		msg.Seq = t.seq.Add(1)
	}

	t.wmu.Lock()
	err := WriteFrame(t.rwc, msg)
	t.wmu.Unlock()
	if err != nil {
		core.Log.Warnf("IPC", "%s: write %s failed: %v", t.name, msg, err)
		return false
	}
	return true
}

// Request sends msg and waits for the reply carrying the same sequence
// number.
func (t *Transport) Request(ctx context.Context, msg *Message) (*Message, error) {
	msg.Reply = false
	msg.Seq = t.seq.Add(1)
	ch := make(chan *Message, 1)

	t.mu.Lock()
	t.pending[msg.Seq] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, msg.Seq)
		t.mu.Unlock()
	}()

	if !t.WriteMessage(msg) {
		return nil, ErrTransportClosed
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

func (t *Transport) readLoop() {
	for {
		msg, err := ReadFrame(t.rwc)
		if err != nil {
			if errors.Is(err, ErrMalformed) || errors.Is(err, ErrFrameTooLarge) {
				core.Log.Warnf("IPC", "%s: dropped frame: %v", t.name, err)
				continue
			}
			select {
			case <-t.done:
			default:
				if errors.Is(err, io.EOF) {
					core.Log.Infof("IPC", "%s: peer closed", t.name)
				} else {
					core.Log.Warnf("IPC", "%s: read failed: %v", t.name, err)
				}
			}
			t.closeWith(err)
			return
		}
		t.dispatch(msg)
	}
}

func (t *Transport) dispatch(msg *Message) {
	t.mu.Lock()
	onTraffic := t.onTraffic
	var waiter chan *Message
	if msg.Reply {
		waiter = t.pending[msg.Seq]
		delete(t.pending, msg.Seq)
	}
	h := t.handlers[msg.Command]
	t.mu.Unlock()

	if onTraffic != nil {
		onTraffic()
	}
	if waiter != nil {
		waiter <- msg
		return
	}
	if h == nil {
		core.Log.Debugf("IPC", "%s: no handler for %s", t.name, msg)
		return
	}
	if reply := h(msg); reply != nil && !msg.Reply {
		reply.Command = msg.Command
		reply.Seq = msg.Seq
		reply.Reply = true
		t.WriteMessage(reply)
	}
}
