// Package ipc implements the framed command protocol spoken between the UI
// process, the elevated broker and the tunnel driver.
package ipc

import (
	"fmt"
	"strconv"
)

// Command identifies what a Message asks for or answers.
type Command uint32

const (
	CmdUnknown Command = iota
	CmdConnect
	CmdDisconnect
	CmdRequestPid
	CmdConnectionStatus
	CmdDetectCaptivePortal
	CmdSetTunnelConfig
)

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "Connect"
	case CmdDisconnect:
		return "Disconnect"
	case CmdRequestPid:
		return "RequestPid"
	case CmdConnectionStatus:
		return "ConnectionStatus"
	case CmdDetectCaptivePortal:
		return "DetectCaptivePortal"
	case CmdSetTunnelConfig:
		return "SetTunnelConfig"
	default:
		return "Command(" + strconv.FormatUint(uint64(c), 10) + ")"
	}
}

// Attribute names shared by the broker and driver vocabularies.
const (
	AttrConfigPath    = "config_path"
	AttrErrno         = "errno"
	AttrErrorCode     = "error_code"
	AttrError         = "error"
	AttrPid           = "pid"
	AttrPortal        = "captive_portal"
	AttrPublicKey     = "public_key"
	AttrEndpoint      = "endpoint"
	AttrAllowedIP     = "allowed_ip"
	AttrRxBytes       = "rx_bytes"
	AttrTxBytes       = "tx_bytes"
	AttrHandshakeSec  = "last_handshake_time_sec"
	AttrHandshakeNsec = "last_handshake_time_nsec"
	AttrReplacePeers  = "replace_peers"
	AttrListenPort    = "listen_port"
)

// Attribute is one name/value pair. Names may repeat within a message.
type Attribute struct {
	Name  string
	Value string
}

// Message is a command plus an ordered attribute multimap. Seq and Reply
// correlate a reply with the request that caused it.
type Message struct {
	Command Command
	Attrs   []Attribute
	Seq     uint64
	Reply   bool
}

// NewMessage returns a request for cmd.
func NewMessage(cmd Command) *Message {
	return &Message{Command: cmd}
}

// ReplyTo returns an empty reply correlated with m.
func (m *Message) ReplyTo() *Message {
	return &Message{Command: m.Command, Seq: m.Seq, Reply: true}
}

// Add appends an attribute and returns m for chaining.
func (m *Message) Add(name, value string) *Message {
	m.Attrs = append(m.Attrs, Attribute{Name: name, Value: value})
	return m
}

// Get returns the first value of name.
func (m *Message) Get(name string) (string, bool) {
	for _, a := range m.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// GetAll returns every value of name in order.
func (m *Message) GetAll(name string) []string {
	var out []string
	for _, a := range m.Attrs {
		if a.Name == name {
			out = append(out, a.Value)
		}
	}
	return out
}

// Has reports whether name appears at least once.
func (m *Message) Has(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Equal compares command, correlation fields and the attribute sequence.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.Command != o.Command || m.Seq != o.Seq || m.Reply != o.Reply || len(m.Attrs) != len(o.Attrs) {
		return false
	}
	for i := range m.Attrs {
		if m.Attrs[i] != o.Attrs[i] {
			return false
		}
	}
	return true
}

func (m *Message) String() string {
	kind := "request"
	if m.Reply {
		kind = "reply"
	}
	return fmt.Sprintf("%s %s #%d (%d attrs)", m.Command, kind, m.Seq, len(m.Attrs))
}
