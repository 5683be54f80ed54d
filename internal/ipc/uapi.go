package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// The tunnel driver speaks the WireGuard cross-platform UAPI: one request per
// connection, newline separated key=value lines terminated by a blank line.

// EncodeUAPI writes msg as a UAPI request. ConnectionStatus becomes "get=1";
// SetTunnelConfig becomes "set=1" followed by the message attributes.
func EncodeUAPI(w io.Writer, msg *Message) error {
	var b strings.Builder
	switch msg.Command {
	case CmdConnectionStatus:
		b.WriteString("get=1\n")
	case CmdSetTunnelConfig:
		b.WriteString("set=1\n")
		for _, a := range msg.Attrs {
			if strings.ContainsAny(a.Name, "=\n") || strings.Contains(a.Value, "\n") {
				return fmt.Errorf("ipc: invalid uapi attribute %q", a.Name)
			}
			b.WriteString(a.Name)
			b.WriteByte('=')
			b.WriteString(a.Value)
			b.WriteByte('\n')
		}
	default:
		return fmt.Errorf("ipc: %s has no uapi form", msg.Command)
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// ReadUAPIResponse reads key=value lines up to the terminating blank line and
// returns them as the attributes of a reply to cmd. The errno line is kept
// as an attribute.
func ReadUAPIResponse(r io.Reader, cmd Command) (*Message, error) {
	reply := &Message{Command: cmd, Reply: true}
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			if err != nil && len(reply.Attrs) == 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return reply, nil
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: uapi line %q", ErrMalformed, line)
		}
		reply.Add(key, value)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return reply, nil
			}
			return nil, err
		}
	}
}

// deadliner is implemented by net.Conn and by pipe files.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// ExchangeUAPI performs one request/response round trip on conn. A zero
// timeout means no deadline.
func ExchangeUAPI(conn io.ReadWriter, msg *Message, timeout time.Duration) (*Message, error) {
	if d, ok := conn.(deadliner); ok && timeout > 0 {
		_ = d.SetDeadline(time.Now().Add(timeout))
	}
	if err := EncodeUAPI(conn, msg); err != nil {
		return nil, err
	}
	return ReadUAPIResponse(conn, msg.Command)
}

// Errno returns the driver's errno attribute. A missing or unparsable value
// is reported as -1.
func Errno(m *Message) int {
	v, ok := m.Get(AttrErrno)
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return -1
	}
	return n
}
