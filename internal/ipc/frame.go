package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds a single encoded message body.
const MaxFrameSize = 1 << 20

// Frame body field numbers.
const (
	fieldCommand   protowire.Number = 1
	fieldAttribute protowire.Number = 2
	fieldSeq       protowire.Number = 3
	fieldReply     protowire.Number = 4

	fieldAttrName  protowire.Number = 1
	fieldAttrValue protowire.Number = 2
)

var (
	// ErrFrameTooLarge is returned for frames above MaxFrameSize. The frame
	// has already been consumed from the stream.
	ErrFrameTooLarge = errors.New("ipc: frame too large")
	// ErrMalformed is returned when a frame body cannot be decoded. The frame
	// has already been consumed from the stream.
	ErrMalformed = errors.New("ipc: malformed frame")
)

// Marshal encodes the message body without the length prefix.
func Marshal(m *Message) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldCommand, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Command))
	for _, a := range m.Attrs {
		var sub []byte
		sub = protowire.AppendTag(sub, fieldAttrName, protowire.BytesType)
		sub = protowire.AppendString(sub, a.Name)
		sub = protowire.AppendTag(sub, fieldAttrValue, protowire.BytesType)
		sub = protowire.AppendString(sub, a.Value)
		b = protowire.AppendTag(b, fieldAttribute, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	if m.Seq != 0 {
		b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Seq)
	}
	if m.Reply {
		b = protowire.AppendTag(b, fieldReply, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

// Unmarshal decodes a message body. Unknown fields are skipped.
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldCommand && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: command: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Command = Command(v)
			b = b[n:]
		case num == fieldAttribute && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: attribute: %v", ErrMalformed, protowire.ParseError(n))
			}
			a, err := unmarshalAttribute(v)
			if err != nil {
				return nil, err
			}
			m.Attrs = append(m.Attrs, a)
			b = b[n:]
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: seq: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Seq = v
			b = b[n:]
		case num == fieldReply && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: reply: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Reply = protowire.DecodeBool(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if m.Command == CmdUnknown {
		return nil, fmt.Errorf("%w: missing command", ErrMalformed)
	}
	return m, nil
}

func unmarshalAttribute(b []byte) (Attribute, error) {
	var a Attribute
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return a, fmt.Errorf("%w: attribute tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType || (num != fieldAttrName && num != fieldAttrValue) {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return a, fmt.Errorf("%w: attribute field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return a, fmt.Errorf("%w: attribute value: %v", ErrMalformed, protowire.ParseError(n))
		}
		if !utf8.ValidString(v) {
			return a, fmt.Errorf("%w: attribute is not UTF-8", ErrMalformed)
		}
		if num == fieldAttrName {
			a.Name = v
		} else {
			a.Value = v
		}
		b = b[n:]
	}
	if a.Name == "" {
		return a, fmt.Errorf("%w: attribute without name", ErrMalformed)
	}
	return a, nil
}

// WriteFrame writes m as one length-prefixed frame in a single Write call.
func WriteFrame(w io.Writer, m *Message) error {
	body := Marshal(m)
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	n, err := w.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return io.ErrShortWrite
	}
	return nil
}

// ReadFrame reads one frame. ErrFrameTooLarge and ErrMalformed leave the
// stream positioned at the next frame; any other error is terminal.
func ReadFrame(r io.Reader) (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Unmarshal(body)
}
