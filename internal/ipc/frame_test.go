package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"bare", &Message{Command: CmdRequestPid}},
		{"reply", &Message{Command: CmdRequestPid, Seq: 42, Reply: true, Attrs: []Attribute{{AttrPid, "1234"}}}},
		{"repeated", NewMessage(CmdSetTunnelConfig).
			Add(AttrPublicKey, "abc").
			Add(AttrAllowedIP, "0.0.0.0/0").
			Add(AttrAllowedIP, "::/0")},
		{"empty value", NewMessage(CmdConnect).Add(AttrConfigPath, "").Add("x", "y")},
		{"unicode", NewMessage(CmdConnect).Add(AttrConfigPath, `C:\Users\Jürgen\тоннель.conf`)},
		{"large seq", &Message{Command: CmdDisconnect, Seq: 1<<63 + 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tt.msg); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			got, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if !got.Equal(tt.msg) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, tt.msg)
			}
			if buf.Len() != 0 {
				t.Errorf("%d bytes left in stream", buf.Len())
			}
		})
	}
}

func TestAttributeOrderPreserved(t *testing.T) {
	msg := NewMessage(CmdConnectionStatus).Add("b", "1").Add("a", "2").Add("b", "3")
	got, err := Unmarshal(Marshal(msg))
	if err != nil {
		t.Fatal(err)
	}
	if vals := got.GetAll("b"); len(vals) != 2 || vals[0] != "1" || vals[1] != "3" {
		t.Errorf("GetAll(b) = %v", vals)
	}
	if v, _ := got.Get("a"); v != "2" {
		t.Errorf("Get(a) = %q", v)
	}
	if got.Has("missing") {
		t.Error("Has(missing) = true")
	}
}

func frameOf(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

func TestMalformedFrameLeavesStreamAligned(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(frameOf([]byte{0xff, 0xff, 0xff}))
	if err := WriteFrame(&buf, NewMessage(CmdRequestPid)); err != nil {
		t.Fatal(err)
	}

	if _, err := ReadFrame(&buf); !errors.Is(err, ErrMalformed) {
		t.Fatalf("first frame err = %v, want ErrMalformed", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if got.Command != CmdRequestPid {
		t.Errorf("command = %s", got.Command)
	}
}

func TestOversizedFrameSkipped(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	buf.Write(hdr[:])
	buf.Write(make([]byte, MaxFrameSize+1))
	WriteFrame(&buf, NewMessage(CmdDisconnect))

	if _, err := ReadFrame(&buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
	if got, err := ReadFrame(&buf); err != nil || got.Command != CmdDisconnect {
		t.Fatalf("next frame = %v, %v", got, err)
	}
}

func TestMissingCommandRejected(t *testing.T) {
	if _, err := Unmarshal(nil); !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, NewMessage(CmdConnect).Add(AttrConfigPath, "/etc/wg0.conf"))
	short := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
	if _, err := ReadFrame(short); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want ErrUnexpectedEOF", err)
	}
}

func TestCommandString(t *testing.T) {
	if CmdDetectCaptivePortal.String() != "DetectCaptivePortal" {
		t.Errorf("String() = %q", CmdDetectCaptivePortal.String())
	}
	if Command(99).String() != "Command(99)" {
		t.Errorf("String() = %q", Command(99).String())
	}
}
