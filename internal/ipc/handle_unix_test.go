//go:build !windows

package ipc

import (
	"errors"
	"io"
	"os"
	"testing"
)

func TestPipeEndpointLifecycle(t *testing.T) {
	r, w, err := NewPipePair()
	if err != nil {
		t.Fatal(err)
	}
	defer CloseAll(r, w)

	if !r.Valid() || !w.Valid() {
		t.Fatal("new endpoints should be valid")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if w.Valid() || w.Value() != 0 {
		t.Error("closed endpoint still valid")
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if _, err := w.Release(); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("Release after Close = %v", err)
	}
	if _, err := w.File("x"); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("File after Close = %v", err)
	}
}

func TestTransferToSelfInvalidatesSource(t *testing.T) {
	r, w, err := NewPipePair()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	moved, err := TransferToSelf(w)
	if err != nil {
		t.Fatal(err)
	}
	if w.Valid() {
		t.Error("source still valid after transfer")
	}

	wf, err := moved.File("w")
	if err != nil {
		t.Fatal(err)
	}
	rf, err := r.File("r")
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()

	go func() {
		wf.Write([]byte("ping"))
		wf.Close()
	}()
	got, err := io.ReadAll(rf)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ping" {
		t.Errorf("read %q", got)
	}
}

func TestAdoptFromProcess(t *testing.T) {
	r, w, err := NewPipePair()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	raw, _ := w.Release()

	adopted, err := AdoptFromProcess(os.Getpid(), raw)
	if err != nil {
		t.Fatal(err)
	}
	defer adopted.Close()
	if adopted.Value() == raw {
		t.Error("adopted endpoint reuses the inherited descriptor")
	}
}

func TestDuplexOverPipes(t *testing.T) {
	ar, bw, err := NewPipePair()
	if err != nil {
		t.Fatal(err)
	}
	br, aw, err := NewPipePair()
	if err != nil {
		t.Fatal(err)
	}
	a, err := NewDuplex(ar, aw)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewDuplex(br, bw)
	if err != nil {
		t.Fatal(err)
	}

	ta := NewTransport("a", a)
	tb := NewTransport("b", b)
	tb.Handle(CmdRequestPid, func(m *Message) *Message {
		return m.ReplyTo().Add(AttrPid, "7")
	})
	ta.Start()
	tb.Start()

	if !ta.WriteMessage(NewMessage(CmdRequestPid)) {
		t.Fatal("write failed")
	}
	ta.Close()
	<-tb.Done()
	tb.Close()
}
