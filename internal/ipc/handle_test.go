package ipc

import (
	"testing"
	"time"
)

func TestDuplexCloseUnblocksRead(t *testing.T) {
	inR, inW, err := NewPipePair()
	if err != nil {
		t.Fatal(err)
	}
	outR, outW, err := NewPipePair()
	if err != nil {
		t.Fatal(err)
	}
	// The peer keeps its ends open, so only Close can end the Read.
	defer CloseAll(inW, outR)

	d, err := NewDuplex(inR, outW)
	if err != nil {
		t.Fatal(err)
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Read(make([]byte, 16))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	d.Close()
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("Read returned no error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read still blocked after Close")
	}
}
