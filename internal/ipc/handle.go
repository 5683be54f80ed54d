package ipc

import (
	"errors"
	"io"
	"os"
	"sync"
)

// ErrHandleClosed is returned when an endpoint is used after Close or
// Release. A closed endpoint never becomes valid again.
var ErrHandleClosed = errors.New("ipc: pipe handle closed")

// PipeEndpoint owns one OS pipe handle (a HANDLE on Windows, a file
// descriptor elsewhere). Pass it by pointer only; ownership moves out through
// Release, File or a transfer function, each of which invalidates it.
type PipeEndpoint struct {
	mu    sync.Mutex
	h     uintptr
	valid bool
}

func newEndpoint(h uintptr) *PipeEndpoint {
	return &PipeEndpoint{h: h, valid: true}
}

// Value returns the raw handle, or 0 once the endpoint is invalid.
func (p *PipeEndpoint) Value() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.valid {
		return 0
	}
	return p.h
}

// Valid reports whether the endpoint still owns its handle.
func (p *PipeEndpoint) Valid() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.valid
}

// Close closes the handle. Closing an invalid endpoint is a no-op.
func (p *PipeEndpoint) Close() error {
	if p == nil {
		return nil
	}
	h, ok := p.take()
	if !ok {
		return nil
	}
	return closeHandle(h)
}

// Release gives up ownership without closing and returns the raw handle.
func (p *PipeEndpoint) Release() (uintptr, error) {
	h, ok := p.take()
	if !ok {
		return 0, ErrHandleClosed
	}
	return h, nil
}

// File converts the endpoint into an *os.File that now owns the handle.
func (p *PipeEndpoint) File(name string) (*os.File, error) {
	h, ok := p.take()
	if !ok {
		return nil, ErrHandleClosed
	}
	return newFile(h, name)
}

func (p *PipeEndpoint) take() (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.valid {
		return 0, false
	}
	p.valid = false
	h := p.h
	p.h = 0
	return h, true
}

// CloseAll closes every valid endpoint in eps.
func CloseAll(eps ...*PipeEndpoint) {
	for _, ep := range eps {
		ep.Close()
	}
}

// Duplex joins a read and a write pipe into one stream.
type Duplex struct {
	r         io.ReadCloser
	w         *os.File
	closeOnce sync.Once
	closeErr  error
}

// NewDuplex consumes both endpoints.
func NewDuplex(read, write *PipeEndpoint) (*Duplex, error) {
	r, err := read.File("pipe-read")
	if err != nil {
		write.Close()
		return nil, err
	}
	w, err := write.File("pipe-write")
	if err != nil {
		r.Close()
		return nil, err
	}
	return &Duplex{r: newReadEnd(r), w: w}, nil
}

func (d *Duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *Duplex) Write(p []byte) (int, error) { return d.w.Write(p) }

// Close closes the write side first so the peer sees EOF, then the read side.
// A Read blocked on the read side returns once Close is called.
func (d *Duplex) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = errors.Join(d.w.Close(), d.r.Close())
	})
	return d.closeErr
}

var _ io.ReadWriteCloser = (*Duplex)(nil)
