//go:build windows

package ipc

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/windows"
)

func closeHandle(h uintptr) error {
	return windows.CloseHandle(windows.Handle(h))
}

func newFile(h uintptr, name string) (*os.File, error) {
	return os.NewFile(h, name), nil
}

var procCancelSynchronousIo = windows.NewLazySystemDLL("kernel32.dll").NewProc("CancelSynchronousIo")

// Anonymous pipes are synchronous, and closing the handle does not wake a
// ReadFile already waiting on it. syncReader remembers the thread blocked
// in Read so Close can cancel that call.
type syncReader struct {
	f *os.File

	mu     sync.Mutex
	thread windows.Handle
	closed bool
}

func newReadEnd(f *os.File) io.ReadCloser { return &syncReader{f: f} }

func (r *syncReader) Read(p []byte) (int, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	th, err := windows.OpenThread(windows.THREAD_TERMINATE, false, windows.GetCurrentThreadId())
	if err != nil {
		return r.f.Read(p)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		windows.CloseHandle(th)
		return 0, os.ErrClosed
	}
	r.thread = th
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.thread = 0
		r.mu.Unlock()
		windows.CloseHandle(th)
	}()
	return r.f.Read(p)
}

// Close cancels a pending Read, retrying briefly in case the reader had not
// entered ReadFile yet, then closes the handle.
func (r *syncReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	for i := 0; i < 50; i++ {
		r.mu.Lock()
		th := r.thread
		if th != 0 {
			procCancelSynchronousIo.Call(uintptr(th))
		}
		r.mu.Unlock()
		if th == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return r.f.Close()
}

// NewPipePair creates one anonymous unidirectional pipe.
func NewPipePair() (read, write *PipeEndpoint, err error) {
	var r, w windows.Handle
	if err := windows.CreatePipe(&r, &w, nil, 0); err != nil {
		return nil, nil, fmt.Errorf("ipc: CreatePipe: %w", err)
	}
	return newEndpoint(uintptr(r)), newEndpoint(uintptr(w)), nil
}

// TransferToSelf duplicates ep within this process with DUPLICATE_CLOSE_SOURCE,
// so the original handle value is dead once the call returns. ep is invalid
// afterwards whether or not the call succeeds.
func TransferToSelf(ep *PipeEndpoint) (*PipeEndpoint, error) {
	h, err := ep.Release()
	if err != nil {
		return nil, err
	}
	self := windows.CurrentProcess()
	var dup windows.Handle
	err = windows.DuplicateHandle(self, windows.Handle(h), self, &dup, 0, false,
		windows.DUPLICATE_SAME_ACCESS|windows.DUPLICATE_CLOSE_SOURCE)
	if err != nil {
		return nil, fmt.Errorf("ipc: DuplicateHandle: %w", err)
	}
	return newEndpoint(uintptr(dup)), nil
}

// AdoptFromProcess pulls a handle value out of the parent process into this
// one, closing the parent's copy.
func AdoptFromProcess(parentPid int, value uintptr) (*PipeEndpoint, error) {
	parent, err := windows.OpenProcess(windows.PROCESS_DUP_HANDLE|windows.SYNCHRONIZE, false, uint32(parentPid))
	if err != nil {
		return nil, fmt.Errorf("ipc: OpenProcess %d: %w", parentPid, err)
	}
	defer windows.CloseHandle(parent)

	var dup windows.Handle
	err = windows.DuplicateHandle(parent, windows.Handle(value), windows.CurrentProcess(), &dup, 0, false,
		windows.DUPLICATE_SAME_ACCESS|windows.DUPLICATE_CLOSE_SOURCE)
	if err != nil {
		return nil, fmt.Errorf("ipc: DuplicateHandle from %d: %w", parentPid, err)
	}
	return newEndpoint(uintptr(dup)), nil
}
