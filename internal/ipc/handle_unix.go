//go:build !windows

package ipc

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

func closeHandle(h uintptr) error {
	return unix.Close(int(h))
}

func newFile(h uintptr, name string) (*os.File, error) {
	// Non-blocking descriptors go through the runtime poller, so Close
	// interrupts a pending Read.
	if err := unix.SetNonblock(int(h), true); err != nil {
		unix.Close(int(h))
		return nil, fmt.Errorf("ipc: set nonblock: %w", err)
	}
	return os.NewFile(h, name), nil
}

// newReadEnd needs nothing extra here: closing a pollable descriptor
// already wakes a pending Read.
func newReadEnd(f *os.File) io.ReadCloser { return f }

// NewPipePair creates one unidirectional pipe.
func NewPipePair() (read, write *PipeEndpoint, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, nil, fmt.Errorf("ipc: pipe: %w", err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return newEndpoint(uintptr(fds[0])), newEndpoint(uintptr(fds[1])), nil
}

// TransferToSelf duplicates ep to a new descriptor and closes the original.
// ep is invalid afterwards whether or not the call succeeds.
func TransferToSelf(ep *PipeEndpoint) (*PipeEndpoint, error) {
	h, err := ep.Release()
	if err != nil {
		return nil, err
	}
	defer unix.Close(int(h))
	nfd, err := unix.FcntlInt(h, unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("ipc: dup %d: %w", h, err)
	}
	return newEndpoint(uintptr(nfd)), nil
}

// AdoptFromProcess takes ownership of a descriptor the parent passed down.
// The inherited descriptor is replaced with a close-on-exec copy.
func AdoptFromProcess(parentPid int, value uintptr) (*PipeEndpoint, error) {
	if err := unix.Kill(parentPid, 0); err != nil && err != unix.EPERM {
		return nil, fmt.Errorf("ipc: parent %d: %w", parentPid, err)
	}
	return TransferToSelf(newEndpoint(value))
}
