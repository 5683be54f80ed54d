//go:build windows

package ringlog

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

type region struct {
	mapping windows.Handle
	view    uintptr
	data    []byte
}

// mapFile maps path with exactly size bytes. resized reports that the file
// had to be created or its length changed.
func mapFile(path string, size int, readOnly bool) (*region, bool, error) {
	flags := os.O_RDWR | os.O_CREATE
	protect := uint32(windows.PAGE_READWRITE)
	access := uint32(windows.FILE_MAP_WRITE)
	if readOnly {
		flags = os.O_RDONLY
		protect = windows.PAGE_READONLY
		access = windows.FILE_MAP_READ
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	resized := false
	if !readOnly {
		fi, err := f.Stat()
		if err != nil {
			return nil, false, err
		}
		if fi.Size() != int64(size) {
			if err := f.Truncate(int64(size)); err != nil {
				return nil, false, err
			}
			resized = true
		}
	}

	mapping, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, protect, 0, uint32(size), nil)
	if err != nil {
		return nil, false, os.NewSyscallError("CreateFileMapping", err)
	}
	view, err := windows.MapViewOfFile(mapping, access, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(mapping)
		return nil, false, os.NewSyscallError("MapViewOfFile", err)
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(view)), size)
	return &region{mapping: mapping, view: view, data: data}, resized, nil
}

func (r *region) bytes() []byte {
	return r.data
}

func (r *region) close() error {
	if r.view == 0 {
		return nil
	}
	err := windows.UnmapViewOfFile(r.view)
	windows.CloseHandle(r.mapping)
	r.view = 0
	r.data = nil
	return err
}
