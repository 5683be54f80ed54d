//go:build !windows

package ringlog

import (
	"os"

	"golang.org/x/sys/unix"
)

type region struct {
	data []byte
}

// mapFile maps path with exactly size bytes. resized reports that the file
// had to be created or its length changed.
func mapFile(path string, size int, readOnly bool) (*region, bool, error) {
	flags := os.O_RDWR | os.O_CREATE
	prot := unix.PROT_READ | unix.PROT_WRITE
	if readOnly {
		flags = os.O_RDONLY
		prot = unix.PROT_READ
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

	data, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, false, err
	}
	return &region{data: data}, resized, nil
}

func (r *region) bytes() []byte {
	return r.data
}

func (r *region) close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return err
}
