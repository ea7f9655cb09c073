//go:build unix

package protocol

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MapRegion maps the file at path as a mailbox with a data window of
// capacity bytes, creating or growing the file as needed. Two processes
// mapping the same file with the same capacity share one mailbox.
func MapRegion(path string, capacity int) (*Region, error) {
	size := regionSize(capacity)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("grow mailbox: %w", err)
		}
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map mailbox: %w", err)
	}
	// Mappings are page aligned, so the words are too.
	words := unsafe.Slice((*uint32)(unsafe.Pointer(unsafe.SliceData(mem))), size/4)
	return newRegion(words, func() error { return unix.Munmap(mem) }), nil
}
