// Package mmapregion maps a fixed-size region backed either by a
// regular file (for PTCP queues and the client's last-known-server
// file) or by a POSIX-style shared-memory object under /dev/shm (for
// SPSC rings). It generalizes the mmap handling in the teacher
// package's shm.Matrix/shm.RingBuffer to an arbitrary byte size and a
// single open/create/truncate/map call, matching the shape of
// my_mmap<T> in the original tcpshm C++ source.
package mmapregion

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is a live mapping. Close unmaps it.
type Region struct {
	Bytes []byte
}

// MapFile maps a regular file at path, creating and truncating it to
// size if it does not already hold at least that many bytes. Used for
// PTCP queue files and the client's <name>.lastserver file.
func MapFile(path string, size int) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return mapFd(f, size)
}

// MapShm maps a POSIX shared-memory object identified by name
// (without a leading slash), under /dev/shm, as the teacher's
// shm.NewRingBuffer/shm.NewMatrix already do. Used for SPSC rings,
// one per direction per peer pair.
func MapShm(name string, size int) (*Region, error) {
	path := "/dev/shm/" + name
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("shm_open %s: %w", path, err)
	}
	return mapFd(f, size)
}

func mapFd(f *os.File, size int) (*Region, error) {
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}
	if st.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("ftruncate: %w", err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}
	// The fd is not needed once mapped; the mapping keeps the pages
	// alive, matching my_mmap's close-after-mmap behavior.
	f.Close()
	return &Region{Bytes: data}, nil
}

// Close unmaps the region.
func (r *Region) Close() error {
	if r.Bytes == nil {
		return nil
	}
	err := unix.Munmap(r.Bytes)
	r.Bytes = nil
	return err
}
