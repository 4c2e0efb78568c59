// Package dvmem provides host buffers shaped like accelerator device memory:
// page aligned, explicitly synchronised around CPU access and released
// exactly once.
package dvmem

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/samcharles93/dvpack/pkg/dvweights"
)

var (
	ErrClosed     = errors.New("dvmem: memory released")
	ErrNotSynced  = errors.New("dvmem: no CPU access in progress")
	ErrSyncActive = errors.New("dvmem: CPU access already in progress")
)

// Access selects the direction of a CPU access window.
type Access int

const (
	Read Access = 1 << iota
	Write
	ReadWrite = Read | Write
)

// Mem is one device buffer.
type Mem struct {
	mu      sync.Mutex
	data    []byte
	mmapped bool
	access  Access
}

// Alloc returns a zeroed buffer of size bytes. The buffer comes from an
// anonymous mapping when the platform allows it, else from the Go heap with
// 16-byte alignment.
func Alloc(size int) (*Mem, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dvmem: invalid size %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err == nil {
		return &Mem{data: data, mmapped: true}, nil
	}
	return &Mem{data: dvweights.Alloc(size)}, nil
}

// Size returns the buffer length.
func (m *Mem) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Bytes returns the whole buffer. It must not be used after Close.
func (m *Mem) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

// SyncStart opens a CPU access window.
func (m *Mem) SyncStart(a Access) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return ErrClosed
	}
	if m.access != 0 {
		return ErrSyncActive
	}
	if a&ReadWrite == 0 {
		return fmt.Errorf("dvmem: invalid access mode %d", a)
	}
	m.access = a
	return nil
}

// SyncEnd closes the CPU access window opened by SyncStart.
func (m *Mem) SyncEnd() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return ErrClosed
	}
	if m.access == 0 {
		return ErrNotSynced
	}
	m.access = 0
	return nil
}

// Close releases the buffer. Closing twice is a no-op.
func (m *Mem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return nil
	}
	var err error
	if m.mmapped {
		err = unix.Munmap(m.data)
	}
	m.data = nil
	m.mmapped = false
	m.access = 0
	return err
}
