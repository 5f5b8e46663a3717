package volume

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Allocator hands out float64 buffers for the large per-unit arrays
// (similarity functions, shifted timecourses, GLM residuals). All stages
// address buffers through ordinary slice indexing regardless of backend, so
// the choice of backend is made exactly once at pipeline start.
type Allocator interface {
	// Alloc returns a zeroed buffer of n float64 values.
	Alloc(n int) ([]float64, error)

	// Release frees every buffer handed out by this allocator. Buffers must
	// not be used afterward.
	Release() error
}

// HeapAllocator allocates ordinary garbage-collected slices.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(n int) ([]float64, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative buffer size %d", n)
	}
	return make([]float64, n), nil
}

func (HeapAllocator) Release() error { return nil }

// SharedAllocator backs buffers with anonymous shared memory mappings so a
// multi-worker section does not duplicate the large arrays. Allocation
// failure is fatal to the run: there is no retry.
type SharedAllocator struct {
	mappings [][]byte
}

// NewSharedAllocator returns an allocator backed by anonymous mmap regions.
func NewSharedAllocator() *SharedAllocator {
	return &SharedAllocator{}
}

func (a *SharedAllocator) Alloc(n int) ([]float64, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative buffer size %d", n)
	}
	if n == 0 {
		return nil, nil
	}
	raw, err := unix.Mmap(-1, 0, n*8, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("shared buffer allocation of %d values failed: %w", n, err)
	}
	a.mappings = append(a.mappings, raw)
	return unsafe.Slice((*float64)(unsafe.Pointer(&raw[0])), n), nil
}

func (a *SharedAllocator) Release() error {
	var firstErr error
	for _, m := range a.mappings {
		if err := unix.Munmap(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.mappings = nil
	return firstErr
}

// SelectAllocator picks the buffer backend for the run: shared memory when
// more than one worker will touch the large arrays, plain heap otherwise.
func SelectAllocator(numWorkers int) Allocator {
	if numWorkers > 1 {
		return NewSharedAllocator()
	}
	return HeapAllocator{}
}
