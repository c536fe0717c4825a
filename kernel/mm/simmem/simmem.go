// Package simmem backs a simulated physical address space with anonymous
// host memory so that the frame allocator and page table code can run
// unmodified inside a regular process.
package simmem

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"kmm/kernel"
	"kmm/kernel/mm"
)

var (
	errInvalidSize = &kernel.Error{Module: "simmem", Message: "memory size must be a non-zero multiple of the page size"}
	errMapFailed   = &kernel.Error{Module: "simmem", Message: "unable to reserve host memory"}
)

// Memory is a block of simulated physical memory. The backing pages are
// obtained with mmap so they live outside the Go heap and can be addressed
// through raw pointer arithmetic, exactly like the kernel's direct map.
type Memory struct {
	buf   []byte
	phys  mm.PhysRange
	alias mm.DirectMap
}

// New reserves size bytes of host memory that emulate the physical address
// range [physStart, physStart+size).
func New(physStart uintptr, size mm.Size) (*Memory, *kernel.Error) {
	if size == 0 || uintptr(size)&(mm.PageSize-1) != 0 || physStart&(mm.PageSize-1) != 0 {
		return nil, errInvalidSize
	}

	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errMapFailed
	}

	hostAddr := uintptr(unsafe.Pointer(&buf[0]))
	return &Memory{
		buf:   buf,
		phys:  mm.PhysRange{Start: physStart, Size: size},
		alias: mm.DirectMap{Offset: hostAddr - physStart},
	}, nil
}

// DirectMap returns the alias that translates simulated physical addresses
// into host pointers.
func (m *Memory) DirectMap() mm.DirectMap { return m.alias }

// Range returns the simulated physical address range.
func (m *Memory) Range() mm.PhysRange { return m.phys }

// Contains returns true if the physical range r is backed by this memory.
func (m *Memory) Contains(r mm.PhysRange) bool {
	return r.Start >= m.phys.Start && r.End() <= m.phys.End() && r.End() >= r.Start
}

// Bytes returns the contents of the frame as a byte slice.
func (m *Memory) Bytes(frame mm.Frame) []byte {
	off := frame.Address() - m.phys.Start
	return m.buf[off : off+mm.PageSize]
}

// Close releases the host memory. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.buf == nil {
		return nil
	}
	err := unix.Munmap(m.buf)
	m.buf = nil
	return err
}
